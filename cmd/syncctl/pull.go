package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/internal/replication"
)

var (
	pullSource string
	pullFilter string
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull changes from a remote peer into this store",
	Long: `Pull runs one full replication batch loop against --source: it
discovers the remote's changes since the last checkpoint, fetches what this
store is missing, and inserts it preserving the remote's revision history
and conflicts.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		if pullSource == "" {
			return fmt.Errorf("pull requires --source")
		}
		a, err := openApp()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer a.Close()

		client, err := replication.NewClient(pullSource, http.DefaultClient, replication.DefaultRetryPolicy())
		if err != nil {
			return fmt.Errorf("connect to %s: %w", pullSource, err)
		}

		var filter interface{}
		if pullFilter != "" {
			filter = pullFilter
		}
		replicationID := replication.ComputeID(pullSource, resolveRoot(), filter)

		strategy := replication.NewPullStrategy(client, a.tree, a.blobs, config.ReplicationConfig(), replicationID, filter, nil)
		if err := strategy.Run(rootCtx); err != nil {
			return fmt.Errorf("pull: %w", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"replication_id": replicationID,
				"documents":      strategy.DocumentCounter(),
				"batches":        strategy.BatchCounter(),
			})
			return nil
		}
		fmt.Printf("Pulled %d document(s) in %d batch(es) from %s\n", strategy.DocumentCounter(), strategy.BatchCounter(), pullSource)
		return nil
	},
}

func init() {
	pullCmd.Flags().StringVar(&pullSource, "source", "", "remote database URL to pull from")
	pullCmd.Flags().StringVar(&pullFilter, "filter", "", "named filter function to restrict the pulled changes feed")
	rootCmd.AddCommand(pullCmd)
}
