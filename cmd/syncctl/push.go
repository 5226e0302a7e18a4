package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/internal/replication"
)

var pushTarget string

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push local changes to a remote peer",
	Long: `Push runs one full replication batch loop against --target: it
computes a revs_diff of local changes the remote is missing since the last
checkpoint, and bulk-uploads them with new_edits=false so the remote
preserves this store's revision history exactly.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		if pushTarget == "" {
			return fmt.Errorf("push requires --target")
		}
		a, err := openApp()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer a.Close()

		client, err := replication.NewClient(pushTarget, http.DefaultClient, replication.DefaultRetryPolicy())
		if err != nil {
			return fmt.Errorf("connect to %s: %w", pushTarget, err)
		}

		replicationID := replication.ComputeID(resolveRoot(), pushTarget, nil)

		strategy := replication.NewPushStrategy(client, a.tree, a.blobs, config.ReplicationConfig(), replicationID, nil)
		if err := strategy.Run(rootCtx); err != nil {
			return fmt.Errorf("push: %w", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"replication_id": replicationID,
				"documents":      strategy.DocumentCounter(),
				"batches":        strategy.BatchCounter(),
			})
			return nil
		}
		fmt.Printf("Pushed %d document(s) in %d batch(es) to %s\n", strategy.DocumentCounter(), strategy.BatchCounter(), pushTarget)
		return nil
	},
}

func init() {
	pushCmd.Flags().StringVar(&pushTarget, "target", "", "remote database URL to push to")
	rootCmd.AddCommand(pushCmd)
}
