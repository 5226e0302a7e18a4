// Command syncctl is the operator CLI for a syncstore document store: open
// a store, pull or push against a remote peer, run ad-hoc selector
// queries, compact, and inspect effective configuration.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/internal/logging"
)

var (
	storeRoot  string
	jsonOutput bool

	rootCtx = context.Background()
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Operate a syncstore document store",
	Long: `syncctl opens and replicates a syncstore document store: a single
SQLite-backed revision tree with CouchDB-compatible pull/push replication,
an ad-hoc JSON selector query engine, and content-addressed attachments.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		logging.Init(logging.Options{
			FilePath:   config.GetString("log.file"),
			MaxSizeMB:  config.GetInt("log.max-size-mb"),
			MaxBackups: config.GetInt("log.max-backups"),
			MaxAgeDays: config.GetInt("log.max-age-days"),
			Level:      logging.ParseLevel(config.GetString("log.level")),
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeRoot, "root", "", "store root directory (overrides store.root config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON instead of human-readable text")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
