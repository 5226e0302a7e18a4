package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncstore/syncstore/internal/config"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Report effective configuration and store statistics",
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer a.Close()

		count, err := a.tree.GetDocumentCount(rootCtx)
		if err != nil {
			return fmt.Errorf("count documents: %w", err)
		}

		info := map[string]interface{}{
			"root":      resolveRoot(),
			"documents": count,
			"config":    config.AllSettings(),
		}

		if jsonOutput {
			outputJSON(info)
			return nil
		}
		fmt.Printf("Root: %s\n", info["root"])
		fmt.Printf("Documents: %d\n", count)
		fmt.Printf("Config: %v\n", info["config"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
