package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Create (if absent) and validate a store at --root",
	Long: `Open creates the store root directory if it doesn't exist, runs schema
migrations for the revision tree and query engine, and then closes
everything cleanly. Useful for provisioning a new store before the first
pull or push.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer a.Close()

		if jsonOutput {
			outputJSON(map[string]interface{}{"root": resolveRoot(), "opened": true})
			return nil
		}
		fmt.Printf("Opened store at %s\n", resolveRoot())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(openCmd)
}
