package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim space from non-winning revisions and orphaned attachments",
	Long: `Compact blanks the bodies of all non-leaf revisions, keeping the tree
structure and every leaf (winner and conflicts) untouched, drops the
attachment rows of the blanked revisions, and deletes attachment blobs no
longer referenced by any remaining attachment row.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer a.Close()

		result, err := a.tree.Compact(rootCtx, a.blobs)
		if err != nil {
			return fmt.Errorf("compact: %w", err)
		}

		if jsonOutput {
			outputJSON(result)
			return nil
		}
		fmt.Printf("Blanked %d revision(s), pruned %d attachment(s), removed %d blob(s)\n", result.RevisionsBlanked, result.AttachmentsPruned, result.BlobsRemoved)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
}
