package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncstore/syncstore/internal/query"
)

var (
	querySelectorJSON string
	queryLimit        int
	querySkip         int
	queryFields       []string
	queryExplain      bool
	queryCreateIndex  string
	queryIndexFields  []string
	queryIndexType    string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run an ad-hoc JSON selector query, or create an index",
	Long: `Query evaluates a Cloudant-style selector ("$and"/"$or"/operator
clauses) against the store's documents, using a created index when one
covers the selector and falling back to a post-hoc scan otherwise.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer a.Close()

		if queryCreateIndex != "" {
			if err := a.query.CreateIndex(rootCtx, queryCreateIndex, queryIndexFields, queryIndexType); err != nil {
				return fmt.Errorf("create index: %w", err)
			}
			if jsonOutput {
				outputJSON(map[string]interface{}{"created": queryCreateIndex})
				return nil
			}
			fmt.Printf("Created index %q on %v\n", queryCreateIndex, queryIndexFields)
			return nil
		}

		if querySelectorJSON == "" {
			return fmt.Errorf("query requires --selector or --create-index")
		}
		var sel query.Selector
		if err := json.Unmarshal([]byte(querySelectorJSON), &sel); err != nil {
			return fmt.Errorf("parse --selector: %w", err)
		}

		if queryExplain {
			plan, err := a.query.Explain(rootCtx, sel)
			if err != nil {
				return fmt.Errorf("explain: %w", err)
			}
			if jsonOutput {
				outputJSON(plan)
				return nil
			}
			fmt.Printf("index: %q  full_scan: %v  sql: %v\n", plan.UsedIndex, plan.FullScan, plan.SQL)
			return nil
		}

		opts := query.FindOptions{Fields: queryFields, Skip: querySkip, Limit: queryLimit}
		results, err := a.query.Find(rootCtx, sel, opts)
		if err != nil {
			return fmt.Errorf("find: %w", err)
		}

		if jsonOutput {
			out := make([]map[string]interface{}, len(results))
			for i, r := range results {
				var body interface{}
				_ = json.Unmarshal(r.Body, &body)
				out[i] = map[string]interface{}{"_id": r.DocID, "_rev": r.RevID, "doc": body}
			}
			outputJSON(out)
			return nil
		}
		for _, r := range results {
			fmt.Printf("%s@%s: %s\n", r.DocID, r.RevID, string(r.Body))
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&querySelectorJSON, "selector", "", "JSON selector to evaluate")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "maximum number of results (0 = unbounded)")
	queryCmd.Flags().IntVar(&querySkip, "skip", 0, "number of results to skip")
	queryCmd.Flags().StringSliceVar(&queryFields, "fields", nil, "projection field list (default: whole document)")
	queryCmd.Flags().BoolVar(&queryExplain, "explain", false, "show the query plan instead of running it")
	queryCmd.Flags().StringVar(&queryCreateIndex, "create-index", "", "create a named index instead of querying")
	queryCmd.Flags().StringSliceVar(&queryIndexFields, "index-fields", nil, "fields for --create-index")
	queryCmd.Flags().StringVar(&queryIndexType, "index-type", "json", "index type for --create-index (\"json\" or \"text\")")
	rootCmd.AddCommand(queryCmd)
}
