package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// outputJSON writes v to stdout as indented JSON, exiting with an error
// message on encode failure.
func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode JSON output: %v\n", err)
		os.Exit(1)
	}
}
