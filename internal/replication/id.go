package replication

import (
	"crypto/sha1" //nolint:gosec // identity hash, not a security boundary.
	"encoding/json"
	"fmt"
)

// ComputeID derives the replication_id that names a run's checkpoint local
// document: hex(SHA1(canonical_json({source, target, filter|selector|doc_ids}))).
// filterOrSelectorOrDocIDs may be nil (unfiltered replication), a filter
// name string, a query.Selector-shaped map, or a []string of doc ids.
// encoding/json marshals map keys in sorted order at every nesting level,
// which is all the canonicalization this needs for two identically
// configured peers to agree on the same id.
func ComputeID(source, target string, filterOrSelectorOrDocIDs interface{}) string {
	payload := map[string]interface{}{"source": source, "target": target}
	if filterOrSelectorOrDocIDs != nil {
		payload["filter"] = filterOrSelectorOrDocIDs
	}
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte(fmt.Sprintf("%s|%s", source, target))
	}
	digester := sha1.New() //nolint:gosec
	digester.Write(b)
	return fmt.Sprintf("%x", digester.Sum(nil))
}
