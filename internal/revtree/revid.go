package revtree

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // digest is a content fingerprint, not a security boundary.
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// newRevID constructs a reproducible "N-hex" revision identifier by hashing
// a canonical serialization of the parent rev id, the deleted flag, the
// sorted attachment digests, and the body bytes. Because the digest is a
// pure function of that tuple, two peers that independently write the same
// edit converge on the same rev id, which is what makes forceInsert
// idempotent.
//
// Grounded on the rev-id construction used throughout the CouchDB
// replication protocol family (e.g. sync_gateway's createRevID): a
// generation-prefixed hash over parent + flags + body.
func newRevID(generation int, parentRevID string, deleted bool, body []byte, atts []Attachment) string {
	digester := sha1.New() //nolint:gosec
	digester.Write([]byte{byte(len(parentRevID))})
	digester.Write([]byte(parentRevID))
	if deleted {
		digester.Write([]byte{1})
	} else {
		digester.Write([]byte{0})
	}
	for _, d := range sortedAttachmentDigests(atts) {
		digester.Write([]byte(d))
	}
	digester.Write(canonicalBody(body))
	return fmt.Sprintf("%d-%x", generation, digester.Sum(nil)[:16])
}

func sortedAttachmentDigests(atts []Attachment) []string {
	names := make([]string, 0, len(atts))
	byName := make(map[string]string, len(atts))
	for _, a := range atts {
		names = append(names, a.Filename)
		byName[a.Filename] = a.Digest
	}
	sort.Strings(names)
	digests := make([]string, len(names))
	for i, n := range names {
		digests[i] = byName[n]
	}
	return digests
}

// canonicalBody re-encodes body through a map so that key order in the
// hash input is stable regardless of how the caller formatted the JSON.
// An empty or non-object body (tombstones) is hashed as-is.
func canonicalBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, _ := json.Marshal(m[k])
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// ParseRevID splits "N-hex" into its generation and hex digest. It returns
// generation 0 and an empty digest for the empty string (no parent).
func ParseRevID(revID string) (generation int, digest string, err error) {
	if revID == "" {
		return 0, "", nil
	}
	idx := strings.IndexByte(revID, '-')
	if idx < 1 {
		return 0, "", fmt.Errorf("revtree: malformed rev id %q", revID)
	}
	generation, err = strconv.Atoi(revID[:idx])
	if err != nil || generation < 1 {
		return 0, "", fmt.Errorf("revtree: malformed rev id %q", revID)
	}
	return generation, revID[idx+1:], nil
}

// compareRevIDs orders rev ids by generation first, then lexicographically
// on the full string, matching the winner tie-break rule in §4.1: "pick the
// highest generation; tie-break lexicographically on the full rev_id string
// (largest wins)". Returns <0, 0, >0 like strings.Compare.
func compareRevIDs(a, b string) int {
	genA, _, errA := ParseRevID(a)
	genB, _, errB := ParseRevID(b)
	if errA == nil && errB == nil && genA != genB {
		if genA < genB {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
