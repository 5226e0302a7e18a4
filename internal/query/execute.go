package query

import (
	"context"
	"encoding/json"
	"fmt"
)

// Find runs a selector query per §4.3 "Execution": index refresh, then
// compilation to a QueryNode tree, then SQL execution with post-hoc
// fallback for clauses no index can cover.
func (s *Store) Find(ctx context.Context, sel Selector, opts FindOptions) ([]QueryResult, error) {
	defs, err := s.refreshedIndexDefinitions(ctx)
	if err != nil {
		return nil, err
	}

	node, err := translate(sel, defs)
	if err != nil {
		return nil, err
	}

	var ids []string
	needsPostHoc := nodeNeedsPostHoc(node)
	if needsPostHoc {
		ids, err = s.postHocScan(ctx, node)
		if err != nil {
			return nil, err
		}
	} else {
		err = s.submit(ctx, func() error {
			var execErr error
			ids, execErr = s.executeNode(ctx, node)
			return execErr
		})
		if err != nil {
			return nil, err
		}
	}

	return s.materialize(ctx, ids, opts)
}

// Explain reports, without running the query, which index (if any) would
// cover each leaf clause and whether any clause would force a post-hoc
// scan, mirroring the explain() support named in §4.3.
func (s *Store) Explain(ctx context.Context, sel Selector) (ExplainResult, error) {
	defs, err := s.refreshedIndexDefinitions(ctx)
	if err != nil {
		return ExplainResult{}, err
	}
	node, err := translate(sel, defs)
	if err != nil {
		return ExplainResult{}, err
	}

	result := ExplainResult{FullScan: nodeNeedsPostHoc(node)}
	collectExplainLeaves(node, &result)
	result.PostHoc = result.FullScan
	return result, nil
}

func collectExplainLeaves(node QueryNode, result *ExplainResult) {
	switch n := node.(type) {
	case AndQueryNode:
		for _, c := range n.Children {
			collectExplainLeaves(c, result)
		}
	case OrQueryNode:
		for _, c := range n.Children {
			collectExplainLeaves(c, result)
		}
	case SqlQueryNode:
		if n.Index != "" && result.UsedIndex == "" {
			result.UsedIndex = n.Index
		}
		if n.SQL != "" {
			result.SQL = append(result.SQL, n.SQL)
		}
	}
}

// nodeNeedsPostHoc reports whether any leaf in the tree has no covering
// index (Index == "").
func nodeNeedsPostHoc(node QueryNode) bool {
	switch n := node.(type) {
	case AndQueryNode:
		for _, c := range n.Children {
			if nodeNeedsPostHoc(c) {
				return true
			}
		}
		return false
	case OrQueryNode:
		for _, c := range n.Children {
			if nodeNeedsPostHoc(c) {
				return true
			}
		}
		return false
	case SqlQueryNode:
		return n.Index == ""
	default:
		return false
	}
}

// executeNode evaluates a node that is fully covered by indexes, returning
// an ordered, deduplicated _id list. Must run on the query store's queue.
func (s *Store) executeNode(ctx context.Context, node QueryNode) ([]string, error) {
	switch n := node.(type) {
	case AndQueryNode:
		var result []string
		for i, c := range n.Children {
			ids, err := s.executeNode(ctx, c)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				result = ids
				continue
			}
			result = intersectOrdered(result, ids)
		}
		return result, nil
	case OrQueryNode:
		var result []string
		seen := make(map[string]bool)
		for _, c := range n.Children {
			ids, err := s.executeNode(ctx, c)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					result = append(result, id)
				}
			}
		}
		return result, nil
	case SqlQueryNode:
		if n.Index == "" {
			// Caller (Find) detects this case up front and switches to
			// postHocScan instead; reaching here means a bug in that
			// detection, so fail loudly rather than silently matching all.
			return nil, fmt.Errorf("query: internal error: executeNode reached an uncovered leaf")
		}
		rows, err := s.db.Query(n.SQL, n.Args...)
		if err != nil {
			return nil, fmt.Errorf("query: execute index query: %w", err)
		}
		defer rows.Close()
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	default:
		return nil, fmt.Errorf("query: unknown node type %T", node)
	}
}

// postHocScan loads every current winner from the document source and
// evaluates the selector against each one in memory, preserving Changes
// feed order as a stable approximation of creation order.
func (s *Store) postHocScan(ctx context.Context, node QueryNode) ([]string, error) {
	var ids []string
	var since int64
	for {
		changes, lastSeq, err := s.source.Changes(ctx, since, refreshBatchSize)
		if err != nil {
			return nil, fmt.Errorf("query: post-hoc scan: %w", err)
		}
		if len(changes) == 0 {
			break
		}
		for _, c := range changes {
			if c.Deleted {
				continue
			}
			rev, err := s.source.Read(ctx, c.DocID, c.RevID)
			if err != nil {
				continue
			}
			var doc map[string]interface{}
			if len(rev.Body) > 0 {
				if err := json.Unmarshal(rev.Body, &doc); err != nil {
					continue
				}
			}
			if matchSelector(doc, node) {
				ids = append(ids, c.DocID)
			}
		}
		since = lastSeq
		if len(changes) < refreshBatchSize {
			break
		}
	}
	return ids, nil
}

// materialize loads the winning revision of each matched id, applies
// projection and sort/skip/limit, per §4.3 "Projection, sort, skip/limit".
func (s *Store) materialize(ctx context.Context, ids []string, opts FindOptions) ([]QueryResult, error) {
	results := make([]QueryResult, 0, len(ids))
	for _, id := range ids {
		rev, err := s.source.Read(ctx, id, "")
		if err != nil {
			continue
		}
		body := rev.Body
		if len(opts.Fields) > 0 {
			body, err = projectFields(body, opts.Fields)
			if err != nil {
				return nil, err
			}
		}
		results = append(results, QueryResult{DocID: id, RevID: rev.RevID, Body: body})
	}

	if len(opts.Sort) > 0 {
		if err := sortResults(results, opts.Sort); err != nil {
			return nil, err
		}
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(results) {
			return []QueryResult{}, nil
		}
		results = results[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < len(results) {
		results = results[:opts.Limit]
	}
	return results, nil
}

func projectFields(body []byte, fields []string) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, nil
	}
	projected := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			projected[f] = v
		}
	}
	return json.Marshal(projected)
}

func sortResults(results []QueryResult, sort []SortField) error {
	// Sort fields must reference the chosen index or be applied post-hoc;
	// this implementation always sorts post-hoc over decoded bodies, which
	// is correct for any field whether indexed or not.
	decoded := make([]map[string]interface{}, len(results))
	for i, r := range results {
		var doc map[string]interface{}
		_ = json.Unmarshal(r.Body, &doc)
		decoded[i] = doc
	}
	idx := make([]int, len(results))
	for i := range idx {
		idx[i] = i
	}
	less := func(a, b int) bool {
		for _, sf := range sort {
			va := fieldValues(decoded[a], sf.Field)
			vb := fieldValues(decoded[b], sf.Field)
			var cmp int
			switch {
			case len(va) == 0 && len(vb) == 0:
				cmp = 0
			case len(va) == 0:
				cmp = -1
			case len(vb) == 0:
				cmp = 1
			default:
				cmp = compareNumericOrString(va[0], vb[0])
			}
			if cmp == 0 {
				continue
			}
			if sf.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	}
	insertionSort(idx, less)
	sortedResults := make([]QueryResult, len(results))
	for i, pos := range idx {
		sortedResults[i] = results[pos]
	}
	copy(results, sortedResults)
	return nil
}

// insertionSort is a small stable sort, avoiding a dependency on sort.Slice
// semantics (which is not guaranteed stable) for a contract that requires
// stable ordering of ties.
func insertionSort(idx []int, less func(i, j int) bool) {
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && less(idx[j], idx[j-1]); j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
}

func intersectOrdered(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, id := range b {
		set[id] = true
	}
	var out []string
	for _, id := range a {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

// refreshedIndexDefinitions lists every index and brings its shadow table
// up to the main store's latest sequence before translation picks one for
// each clause; translate only reads Name/Type/Fields, so the pre-refresh
// snapshot of those is still valid after refreshIndex advances
// LastSequence.
func (s *Store) refreshedIndexDefinitions(ctx context.Context) ([]IndexDefinition, error) {
	var defs []IndexDefinition
	if err := s.submit(ctx, func() error {
		var err error
		defs, err = listIndexDefinitions(s.db)
		return err
	}); err != nil {
		return nil, err
	}
	for _, def := range defs {
		if err := s.refreshIndex(ctx, def); err != nil {
			return nil, err
		}
	}
	return defs, nil
}
