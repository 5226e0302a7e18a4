// Package query implements the ad-hoc JSON selector query engine: a
// separate relational store that shadows indexed fields out of documents
// and compiles selectors into SQL over those shadow tables, falling back to
// an in-memory post-hoc matcher when no index can serve a clause.
package query

// Selector is a parsed selector map, as accepted by Find. Top-level keys
// are either "$and"/"$or" or bare field names (implicitly wrapped in an
// "$and" of one clause each).
type Selector = map[string]interface{}

// IndexField is one field of an index definition, in declaration order.
type IndexField struct {
	Name string
}

// IndexDefinition describes a created index as stored in the metadata
// table.
type IndexDefinition struct {
	Name         string
	Type         string // "json" or "text"
	Fields       []string
	LastSequence int64
}

// FindOptions controls projection, ordering, and pagination of a Find call.
type FindOptions struct {
	Fields []string // projection; nil means whole document
	Sort   []SortField
	Skip   int
	Limit  int // 0 means unbounded
}

// SortField is one entry of a sort specification.
type SortField struct {
	Field      string
	Descending bool
}

// QueryResult is one matched document, as returned by Find.
type QueryResult struct {
	DocID string
	RevID string
	Body  []byte
}

// ExplainResult describes how a query would be executed, mirroring the
// explain() support named in §4.3.
type ExplainResult struct {
	UsedIndex  string
	FullScan   bool
	PostHoc    bool
	SQL        []string
}
