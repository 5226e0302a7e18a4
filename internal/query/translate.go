package query

import (
	"fmt"
	"sort"
	"strings"
)

// QueryNode is the closed AST variant set compiled from a selector: And |
// Or | Sql, per §9 "Polymorphism / variants".
type QueryNode interface {
	isQueryNode()
}

// AndQueryNode intersects the _id sets produced by its children.
type AndQueryNode struct {
	Children []QueryNode
}

// OrQueryNode unions the _id sets produced by its children. Every child of
// an OrQueryNode must itself resolve to an index (or be a nested Or/And
// that does); a child requiring post-hoc evaluation makes the whole query
// fail, per §4.3.
type OrQueryNode struct {
	Children []QueryNode
}

// SqlQueryNode is a leaf: one SQL statement over a single shadow table.
// Index is empty when no index could serve the clause, signaling that the
// caller must fall back to post-hoc evaluation (only legal directly under
// the top-level And, never under an Or).
type SqlQueryNode struct {
	Index string
	SQL   string
	Args  []interface{}

	// Clauses is kept alongside SQL so the post-hoc matcher can evaluate
	// this node in memory without re-deriving it from SQL text.
	Clauses []fieldClause
}

func (AndQueryNode) isQueryNode() {}
func (OrQueryNode) isQueryNode()  {}
func (SqlQueryNode) isQueryNode() {}

// fieldClause is one {field: {$op: value}} pair, normalized.
type fieldClause struct {
	Field string
	Op    string
	Value interface{}
}

// translate compiles a selector into a QueryNode tree, choosing one index
// per $and leaf whose provided fields are a superset of the clause's
// fields (§4.3 "Query translation"). A bare {field: cond, ...} map is
// treated as an implicit $and.
func translate(sel Selector, indexes []IndexDefinition) (QueryNode, error) {
	if and, ok := sel["$and"]; ok {
		return translateAnd(and, indexes)
	}
	if or, ok := sel["$or"]; ok {
		return translateOr(or, indexes)
	}
	return translateAnd([]interface{}{sel}, indexes)
}

// translateAnd builds one node per array item: a nested {"$and": [...]} or
// {"$or": [...]} item recurses as its own child node, while consecutive
// bare field clauses are merged into a single leaf so that one index can
// cover all of them at once (§4.3: "at each compound node build a tree
// whose leaves are SqlQueryNodes"). If the whole $and reduces to exactly
// one leaf, that leaf is returned directly instead of wrapping it in a
// redundant AndQueryNode.
func translateAnd(raw interface{}, indexes []IndexDefinition) (QueryNode, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("query: $and requires an array of clauses")
	}

	var children []QueryNode
	var pendingClauses []fieldClause
	flushPending := func() error {
		if len(pendingClauses) == 0 {
			return nil
		}
		leaf, err := buildLeafOrFallback(pendingClauses, indexes)
		if err != nil {
			return err
		}
		children = append(children, leaf)
		pendingClauses = nil
		return nil
	}

	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("query: $and clause must be an object")
		}
		if _, ok := m["$and"]; ok && len(m) == 1 {
			if err := flushPending(); err != nil {
				return nil, err
			}
			child, err := translateAnd(m["$and"], indexes)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
			continue
		}
		if _, ok := m["$or"]; ok && len(m) == 1 {
			if err := flushPending(); err != nil {
				return nil, err
			}
			child, err := translateOr(m["$or"], indexes)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
			continue
		}
		for field, cond := range m {
			fcs, err := parseFieldCondition(field, cond)
			if err != nil {
				return nil, err
			}
			pendingClauses = append(pendingClauses, fcs...)
		}
	}
	if err := flushPending(); err != nil {
		return nil, err
	}

	if len(children) == 1 {
		return children[0], nil
	}
	return AndQueryNode{Children: children}, nil
}

func translateOr(raw interface{}, indexes []IndexDefinition) (QueryNode, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("query: $or requires an array of clauses")
	}
	var children []QueryNode
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("query: $or clause must be an object")
		}
		child, err := translate(m, indexes)
		if err != nil {
			return nil, err
		}
		if nodeNeedsPostHoc(child) {
			return nil, fmt.Errorf("%w: $or branch has no covering index", ErrNoIndexForClause)
		}
		children = append(children, child)
	}
	return OrQueryNode{Children: children}, nil
}

func parseFieldCondition(field string, cond interface{}) ([]fieldClause, error) {
	m, ok := cond.(map[string]interface{})
	if !ok {
		// Bare value is shorthand for $eq.
		return []fieldClause{{Field: field, Op: "$eq", Value: cond}}, nil
	}
	var out []fieldClause
	for op, val := range m {
		if !strings.HasPrefix(op, "$") {
			return nil, fmt.Errorf("%w: operator %q must start with $", ErrInvalidField, op)
		}
		out = append(out, fieldClause{Field: field, Op: op, Value: val})
	}
	// Stable order keeps SQL generation (and therefore explain output)
	// deterministic across runs over the same selector.
	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out, nil
}

// buildLeafOrFallback picks the best index covering clauses; if none
// covers every clause it still returns a SqlQueryNode, but with an empty
// Index, signaling the caller (Find) to fall back to post-hoc matching.
// A $text clause with no text index, or any clause requiring an index
// when called from inside an $or, is an error instead (checked by the
// caller for the $or case).
func buildLeafOrFallback(clauses []fieldClause, indexes []IndexDefinition) (QueryNode, error) {
	needed := make(map[string]bool, len(clauses))
	hasText := false
	for _, c := range clauses {
		if c.Op == "$size" || c.Op == "$not" || c.Op == "$regex" {
			// $size never uses an index. $not is evaluated post-hoc so
			// that array-valued fields are handled correctly (a SQL "NOT
			// IN" over an unrolled shadow table would incorrectly exclude
			// documents where only some array elements match). $regex has
			// no portable SQL equivalent without a loadable extension, so
			// it is always evaluated post-hoc too.
			return SqlQueryNode{Clauses: clauses}, nil
		}
		needed[c.Field] = true
		if c.Op == "$text" {
			hasText = true
		}
	}

	var best *IndexDefinition
	for i := range indexes {
		idx := indexes[i]
		if hasText != (idx.Type == "text") {
			continue
		}
		if coversFields(idx, needed) {
			if best == nil || len(idx.Fields) < len(best.Fields) {
				best = &indexes[i]
			}
		}
	}

	if hasText && best == nil {
		return nil, fmt.Errorf("%w: $text requires a text index", ErrNoIndexForClause)
	}

	if best == nil {
		return SqlQueryNode{Clauses: clauses}, nil
	}

	sqlText, args := buildSQL(*best, clauses)
	return SqlQueryNode{Index: best.Name, SQL: sqlText, Args: args, Clauses: clauses}, nil
}

func coversFields(idx IndexDefinition, needed map[string]bool) bool {
	provided := make(map[string]bool, len(idx.Fields))
	for _, f := range idx.Fields {
		provided[f] = true
	}
	for f := range needed {
		if !provided[f] {
			return false
		}
	}
	return true
}

// buildSQL renders a conjunction of clauses into one SELECT over the
// index's shadow table.
func buildSQL(idx IndexDefinition, clauses []fieldClause) (string, []interface{}) {
	table := shadowTableName(idx.Name)
	var conds []string
	var args []interface{}
	for _, c := range clauses {
		cond, a := renderClause(table, c)
		conds = append(conds, cond)
		args = append(args, a...)
	}
	where := "1=1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	// Grouping by _id and ordering by the minimum rowid recovers insertion
	// order even though array-valued fields unroll into multiple rows per
	// document.
	return fmt.Sprintf(`SELECT "_id" FROM %q WHERE %s GROUP BY "_id" ORDER BY MIN(rowid)`, table, where), args
}

// renderClause emits the WHERE fragment for one operator. $in and $mod are
// given their documented intended semantics directly (see the open
// questions note in §9 about the source's inverted string comparison bug).
func renderClause(table string, c fieldClause) (string, []interface{}) {
	col := fmt.Sprintf("%q", c.Field)
	switch c.Op {
	case "$eq":
		return col + " = ?", []interface{}{c.Value}
	case "$ne":
		return col + " <> ?", []interface{}{c.Value}
	case "$gt":
		return col + " > ?", []interface{}{c.Value}
	case "$gte":
		return col + " >= ?", []interface{}{c.Value}
	case "$lt":
		return col + " < ?", []interface{}{c.Value}
	case "$lte":
		return col + " <= ?", []interface{}{c.Value}
	case "$exists":
		if b, ok := c.Value.(bool); ok && !b {
			return col + " IS NULL", nil
		}
		return col + " IS NOT NULL", nil
	case "$type":
		return typeCheckSQL(col), []interface{}{c.Value}
	case "$in":
		vals, _ := c.Value.([]interface{})
		placeholders := make([]string, len(vals))
		args := make([]interface{}, len(vals))
		for i, v := range vals {
			placeholders[i] = "?"
			args[i] = v
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), args
	case "$nin":
		vals, _ := c.Value.([]interface{})
		placeholders := make([]string, len(vals))
		args := make([]interface{}, len(vals))
		for i, v := range vals {
			placeholders[i] = "?"
			args[i] = v
		}
		return fmt.Sprintf("%s NOT IN (%s)", col, strings.Join(placeholders, ", ")), args
	case "$mod":
		vals, _ := c.Value.([]interface{})
		divisor, remainder := interface{}(1), interface{}(0)
		if len(vals) == 2 {
			divisor, remainder = vals[0], vals[1]
		}
		return fmt.Sprintf("%s %% CAST(? AS INTEGER) = ?", col), []interface{}{divisor, remainder}
	case "$text":
		search := ""
		if m, ok := c.Value.(map[string]interface{}); ok {
			if s, ok := m["$search"].(string); ok {
				search = s
			}
		}
		return fmt.Sprintf("%q MATCH ?", table), []interface{}{search}
	default:
		// $not, $size, and $regex never reach here as SQL (see
		// buildLeafOrFallback), but render a clause that matches nothing
		// rather than silently matching everything if one slips through.
		return "0", nil
	}
}

func typeCheckSQL(col string) string {
	return fmt.Sprintf(`(CASE WHEN typeof(%s) = 'text' THEN 'string' WHEN typeof(%s) IN ('integer','real') THEN 'number' WHEN typeof(%s) = 'null' THEN 'null' ELSE typeof(%s) END) = ?`, col, col, col, col)
}
