package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// matchSelector is the post-hoc, in-memory selector evaluator. It exists
// both as the fallback plan when no index covers a clause and as the
// reference semantics every SQL-backed plan must agree with (§8: "Query:
// for any selector, results equal those of a brute-force in-memory
// evaluator over all current winners").
func matchSelector(doc map[string]interface{}, node QueryNode) bool {
	switch n := node.(type) {
	case AndQueryNode:
		for _, c := range n.Children {
			if !matchSelector(doc, c) {
				return false
			}
		}
		return true
	case OrQueryNode:
		for _, c := range n.Children {
			if matchSelector(doc, c) {
				return true
			}
		}
		return len(n.Children) == 0
	case SqlQueryNode:
		for _, c := range n.Clauses {
			if !matchClause(doc, c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func matchClause(doc map[string]interface{}, c fieldClause) bool {
	values := fieldValues(doc, c.Field)

	switch c.Op {
	case "$exists":
		want, _ := c.Value.(bool)
		return (len(values) > 0) == want
	case "$size":
		n, ok := c.Value.(float64)
		return ok && len(topLevelArray(doc, c.Field)) == int(n)
	case "$not":
		sub, ok := c.Value.(map[string]interface{})
		if !ok {
			return false
		}
		return !matchClause(doc, fieldClause{Field: c.Field, Op: firstKey(sub), Value: sub[firstKey(sub)]})
	}

	if len(values) == 0 {
		// Absent fields never satisfy comparison operators other than
		// $ne/$nin, mirroring standard selector semantics.
		return c.Op == "$ne" || c.Op == "$nin"
	}
	for _, v := range values {
		if matchScalar(v, c.Op, c.Value) {
			return true
		}
	}
	return false
}

func firstKey(m map[string]interface{}) string {
	for k := range m {
		return k
	}
	return ""
}

func topLevelArray(doc map[string]interface{}, field string) []interface{} {
	segments := strings.Split(field, ".")
	var cur interface{} = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	arr, _ := cur.([]interface{})
	return arr
}

func matchScalar(v interface{}, op string, want interface{}) bool {
	switch op {
	case "$eq":
		return jsonEqual(v, want)
	case "$ne":
		return !jsonEqual(v, want)
	case "$gt":
		return compareNumericOrString(v, want) > 0
	case "$gte":
		return compareNumericOrString(v, want) >= 0
	case "$lt":
		return compareNumericOrString(v, want) < 0
	case "$lte":
		return compareNumericOrString(v, want) <= 0
	case "$in":
		list, _ := want.([]interface{})
		for _, item := range list {
			if jsonEqual(v, item) {
				return true
			}
		}
		return false
	case "$nin":
		list, _ := want.([]interface{})
		for _, item := range list {
			if jsonEqual(v, item) {
				return false
			}
		}
		return true
	case "$mod":
		list, _ := want.([]interface{})
		if len(list) != 2 {
			return false
		}
		n, ok := v.(float64)
		if !ok {
			return false
		}
		div, _ := list[0].(float64)
		rem, _ := list[1].(float64)
		if div == 0 {
			return false
		}
		return float64(int64(n)%int64(div)) == rem
	case "$type":
		return jsonTypeName(v) == want
	case "$regex":
		pattern, _ := want.(string)
		s, ok := v.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case "$text":
		m, _ := want.(map[string]interface{})
		search, _ := m["$search"].(string)
		s, ok := v.(string)
		return ok && search != "" && strings.Contains(s, search)
	default:
		return false
	}
}

func jsonEqual(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func compareNumericOrString(a, b interface{}) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprint(a)
	bs := fmt.Sprint(b)
	return strings.Compare(as, bs)
}

func jsonTypeName(v interface{}) interface{} {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return "unknown"
	}
}
