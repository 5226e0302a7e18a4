package query

import "errors"

var (
	// ErrIndexNotFound is returned when an operation names an index that
	// has not been created.
	ErrIndexNotFound = errors.New("query: index not found")

	// ErrIndexConflict is returned by CreateIndex when an index of the
	// same name already exists with a different definition.
	ErrIndexConflict = errors.New("query: index exists with a different definition")

	// ErrInvalidField is returned when an index or selector field name is
	// empty or contains a "$"-prefixed segment.
	ErrInvalidField = errors.New("query: invalid field name")

	// ErrDescendingIndex is returned when CreateIndex is asked to fix a
	// sort direction; indexes do not carry direction, queries do.
	ErrDescendingIndex = errors.New("query: index fields may not specify direction")

	// ErrTextIndexLimit is returned when creating a second text index.
	ErrTextIndexLimit = errors.New("query: only one text index is supported")

	// ErrNoIndexForClause is returned when a selector clause cannot be
	// served by any index and post-hoc matching is not applicable (an $or
	// branch or a $text clause without a text index).
	ErrNoIndexForClause = errors.New("query: no index available for clause")
)
