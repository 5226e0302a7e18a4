package query

// metadataSchema creates the index catalog for the query engine's own
// relational store, kept under <extensions>/com.cloudant.sync.query/ per
// §4.3. Per-index shadow tables (_t_<index_name>) are created dynamically
// by CreateIndex, since their column list depends on the index definition.
const metadataSchema = `
CREATE TABLE IF NOT EXISTS index_definitions (
    index_name    TEXT PRIMARY KEY,
    index_type    TEXT NOT NULL,
    fields_json   TEXT NOT NULL,
    last_sequence INTEGER NOT NULL DEFAULT 0
);
`

// reservedColumns are always present on every shadow table, ahead of the
// user-specified fields, per "always prepend _rev then _id".
var reservedColumns = []string{"_rev", "_id"}
