package revtree

// schema creates the essential tables of the main relational store, as
// named in the core specification's on-disk layout: docs, revs,
// attachments, localdocs, info. Matching the teacher's schema.go, this is
// an idempotent constant applied once up front; structural changes beyond
// this baseline are expressed as numbered entries in migrationsList, not
// by editing this string.
const schema = `
CREATE TABLE IF NOT EXISTS docs (
    doc_id INTEGER PRIMARY KEY AUTOINCREMENT,
    docid TEXT UNIQUE NOT NULL,
    winning_sequence INTEGER
);

CREATE TABLE IF NOT EXISTS revs (
    sequence INTEGER PRIMARY KEY AUTOINCREMENT,
    doc_id INTEGER NOT NULL REFERENCES docs(doc_id) ON DELETE CASCADE,
    parent INTEGER REFERENCES revs(sequence),
    revid TEXT NOT NULL,
    generation INTEGER NOT NULL,
    current INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    available INTEGER NOT NULL DEFAULT 1,
    json BLOB NOT NULL DEFAULT '',
    UNIQUE(doc_id, revid)
);

CREATE INDEX IF NOT EXISTS idx_revs_doc_id ON revs(doc_id);
CREATE INDEX IF NOT EXISTS idx_revs_parent ON revs(parent);
CREATE INDEX IF NOT EXISTS idx_revs_current ON revs(doc_id, current);

CREATE TABLE IF NOT EXISTS attachments (
    sequence INTEGER NOT NULL REFERENCES revs(sequence) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    key BLOB NOT NULL,
    type TEXT NOT NULL DEFAULT '',
    encoding INTEGER NOT NULL DEFAULT 0,
    length INTEGER NOT NULL DEFAULT 0,
    encoded_length INTEGER NOT NULL DEFAULT 0,
    revpos INTEGER NOT NULL DEFAULT 0,
    UNIQUE(sequence, filename)
);

CREATE INDEX IF NOT EXISTS idx_attachments_key ON attachments(key);

CREATE TABLE IF NOT EXISTS localdocs (
    docid TEXT PRIMARY KEY,
    json BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR IGNORE INTO info (key, value) VALUES ('schema_version', '1');
`
