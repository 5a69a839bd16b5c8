package store

// One row carries both the branch state and the encoded record, so the
// store can never hold one without the other.
const schema = `
CREATE TABLE IF NOT EXISTS entries (
    name TEXT PRIMARY KEY,
    commit_sha TEXT NOT NULL,
    synced_at TEXT NOT NULL,
    record BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);

INSERT OR IGNORE INTO meta (key, value) VALUES ('generation', 0);
`
