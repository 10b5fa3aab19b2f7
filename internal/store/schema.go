package store

import "database/sql"

// Schema holds every table the store needs. All timestamps are Unix
// milliseconds.
const Schema = `
-- Persisted extraction rulesets, addressable by name
CREATE TABLE IF NOT EXISTS rulesets (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    container   TEXT NOT NULL DEFAULT '',
    fields_json TEXT NOT NULL DEFAULT '[]',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

-- One row per scrape run
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    job_id       TEXT NOT NULL DEFAULT '',
    url          TEXT NOT NULL,
    ruleset      TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'pending',
    attempts     INTEGER NOT NULL DEFAULT 0,
    record_count INTEGER NOT NULL DEFAULT 0,
    issue_count  INTEGER NOT NULL DEFAULT 0,
    error_kind   TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    elapsed_ms   INTEGER NOT NULL DEFAULT 0,
    started_at   INTEGER NOT NULL,
    finished_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_url ON runs(url);

-- One row per attempt inside a run (observability)
CREATE TABLE IF NOT EXISTS attempts (
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    outcome    TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    backoff_ms INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    PRIMARY KEY (run_id, seq)
);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
