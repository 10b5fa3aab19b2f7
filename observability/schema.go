package observability

import "database/sql"

// Schema contains the complete DDL for the observability tables.
// Call Init(db) to apply it, or use this constant to embed in your own
// schema management.
const Schema = `
-- Worker Heartbeats
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    worker_pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_heartbeats_timestamp
    ON worker_heartbeats(timestamp DESC);

-- Metrics Timeseries
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);

-- Metadata registry
CREATE TABLE IF NOT EXISTS _observability_metadata (
    table_name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    description TEXT
);
INSERT OR IGNORE INTO _observability_metadata (table_name, description) VALUES
    ('worker_heartbeats', 'Worker liveness heartbeats with runtime metrics'),
    ('metrics_timeseries', 'Timeseries metric datapoints');
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
