// Package store is the data access layer for scrape history and persisted
// rulesets, backed by SQLite.
package store

import "database/sql"

// Store wraps an open database. Callers hand in a *sql.DB from dbopen so
// one process can share a pool between the store and the job queue.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}
