// Package sink defines output backends for scrape results.
package sink

import (
	"context"
	"time"

	"github.com/hazyhaar/moisson/internal/extract"
)

// Envelope is one completed scrape delivered to sinks. Records keep their
// field order all the way to the wire; two envelopes with the same content
// serialize to the same bytes.
type Envelope struct {
	RunID     string           `json:"run_id"`
	JobID     string           `json:"job_id,omitempty"`
	URL       string           `json:"url"`
	Ruleset   string           `json:"ruleset,omitempty"`
	Attempts  int              `json:"attempts"`
	ElapsedMS int64            `json:"elapsed_ms"`
	FetchedAt time.Time        `json:"fetched_at"`
	Records   []extract.Record `json:"records"`
	Issues    []extract.Issue  `json:"issues,omitempty"`
}

// Sink is the output interface. Implementations deliver envelopes to
// different backends (stdout, webhook, MongoDB, in-process callback).
type Sink interface {
	Emit(ctx context.Context, env Envelope) error
	Close() error
}
