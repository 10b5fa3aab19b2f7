// Package queue implements the scrape job queue backed by SQLite with
// visibility timeouts.
//
// A claimed job is invisible to other consumers for a configurable
// duration. If the holder finishes it acks (deletes) the job; if it
// crashes or overruns the timeout the job reappears and another worker
// picks it up. No external broker involved.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/moisson/dbopen"
)

// Job is one queued scrape.
type Job struct {
	ID        string
	URL       string
	Ruleset   string
	Payload   []byte // serialized request overrides, opaque to the queue
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. It should
	// exceed the worst-case scrape duration including retries. Default: 5m.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxDeliveries limits how often a job can be redelivered before being
	// discarded. 0 means unlimited. Default: 3.
	MaxDeliveries int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxDeliveries == 0 {
		o.MaxDeliveries = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup, then
// Enqueue and Claim (or RunBatch) as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the scrape_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scrape_jobs (
			id          TEXT PRIMARY KEY,
			url         TEXT NOT NULL,
			ruleset     TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_scrape_jobs_visible ON scrape_jobs (visible_at);
	`)
	return err
}

// Enqueue inserts a job that is immediately visible.
func (q *Q) Enqueue(ctx context.Context, j *Job) error {
	now := time.Now().UnixMilli()
	_, err := dbopen.Exec(ctx, q.db,
		`INSERT INTO scrape_jobs (id, url, ruleset, payload, visible_at, created_at)
		VALUES (?,?,?,?,?,?)`,
		j.ID, j.URL, j.Ruleset, j.Payload, now, now,
	)
	return err
}

// Job fetches one job by id regardless of visibility, or nil, nil when the
// id is unknown (never enqueued, or already acked).
func (q *Q) Job(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, url, ruleset, payload, visible_at, created_at, attempts
		FROM scrape_jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Claim atomically picks the oldest visible job, hides it for the
// configured visibility duration, and returns it. Returns nil, nil when
// nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE scrape_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM scrape_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, url, ruleset, payload, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// BatchClaim atomically claims up to n visible jobs. The slice is empty,
// never nil, when nothing is visible.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE scrape_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM scrape_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, url, ruleset, payload, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Ack deletes a finished job. Terminal scrape failures ack too; retrying
// a scrape is the retry coordinator's business, not the queue's.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db, `DELETE FROM scrape_jobs WHERE id = ?`, id)
	return err
}

// Nack makes a job immediately visible again so another worker can pick
// it up.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE scrape_jobs SET visible_at = 0 WHERE id = ?`, id)
	return err
}

// Extend pushes the visibility timeout forward for a job that needs more
// time (heartbeat pattern, used by long multi-retry scrapes).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE scrape_jobs SET visible_at = ? WHERE id = ?`, hideUntil, id)
	return err
}

// Purge deletes all jobs.
func (q *Q) Purge(ctx context.Context) error {
	_, err := dbopen.Exec(ctx, q.db, `DELETE FROM scrape_jobs`)
	return err
}

// Len returns the total number of jobs, visible and claimed.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_jobs`).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs and calls handler for each, one at a time.
// It blocks until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("queue: consumer started", "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue: consumer stopped")
			return
		case <-ticker.C:
			q.poll(ctx, handler, log)
		}
	}
}

func (q *Q) poll(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("queue: claim failed", "error", err)
			return
		}
		if job == nil {
			return // nothing visible
		}
		if q.discardIfSpent(ctx, job, log) {
			continue
		}

		if err := handler(ctx, job); err != nil {
			log.Warn("queue: handler failed, requeueing", "id", job.ID, "error", err)
			_ = q.Nack(ctx, job.ID)
		} else {
			_ = q.Ack(ctx, job.ID)
		}
	}
}

// RunBatch polls in batches and processes jobs concurrently, at most
// maxConcurrency at a time. It blocks until ctx is cancelled and drains
// in-flight handlers before returning.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	if batchSize < 1 {
		batchSize = 1
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	log.Info("queue: batch consumer started",
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrency)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue: batch consumer stopping, draining in-flight handlers")
			_ = g.Wait()
			log.Info("queue: batch consumer stopped")
			return
		case <-ticker.C:
			jobs, err := q.BatchClaim(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					_ = g.Wait()
					return
				}
				log.Warn("queue: batch claim failed", "error", err)
				continue
			}

			for _, job := range jobs {
				if q.discardIfSpent(ctx, job, log) {
					continue
				}
				j := job
				g.Go(func() error {
					if err := handler(ctx, j); err != nil {
						log.Warn("queue: handler failed, requeueing", "id", j.ID, "error", err)
						// Detached context: the job must reappear even
						// when the consumer is shutting down.
						_ = q.Nack(context.Background(), j.ID)
						return nil
					}
					_ = q.Ack(context.Background(), j.ID)
					return nil
				})
			}
		}
	}
}

// discardIfSpent drops jobs redelivered past the limit.
func (q *Q) discardIfSpent(ctx context.Context, job *Job, log *slog.Logger) bool {
	if q.opts.MaxDeliveries > 0 && job.Attempts > q.opts.MaxDeliveries {
		log.Warn("queue: job exceeded max deliveries, discarding",
			"id", job.ID, "url", job.URL, "attempts", job.Attempts)
		_ = q.Ack(ctx, job.ID)
		return true
	}
	return false
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var j Job
	var visAt, creAt int64
	if err := scan(&j.ID, &j.URL, &j.Ruleset, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}
