// Package audit records mutating operations to an append-only SQLite table.
//
// Entries carry the transport-level identity from the request context
// (transport, session, request id, remote address), the action name, and
// the outcome. Writes are async and batched; Close flushes. The table is
// plain SQL, queryable with any SQLite client.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/moisson/idgen"
	"github.com/hazyhaar/moisson/kit"
)

// Schema for the audit_log table. Call Logger.Init() or apply manually.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	action TEXT NOT NULL,
	parameters TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	trace_id TEXT NOT NULL DEFAULT '',
	remote_addr TEXT NOT NULL DEFAULT '',
	transport TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	duration_us INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, timestamp);
`

// Entry is one audit record. Zero fields are filled from the context and
// the clock when logged.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Action     string `json:"action"`
	Parameters string `json:"parameters,omitempty"` // JSON blob
	SessionID  string `json:"session_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Transport  string `json:"transport"`
	Status     string `json:"status"` // "success" or "error"
	Error      string `json:"error,omitempty"`
	DurationUS int64  `json:"duration_us,omitempty"`
}

// SQLiteLogger persists audit entries to SQLite, batched off the hot path.
type SQLiteLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *Entry
	done  chan struct{}
	once  sync.Once
}

// LoggerOption configures a SQLiteLogger.
type LoggerOption func(*SQLiteLogger)

// WithIDGenerator sets a custom entry ID generator.
func WithIDGenerator(gen idgen.Generator) LoggerOption {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// NewSQLiteLogger creates an audit logger on the given database.
func NewSQLiteLogger(db *sql.DB, opts ...LoggerOption) *SQLiteLogger {
	l := &SQLiteLogger{
		db:    db,
		newID: idgen.Prefixed("aud_", idgen.Default),
		ch:    make(chan *Entry, 1024),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Init creates the audit_log table if it doesn't exist.
func (l *SQLiteLogger) Init() error {
	_, err := l.db.Exec(Schema)
	return err
}

// Log fills defaults from ctx and writes the entry synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(ctx, e)
	return l.insert(e)
}

// LogAsync queues the entry for batched persistence. Non-blocking; drops if
// the buffer is full. Fill context-derived fields before calling, or use
// Middleware which does it for you.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(context.Background(), e)
	select {
	case l.ch <- e:
	default:
		// buffer full: drop rather than stall the request path
	}
}

// Close drains the buffer and stops the flush goroutine.
func (l *SQLiteLogger) Close() error {
	l.once.Do(func() {
		close(l.ch)
		<-l.done
	})
	return nil
}

func (l *SQLiteLogger) fillDefaults(ctx context.Context, e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
	if e.Transport == "" {
		e.Transport = kit.GetTransport(ctx)
	}
	if e.SessionID == "" {
		e.SessionID = kit.GetSessionID(ctx)
	}
	if e.RequestID == "" {
		e.RequestID = kit.GetRequestID(ctx)
	}
	if e.TraceID == "" {
		e.TraceID = kit.GetTraceID(ctx)
	}
	if e.RemoteAddr == "" {
		e.RemoteAddr = kit.GetRemoteAddr(ctx)
	}
}

func (l *SQLiteLogger) insert(e *Entry) error {
	_, err := l.db.Exec(`INSERT INTO audit_log
		(entry_id, timestamp, action, parameters, session_id, request_id, trace_id, remote_addr, transport, status, error_message, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Timestamp, e.Action, e.Parameters, e.SessionID, e.RequestID,
		e.TraceID, e.RemoteAddr, e.Transport, e.Status, e.Error, e.DurationUS)
	return err
}

func (l *SQLiteLogger) flushLoop() {
	defer close(l.done)

	batch := make([]*Entry, 0, 32)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			if err := l.insert(e); err != nil {
				slog.Error("audit: insert", "action", e.Action, "error", err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= 32 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Middleware audits every call through the endpoint under the given action
// name. The request is marshaled into Parameters; outcome and duration are
// recorded after the call. A nil logger disables auditing.
func Middleware(l *SQLiteLogger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		if l == nil {
			return next
		}
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := &Entry{
				Action:     action,
				Transport:  kit.GetTransport(ctx),
				SessionID:  kit.GetSessionID(ctx),
				RequestID:  kit.GetRequestID(ctx),
				TraceID:    kit.GetTraceID(ctx),
				RemoteAddr: kit.GetRemoteAddr(ctx),
				DurationUS: time.Since(start).Microseconds(),
			}
			if params, mErr := json.Marshal(req); mErr == nil {
				e.Parameters = string(params)
			}
			if err != nil {
				e.Error = err.Error()
			}
			l.LogAsync(e)

			return resp, err
		}
	}
}
