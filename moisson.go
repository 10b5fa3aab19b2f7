package moisson

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/moisson/audit"
	"github.com/hazyhaar/moisson/horosafe"
	"github.com/hazyhaar/moisson/idgen"
	"github.com/hazyhaar/moisson/internal/browser"
	"github.com/hazyhaar/moisson/internal/extract"
	"github.com/hazyhaar/moisson/internal/queue"
	"github.com/hazyhaar/moisson/internal/sink"
	"github.com/hazyhaar/moisson/internal/store"
	"github.com/hazyhaar/moisson/internal/wait"
	"github.com/hazyhaar/moisson/kit"
	"github.com/hazyhaar/moisson/observability"
)

// SessionPool hands out exclusive browser processes. The default is backed
// by browser.Pool; tests substitute fakes.
type SessionPool interface {
	Checkout(ctx context.Context) (BrowserProcess, error)
	Checkin(p BrowserProcess, healthy bool)
	Close() error
}

// BrowserProcess opens fresh pages on one owned browser. Every retry opens
// a new page; the process survives across attempts unless marked unhealthy.
type BrowserProcess interface {
	Open(ctx context.Context) (Page, error)
	Close() error
}

// Page is the per-attempt scrape surface: navigation, the read methods the
// wait conditions poll, snapshot capture, and scripted interaction.
type Page interface {
	wait.Page
	Navigate(ctx context.Context, req NavRequest) error
	HTML(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Close() error
}

type poolAdapter struct{ pool *browser.Pool }

func (a poolAdapter) Checkout(ctx context.Context) (BrowserProcess, error) {
	m, err := a.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	return managerAdapter{m}, nil
}

func (a poolAdapter) Checkin(p BrowserProcess, healthy bool) {
	if m, ok := p.(managerAdapter); ok {
		a.pool.Checkin(m.m, healthy)
	}
}

func (a poolAdapter) Close() error { return a.pool.Close() }

type managerAdapter struct{ m *browser.Manager }

func (a managerAdapter) Open(ctx context.Context) (Page, error) {
	s, err := a.m.Open(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a managerAdapter) Close() error { return a.m.Close() }

// Service is the main moisson orchestrator.
type Service struct {
	cfg       *Config
	pool      SessionPool
	extractor *extract.Extractor
	store     *store.Store
	db        *sql.DB
	queue     *queue.Q
	sink      Sink
	audit     *audit.SQLiteLogger
	metrics   *observability.MetricsManager
	logger    *slog.Logger
	newID     func() string

	urlValidator func(string) error // target URL validation (default: horosafe.ValidateURL)
	retrySleep   func(ctx context.Context, d time.Duration) error
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithDB attaches the SQLite database used for run history, rulesets, and
// the job queue. The schema is applied during New.
func WithDB(db *sql.DB) ServiceOption {
	return func(s *Service) { s.db = db }
}

// WithSink replaces the sink chain. See BuildSink for the config-driven one.
func WithSink(sk Sink) ServiceOption {
	return func(s *Service) { s.sink = sk }
}

// WithSessionPool replaces the browser pool.
func WithSessionPool(p SessionPool) ServiceOption {
	return func(s *Service) { s.pool = p }
}

// WithURLValidator overrides target URL validation. Tests point runs at
// loopback httptest servers, which the default validator refuses.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(s *Service) { s.urlValidator = fn }
}

// WithAudit records mutating API and tool calls to the audit log. The
// service takes ownership and closes the logger on Close.
func WithAudit(l *audit.SQLiteLogger) ServiceOption {
	return func(s *Service) { s.audit = l }
}

// WithMetrics records per-run metrics (duration, attempts, records) and a
// periodic queue depth gauge. The manager's lifecycle stays with the caller.
func WithMetrics(mm *observability.MetricsManager) ServiceOption {
	return func(s *Service) { s.metrics = mm }
}

// New creates a moisson Service.
func New(cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		cfg:          cfg,
		extractor:    extract.New(),
		logger:       logger,
		newID:        idgen.Prefixed("run_", idgen.Default),
		urlValidator: horosafe.ValidateURL,
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.pool == nil {
		svc.pool = poolAdapter{browser.NewPool(cfg.browserConfig(logger), cfg.Browser.PoolSize)}
	}
	if svc.sink == nil {
		svc.sink = sink.NewRouter(logger, sink.NewStdout(nil))
	}

	if svc.db != nil {
		if err := store.ApplySchema(svc.db); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
		svc.store = store.NewStore(svc.db)
		if cfg.Queue.Enabled {
			svc.queue = queue.New(svc.db, queue.Options{
				Visibility:    time.Duration(cfg.Queue.VisibilityTimeoutS) * time.Second,
				PollInterval:  time.Duration(cfg.Queue.PollIntervalMS) * time.Millisecond,
				MaxDeliveries: cfg.Queue.MaxDeliveries,
				Logger:        logger,
			})
			if err := svc.queue.EnsureTable(context.Background()); err != nil {
				return nil, fmt.Errorf("queue table: %w", err)
			}
		}
	}

	return svc, nil
}

// BuildSink assembles the sink chain described by cfg. The Mongo sink dials
// at construction, so a bad URI fails startup rather than the first run.
func BuildSink(ctx context.Context, cfg SinksConfig, logger *slog.Logger) (Sink, error) {
	var sinks []Sink
	if cfg.Stdout {
		sinks = append(sinks, sink.NewStdout(nil))
	}
	if cfg.WebhookURL != "" {
		// SSRF guard: the webhook target comes from config, but config files
		// travel; refuse loopback and private ranges up front.
		if err := horosafe.ValidateURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("webhook sink: %w", err)
		}
		whOpts := []sink.WebhookOption{sink.WithWebhookLogger(logger)}
		if cfg.WebhookSecret != "" {
			whOpts = append(whOpts, sink.WithWebhookSecret(cfg.WebhookSecret))
		}
		sinks = append(sinks, sink.NewWebhook(cfg.WebhookURL, whOpts...))
	}
	if cfg.MongoURI != "" {
		var opts []sink.MongoOption
		if cfg.MongoKeyField != "" {
			opts = append(opts, sink.WithMongoKeyField(cfg.MongoKeyField))
		}
		m, err := sink.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection, opts...)
		if err != nil {
			return nil, fmt.Errorf("mongo sink: %w", err)
		}
		sinks = append(sinks, m)
	}
	var out Sink = sink.NewRouter(logger, sinks...)
	if cfg.Dedupe {
		out = sink.NewDedupe(out)
	}
	return out, nil
}

// Run executes one scrape request end to end: validate, persist the run,
// drive the retry loop, emit the envelope. The error, when non-nil, is
// always a *RunError.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	rules, conds, err := s.prepare(ctx, &req)
	if err != nil {
		return nil, &RunError{Kind: errKind(err), Message: err.Error(), State: store.RunFailed, err: err}
	}
	rsName := req.Ruleset
	if rsName == "" {
		rsName = rules.Name
	}

	runID := s.newID()
	if s.store != nil {
		run := &store.Run{ID: runID, JobID: req.JobID, URL: req.URL, Ruleset: rsName}
		if err := s.store.InsertRun(ctx, run); err != nil {
			return nil, &RunError{RunID: runID, Kind: KindInternal, Message: err.Error(), State: store.RunFailed, err: err}
		}
		if err := s.store.MarkRunning(ctx, runID); err != nil {
			s.logger.Warn("mark running", "run_id", runID, "error", err)
		}
	}

	proc, err := s.pool.Checkout(ctx)
	if err != nil {
		s.finishRun(runID, store.RunAborted, 0, 0, 0, started, err)
		return nil, &RunError{RunID: runID, Kind: errKind(err), Message: err.Error(), State: store.RunAborted, err: err}
	}
	healthy := true
	defer func() { s.pool.Checkin(proc, healthy) }()

	timeout := s.cfg.Scrape.timeout()
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	maxRetries := s.cfg.Scrape.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	var (
		records      []extract.Record
		issues       []extract.Issue
		attemptStart time.Time
		attemptTook  time.Duration
	)

	do := func(ctx context.Context, attempt int) error {
		attemptStart = time.Now()
		err := s.attempt(ctx, proc, &req, rules, conds, timeout, &healthy, &records, &issues)
		attemptTook = time.Since(attemptStart)
		return err
	}

	rt := &retrier{
		maxRetries:  maxRetries,
		backoffBase: time.Duration(s.cfg.Scrape.BackoffBaseMS) * time.Millisecond,
		backoffCap:  time.Duration(s.cfg.Scrape.BackoffCapMS) * time.Millisecond,
		sleep:       s.retrySleep,
		onAttempt: func(attempt int, err error, backoff time.Duration) {
			lvl := slog.LevelDebug
			if err != nil {
				lvl = slog.LevelWarn
			}
			s.logger.Log(ctx, lvl, "scrape attempt",
				"run_id", runID, "attempt", attempt, "elapsed", attemptTook, "backoff", backoff, "error", err)
			s.recordAttempt(runID, attempt, err, attemptStart, attemptTook, backoff)
		},
	}

	attempts, state, runErr := rt.run(ctx, do)
	elapsed := time.Since(started)
	status := runStatus(state)
	s.recordRunMetrics(status, attempts, len(records), elapsed)

	if runErr != nil {
		s.finishRun(runID, status, attempts, 0, 0, started, runErr)
		return nil, &RunError{
			RunID:    runID,
			Kind:     errKind(runErr),
			Message:  runErr.Error(),
			State:    status,
			Attempts: attempts,
			err:      runErr,
		}
	}

	s.finishRun(runID, status, attempts, len(records), len(issues), started, nil)

	env := sink.Envelope{
		RunID:     runID,
		JobID:     req.JobID,
		URL:       req.URL,
		Ruleset:   rsName,
		Attempts:  attempts,
		ElapsedMS: elapsed.Milliseconds(),
		FetchedAt: time.Now().UTC(),
		Records:   records,
		Issues:    issues,
	}
	if err := s.sink.Emit(ctx, env); err != nil {
		s.logger.Warn("sink emit", "run_id", runID, "error", err)
	}

	res := &Result{
		RunID:     runID,
		URL:       req.URL,
		Status:    status,
		Attempts:  attempts,
		ElapsedMS: elapsed.Milliseconds(),
		Records:   records,
		Issues:    issues,
	}
	if res.Records == nil {
		res.Records = []Record{}
	}
	return res, nil
}

// attempt is one full try: fresh page, navigate, readiness, steps,
// snapshot, extract. Outputs land in records/issues only on success.
func (s *Service) attempt(ctx context.Context, proc BrowserProcess, req *Request, rules *Ruleset, conds []wait.Condition, timeout time.Duration, healthy *bool, records *[]extract.Record, issues *[]extract.Issue) error {
	// Partial results never leak across attempts.
	*records, *issues = nil, nil

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := proc.Open(ctx)
	if err != nil {
		// The process failed to produce a page; have the pool respawn it.
		*healthy = false
		return err
	}
	defer page.Close()

	nav := NavRequest{URL: req.URL, Headers: req.Headers, Cookies: req.Cookies}
	if err := page.Navigate(ctx, nav); err != nil {
		return err
	}

	if len(conds) > 0 {
		waitTimeout := timeout
		if dl, ok := ctx.Deadline(); ok {
			waitTimeout = time.Until(dl)
		}
		res, err := wait.Await(ctx, page, wait.All(conds...), waitTimeout, s.cfg.Scrape.pollInterval())
		if err != nil {
			return err
		}
		if !res.Ready {
			return fmt.Errorf("%w: %s after %s (%d polls)", ErrNotReady, res.Cond, res.Elapsed.Round(time.Millisecond), res.Polls)
		}
	}

	if err := s.runSteps(ctx, page, req.Steps); err != nil {
		return err
	}

	snapshot, err := page.HTML(ctx)
	if err != nil {
		return err
	}
	curURL, err := page.URL()
	if err != nil || curURL == "" {
		curURL = req.URL
	}
	title, err := page.Title()
	if err != nil {
		title = ""
	}

	recs, iss, err := s.extractor.Extract(snapshot, extract.PageMeta{URL: curURL, Title: title}, *rules)
	if err != nil {
		return err
	}
	*records, *issues = recs, iss
	return nil
}

func (s *Service) runSteps(ctx context.Context, page Page, steps []Step) error {
	for i := range steps {
		st := &steps[i]
		var err error
		switch st.Action {
		case ActionClick:
			err = page.Click(ctx, st.Selector)
		case ActionType:
			err = page.Type(ctx, st.Selector, st.Text)
		case ActionSleep:
			err = sleepCtx(ctx, time.Duration(st.SleepMS)*time.Millisecond)
		}
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Action, err)
		}
	}
	return nil
}

// prepare validates the request and resolves the effective ruleset and
// readiness conditions. All failures here wrap ErrInvalidRequest or
// ErrRulesetNotFound, which classify as fatal.
func (s *Service) prepare(ctx context.Context, req *Request) (*Ruleset, []wait.Condition, error) {
	if req.URL == "" {
		return nil, nil, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if !s.cfg.Scrape.AllowPrivateTargets {
		if err := s.urlValidator(req.URL); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	rules := req.Rules
	if rules == nil && req.Ruleset != "" {
		if s.store == nil {
			return nil, nil, fmt.Errorf("%w: %q (no ruleset store configured)", ErrRulesetNotFound, req.Ruleset)
		}
		row, err := s.store.GetRuleset(ctx, req.Ruleset)
		if err != nil {
			return nil, nil, err
		}
		if row == nil {
			return nil, nil, fmt.Errorf("%w: %q", ErrRulesetNotFound, req.Ruleset)
		}
		rules, err = rulesetFromRow(row)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: stored ruleset %q: %w", ErrInvalidRequest, req.Ruleset, err)
		}
	}
	if rules == nil {
		return nil, nil, fmt.Errorf("%w: rules or ruleset is required", ErrInvalidRequest)
	}
	if err := rules.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	conds := make([]wait.Condition, 0, len(req.Wait))
	for i := range req.Wait {
		c, err := req.Wait[i].condition()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: wait[%d]: %w", ErrInvalidRequest, i, err)
		}
		conds = append(conds, c)
	}
	for i := range req.Steps {
		if err := req.Steps[i].validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: step[%d]: %w", ErrInvalidRequest, i, err)
		}
	}
	return rules, conds, nil
}

// rulesetFromRow deserializes a stored ruleset.
func rulesetFromRow(row *store.RulesetRow) (*Ruleset, error) {
	var fields []FieldRule
	if err := json.Unmarshal([]byte(row.FieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	return &Ruleset{Name: row.Name, Container: row.Container, Fields: fields}, nil
}

// rowFromRuleset serializes a ruleset for storage.
func rowFromRuleset(rs *Ruleset) (*store.RulesetRow, error) {
	data, err := json.Marshal(rs.Fields)
	if err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	return &store.RulesetRow{Name: rs.Name, Container: rs.Container, FieldsJSON: string(data)}, nil
}

// recordAttempt persists one attempt row. Detached from the run context so
// a cancelled run still keeps its history.
func (s *Service) recordAttempt(runID string, seq int, err error, startedAt time.Time, took, backoff time.Duration) {
	if s.store == nil {
		return
	}
	a := &store.Attempt{
		RunID:     runID,
		Seq:       seq,
		Outcome:   attemptOutcome(err),
		ElapsedMS: took.Milliseconds(),
		BackoffMS: backoff.Milliseconds(),
		StartedAt: startedAt.UnixMilli(),
	}
	if err != nil {
		a.Error = err.Error()
	}
	if aerr := s.store.RecordAttempt(context.Background(), a); aerr != nil {
		s.logger.Warn("record attempt", "run_id", runID, "error", aerr)
	}
}

// finishRun persists the terminal run row, also detached from the run
// context.
func (s *Service) finishRun(runID, status string, attempts, recordCount, issueCount int, started time.Time, runErr error) {
	if s.store == nil {
		return
	}
	fin := &store.Run{
		ID:          runID,
		Status:      status,
		Attempts:    attempts,
		RecordCount: recordCount,
		IssueCount:  issueCount,
		ElapsedMS:   time.Since(started).Milliseconds(),
	}
	if runErr != nil {
		fin.ErrorKind = errKind(runErr)
		fin.Error = runErr.Error()
	}
	if err := s.store.FinishRun(context.Background(), fin); err != nil {
		s.logger.Warn("finish run", "run_id", runID, "error", err)
	}
}

// recordRunMetrics feeds the observability store, when one is attached.
func (s *Service) recordRunMetrics(status string, attempts, records int, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.Record(&observability.Metric{
		Name:      observability.MetricRunDurationMs,
		Timestamp: time.Now(),
		Value:     float64(elapsed.Milliseconds()),
		Unit:      "milliseconds",
		Labels:    map[string]string{"status": status},
	})
	s.metrics.RecordSimple(observability.MetricRunAttempts, float64(attempts), "count")
	if status == store.RunSucceeded {
		s.metrics.RecordSimple(observability.MetricRunRecords, float64(records), "count")
	}
}

func runStatus(st retryState) string {
	switch st {
	case retrySucceeded:
		return store.RunSucceeded
	case retryExhausted:
		return store.RunExhausted
	case retryAborted:
		return store.RunAborted
	default:
		return store.RunFailed
	}
}

func attemptOutcome(err error) string {
	switch classify(err) {
	case outcomeSuccess:
		return store.AttemptSucceeded
	case outcomeFatal:
		return store.AttemptFatal
	default:
		return store.AttemptTransient
	}
}

// Enqueue validates a request and queues it for the background workers.
// It returns the job id.
func (s *Service) Enqueue(ctx context.Context, req Request) (string, error) {
	if s.queue == nil {
		return "", ErrQueueDisabled
	}
	if _, _, err := s.prepare(ctx, &req); err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	job := &queue.Job{
		ID:      idgen.Prefixed("job_", idgen.Default)(),
		URL:     req.URL,
		Ruleset: req.Ruleset,
		Payload: payload,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}
	s.logger.Info("job enqueued", "job_id", job.ID, "url", req.URL)
	return job.ID, nil
}

// StartWorkers begins draining the job queue in the background. Workers
// stop when ctx ends. A no-op without a queue.
func (s *Service) StartWorkers(ctx context.Context) {
	if s.queue == nil {
		return
	}
	go s.queue.RunBatch(ctx, s.cfg.Queue.BatchSize, s.cfg.Queue.Workers, s.handleJob)
	if s.metrics != nil {
		go s.sampleQueueDepth(ctx)
	}
	s.logger.Info("queue workers started", "workers", s.cfg.Queue.Workers, "batch", s.cfg.Queue.BatchSize)
}

// sampleQueueDepth records the pending job count every 30s until ctx ends.
func (s *Service) sampleQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.queue.Len(ctx)
			if err != nil {
				continue
			}
			s.metrics.RecordSimple(observability.MetricQueueDepth, float64(n), "count")
		}
	}
}

// handleJob runs one queued request. It always acks: Run already spent the
// retry budget, and a redelivery would multiply it. Redelivery is for
// crashed workers, which never reach this return.
func (s *Service) handleJob(ctx context.Context, job *queue.Job) error {
	var req Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		s.logger.Error("job payload", "job_id", job.ID, "error", err)
		return nil
	}
	req.JobID = job.ID
	if _, err := s.Run(ctx, req); err != nil {
		s.logger.Warn("queued run failed", "job_id", job.ID, "url", req.URL, "error", err)
	}
	return nil
}

// auditLog records one mutating command from the HTTP surface. MCP tools
// go through audit.Middleware instead. A nil logger is a no-op.
func (s *Service) auditLog(ctx context.Context, action string, params any, err error) {
	if s.audit == nil {
		return
	}
	e := &audit.Entry{
		Action:     action,
		Transport:  kit.GetTransport(ctx),
		SessionID:  kit.GetSessionID(ctx),
		RequestID:  kit.GetRequestID(ctx),
		TraceID:    kit.GetTraceID(ctx),
		RemoteAddr: kit.GetRemoteAddr(ctx),
	}
	if params != nil {
		if b, mErr := json.Marshal(params); mErr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.audit.LogAsync(e)
}

// Close releases the browser pool, the sink chain, and the audit logger.
// The database is the caller's to close.
func (s *Service) Close() error {
	var firstErr error
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			firstErr = err
		}
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
