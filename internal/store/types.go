package store

// Run statuses. A run starts pending, moves to running when an attempt
// begins, and ends in exactly one terminal status.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunExhausted = "exhausted"
	RunAborted   = "aborted"
	RunFailed    = "failed"
)

// Attempt outcomes.
const (
	AttemptSucceeded = "succeeded"
	AttemptTransient = "transient"
	AttemptFatal     = "fatal"
)

// Run is one scrape run, possibly spanning several attempts.
type Run struct {
	ID          string `json:"id"`
	JobID       string `json:"job_id,omitempty"`
	URL         string `json:"url"`
	Ruleset     string `json:"ruleset,omitempty"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	RecordCount int    `json:"record_count"`
	IssueCount  int    `json:"issue_count"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	StartedAt   int64  `json:"started_at"`
	FinishedAt  *int64 `json:"finished_at,omitempty"`
}

// Attempt is one try inside a run. BackoffMS is the sleep applied after
// the attempt, zero for the last one.
type Attempt struct {
	RunID     string `json:"run_id"`
	Seq       int    `json:"seq"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
	BackoffMS int64  `json:"backoff_ms,omitempty"`
	StartedAt int64  `json:"started_at"`
}

// RulesetRow is a persisted ruleset. Fields stay serialized here; the
// service layer owns (de)serialization to rule structs.
type RulesetRow struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Container  string `json:"container,omitempty"`
	FieldsJSON string `json:"fields_json"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}
