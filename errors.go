package moisson

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/moisson/horosafe"
	"github.com/hazyhaar/moisson/internal/browser"
	"github.com/hazyhaar/moisson/internal/extract"
)

// ErrInvalidRequest is returned when a scrape request fails validation.
var ErrInvalidRequest = errors.New("moisson: invalid request")

// ErrRulesetNotFound is returned when a request names a ruleset the store
// does not have.
var ErrRulesetNotFound = errors.New("moisson: ruleset not found")

// ErrNotReady marks a readiness deadline that lapsed with conditions still
// false. It is transient: the page may finish rendering on a retry.
var ErrNotReady = errors.New("moisson: readiness conditions not met")

// ErrQueueDisabled is returned by Enqueue when no queue is configured.
var ErrQueueDisabled = errors.New("moisson: job queue not enabled")

// Error kinds reported in run rows, API responses, and exit codes.
const (
	KindValidation = "validation"
	KindLaunch     = "launch"
	KindNavigation = "navigation"
	KindTimeout    = "timeout"
	KindExtraction = "extraction"
	KindAborted    = "aborted"
	KindInternal   = "internal"
)

// errKind maps an error to the reported taxonomy.
func errKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrRulesetNotFound),
		errors.Is(err, horosafe.ErrSSRF),
		errors.Is(err, horosafe.ErrUnsafeScheme):
		return KindValidation
	case errors.Is(err, browser.ErrLaunch):
		return KindLaunch
	case errors.Is(err, browser.ErrNavigation):
		return KindNavigation
	case errors.Is(err, ErrNotReady), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, extract.ErrCriticalField), errors.Is(err, extract.ErrNoFields):
		return KindExtraction
	case errors.Is(err, context.Canceled):
		return KindAborted
	default:
		return KindInternal
	}
}

// RunError is the failure shape of a run: the classified kind, the terminal
// run status, and the attempt count actually spent. It wraps the underlying
// error so errors.Is keeps working through it.
type RunError struct {
	RunID    string `json:"run_id,omitempty"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`

	err error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("moisson: run %s (%s after %d attempts): %s", e.State, e.Kind, e.Attempts, e.Message)
}

func (e *RunError) Unwrap() error { return e.err }
