package moisson

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/moisson/internal/browser"
	"github.com/hazyhaar/moisson/internal/extract"
)

// retryState is the coordinator's lifecycle. A run enters retryAttempting
// once, may loop through it, and ends in exactly one terminal state.
type retryState int

const (
	retryIdle retryState = iota
	retryAttempting
	retrySucceeded
	retryExhausted
	retryAborted
)

func (s retryState) String() string {
	switch s {
	case retryIdle:
		return "idle"
	case retryAttempting:
		return "attempting"
	case retrySucceeded:
		return "succeeded"
	case retryExhausted:
		return "exhausted"
	case retryAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// outcome buckets one attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTransient
	outcomeFatal
)

// classify sorts an attempt error into the outcome sum. Fatal errors abort
// the run immediately; anything else may heal on a fresh attempt, so the
// default is transient: navigation failures, readiness timeouts, detached
// pages, critical fields still absent mid-render.
func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, context.Canceled):
		return outcomeFatal
	case errors.Is(err, browser.ErrLaunch),
		errors.Is(err, browser.ErrSessionClosed),
		errors.Is(err, extract.ErrNoFields),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrRulesetNotFound):
		return outcomeFatal
	default:
		return outcomeTransient
	}
}

// retrier re-runs an attempt on transient failure with doubling backoff.
// maxRetries = N allows at most N+1 attempts.
type retrier struct {
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
	// onAttempt fires after every attempt with the backoff that follows
	// it (zero for the last one).
	onAttempt func(attempt int, err error, backoff time.Duration)
}

// run drives do until success, a fatal error, cancellation, or an exhausted
// budget. It returns the attempts spent, the terminal state, and the error
// that ended the run (nil on success).
func (r *retrier) run(ctx context.Context, do func(ctx context.Context, attempt int) error) (int, retryState, error) {
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := do(ctx, attempt)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}

		out := classify(err)
		var backoff time.Duration
		if out == outcomeTransient && attempt <= r.maxRetries {
			backoff = r.backoff(attempt)
		}
		if r.onAttempt != nil {
			r.onAttempt(attempt, err, backoff)
		}

		switch out {
		case outcomeSuccess:
			return attempt, retrySucceeded, nil
		case outcomeFatal:
			return attempt, retryAborted, err
		}

		lastErr = err
		if attempt > r.maxRetries {
			return attempt, retryExhausted, lastErr
		}
		if serr := sleep(ctx, backoff); serr != nil {
			return attempt, retryAborted, serr
		}
	}
}

// backoff returns the sleep after attempt n: base doubled per attempt,
// capped. Strictly increasing until the cap.
func (r *retrier) backoff(attempt int) time.Duration {
	d := r.backoffBase << uint(attempt-1)
	if r.backoffCap > 0 && d > r.backoffCap {
		d = r.backoffCap
	}
	return d
}

// sleepCtx waits d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
