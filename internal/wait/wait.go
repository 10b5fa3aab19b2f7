// Package wait polls page state until a readiness condition holds or its
// deadline passes. Running out of time is an expected outcome reported in
// the Result, not an error; errors mean the page itself broke under us.
package wait

import (
	"context"
	"time"
)

// Poll interval bounds. A zero interval gets the default; anything outside
// the bounds is clamped so a bad config cannot busy-spin or stall the wait.
const (
	DefaultInterval = 200 * time.Millisecond
	minInterval     = 50 * time.Millisecond
	maxInterval     = time.Second
)

// Page is the read surface conditions poll. The browser session implements
// it; tests substitute fakes.
type Page interface {
	URL() (string, error)
	Title() (string, error)
	// Count reports how many elements match a selector (CSS, or the XPath
	// subset when the selector starts with "/").
	Count(selector string) (int, error)
	// EvalBool runs a zero-argument JS function in the page and interprets
	// the result as a boolean.
	EvalBool(js string) (bool, error)
}

// Result is the outcome of one Await call.
type Result struct {
	Ready   bool
	Cond    string        // condition description, for logs and reports
	Elapsed time.Duration // wall time spent waiting
	Polls   int           // evaluations performed
}

// Await evaluates cond at a bounded interval until it holds, the timeout
// elapses, or ctx is cancelled. The condition is evaluated once immediately,
// so an already-ready page never waits a full interval.
//
// A lapsed timeout returns Result{Ready: false} with a nil error. Errors
// from the condition (detached page, eval failure) propagate as errors.
func Await(ctx context.Context, p Page, cond Condition, timeout, interval time.Duration) (Result, error) {
	interval = clampInterval(interval)
	start := time.Now()
	res := Result{Cond: cond.String()}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		res.Polls++
		ok, err := cond.Eval(ctx, p)
		if err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		if ok {
			res.Ready = true
			res.Elapsed = time.Since(start)
			return res, nil
		}

		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			return res, ctx.Err()
		case <-deadline.C:
			res.Elapsed = time.Since(start)
			return res, nil
		case <-tick.C:
		}
	}
}

func clampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < minInterval:
		return minInterval
	case d > maxInterval:
		return maxInterval
	}
	return d
}
