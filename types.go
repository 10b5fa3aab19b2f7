// Package moisson drives a headless Chromium to load pages, wait out
// dynamic content, extract structured records, and deliver them to sinks.
//
// One Request is one scrape run: navigate, poll readiness conditions, run
// scripted interactions, snapshot the DOM, apply a ruleset. Transient
// failures spend the retry budget with a fresh browser page each attempt;
// the outcome is a complete record set or a structured error, never a
// partial result.
package moisson

import (
	"fmt"
	"time"

	"github.com/hazyhaar/moisson/internal/browser"
	"github.com/hazyhaar/moisson/internal/extract"
	"github.com/hazyhaar/moisson/internal/sink"
	"github.com/hazyhaar/moisson/internal/store"
	"github.com/hazyhaar/moisson/internal/wait"
)

// Re-export internal types for public API.
type (
	Ruleset    = extract.Ruleset
	FieldRule  = extract.Rule
	Record     = extract.Record
	FieldValue = extract.FieldValue
	Issue      = extract.Issue
	Cookie     = browser.Cookie
	NavRequest = browser.NavRequest
	Envelope   = sink.Envelope
	Sink       = sink.Sink
	Run        = store.Run
	Attempt    = store.Attempt
	RulesetRow = store.RulesetRow
)

// Step actions.
const (
	ActionClick = "click"
	ActionType  = "type"
	ActionSleep = "sleep"
)

// Request describes one scrape run. Rules wins over Ruleset when both are
// set; Ruleset names a stored ruleset. Zero TimeoutMS and nil MaxRetries
// fall back to the service configuration.
type Request struct {
	URL        string            `yaml:"url" json:"url"`
	Ruleset    string            `yaml:"ruleset,omitempty" json:"ruleset,omitempty"`
	Rules      *Ruleset          `yaml:"rules,omitempty" json:"rules,omitempty"`
	Wait       []WaitSpec        `yaml:"wait,omitempty" json:"wait,omitempty"`
	Steps      []Step            `yaml:"steps,omitempty" json:"steps,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Cookies    []Cookie          `yaml:"cookies,omitempty" json:"cookies,omitempty"`
	TimeoutMS  int               `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	MaxRetries *int              `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// JobID is set by the queue worker, never by callers.
	JobID string `yaml:"-" json:"-"`
}

// Result is the success shape of a run.
type Result struct {
	RunID     string   `json:"run_id"`
	URL       string   `json:"url"`
	Status    string   `json:"status"`
	Attempts  int      `json:"attempts"`
	ElapsedMS int64    `json:"elapsed_ms"`
	Records   []Record `json:"records"`
	Issues    []Issue  `json:"issues,omitempty"`
}

// WaitSpec is one readiness condition in wire form. Exactly one condition
// must be set: Selector (MinCount qualifies it), URLContains, TitleContains,
// JS, or NetworkIdle (QuietMS qualifies it).
type WaitSpec struct {
	Selector      string `yaml:"selector,omitempty" json:"selector,omitempty"`
	MinCount      int    `yaml:"min_count,omitempty" json:"min_count,omitempty"`
	URLContains   string `yaml:"url_contains,omitempty" json:"url_contains,omitempty"`
	TitleContains string `yaml:"title_contains,omitempty" json:"title_contains,omitempty"`
	JS            string `yaml:"js,omitempty" json:"js,omitempty"`
	NetworkIdle   bool   `yaml:"network_idle,omitempty" json:"network_idle,omitempty"`
	QuietMS       int    `yaml:"quiet_ms,omitempty" json:"quiet_ms,omitempty"`
}

// condition compiles the spec into its wait.Condition.
func (w *WaitSpec) condition() (wait.Condition, error) {
	set := 0
	if w.Selector != "" {
		set++
	}
	if w.URLContains != "" {
		set++
	}
	if w.TitleContains != "" {
		set++
	}
	if w.JS != "" {
		set++
	}
	if w.NetworkIdle {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("want exactly one condition, got %d", set)
	}
	switch {
	case w.Selector != "":
		return wait.Selector(w.Selector, w.MinCount), nil
	case w.URLContains != "":
		return wait.URLContains(w.URLContains), nil
	case w.TitleContains != "":
		return wait.TitleContains(w.TitleContains), nil
	case w.JS != "":
		return wait.EvalJS(w.JS), nil
	default:
		return wait.NetworkIdle(time.Duration(w.QuietMS) * time.Millisecond), nil
	}
}

// Step is one scripted interaction, run after readiness and before the
// snapshot. Click and type need a selector; sleep needs a duration.
type Step struct {
	Action   string `yaml:"action" json:"action"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Text     string `yaml:"text,omitempty" json:"text,omitempty"`
	SleepMS  int    `yaml:"sleep_ms,omitempty" json:"sleep_ms,omitempty"`
}

func (st *Step) validate() error {
	switch st.Action {
	case ActionClick, ActionType:
		if st.Selector == "" {
			return fmt.Errorf("%s step needs a selector", st.Action)
		}
	case ActionSleep:
		if st.SleepMS <= 0 {
			return fmt.Errorf("sleep step needs sleep_ms > 0")
		}
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}
