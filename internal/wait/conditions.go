package wait

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Condition is a stateless, re-evaluable predicate over page state.
type Condition interface {
	Eval(ctx context.Context, p Page) (bool, error)
	String() string
}

type selectorCond struct {
	selector string
	min      int
}

// Selector is ready when at least min elements match the selector.
// min values below 1 mean 1.
func Selector(selector string, min int) Condition {
	if min < 1 {
		min = 1
	}
	return &selectorCond{selector: selector, min: min}
}

func (c *selectorCond) Eval(_ context.Context, p Page) (bool, error) {
	n, err := p.Count(c.selector)
	if err != nil {
		return false, err
	}
	return n >= c.min, nil
}

func (c *selectorCond) String() string {
	if c.min > 1 {
		return fmt.Sprintf("selector(%s)>=%d", c.selector, c.min)
	}
	return fmt.Sprintf("selector(%s)", c.selector)
}

type urlContainsCond struct{ substr string }

// URLContains is ready when the current URL contains substr. Useful for
// pages that redirect before settling.
func URLContains(substr string) Condition { return &urlContainsCond{substr: substr} }

func (c *urlContainsCond) Eval(_ context.Context, p Page) (bool, error) {
	u, err := p.URL()
	if err != nil {
		return false, err
	}
	return strings.Contains(u, c.substr), nil
}

func (c *urlContainsCond) String() string { return fmt.Sprintf("url_contains(%s)", c.substr) }

type titleContainsCond struct{ substr string }

// TitleContains is ready when the document title contains substr.
func TitleContains(substr string) Condition { return &titleContainsCond{substr: substr} }

func (c *titleContainsCond) Eval(_ context.Context, p Page) (bool, error) {
	title, err := p.Title()
	if err != nil {
		return false, err
	}
	return strings.Contains(title, c.substr), nil
}

func (c *titleContainsCond) String() string { return fmt.Sprintf("title_contains(%s)", c.substr) }

type evalCond struct{ js string }

// EvalJS is ready when the supplied zero-argument JS function returns true.
func EvalJS(js string) Condition { return &evalCond{js: js} }

func (c *evalCond) Eval(_ context.Context, p Page) (bool, error) {
	return p.EvalBool(c.js)
}

func (c *evalCond) String() string { return "eval" }

type networkIdleCond struct{ quiet time.Duration }

// NetworkIdle approximates "no resource activity for the quiet window": the
// document is fully loaded and the newest finished resource is older than
// the window. Requests invisible to the resource-timing API (still in
// flight) are not observed; pair with a Selector condition when the page
// builds itself from late XHRs.
func NetworkIdle(quiet time.Duration) Condition {
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	return &networkIdleCond{quiet: quiet}
}

func (c *networkIdleCond) Eval(_ context.Context, p Page) (bool, error) {
	js := fmt.Sprintf(`() => {
		if (document.readyState !== 'complete') return false;
		const entries = performance.getEntriesByType('resource');
		const now = performance.now();
		return entries.every(e => e.responseEnd > 0 && now - e.responseEnd >= %d);
	}`, c.quiet.Milliseconds())
	return p.EvalBool(js)
}

func (c *networkIdleCond) String() string {
	return fmt.Sprintf("network_idle(%s)", c.quiet)
}

type allCond struct{ conds []Condition }

// All is ready when every condition is, evaluated short-circuit left to
// right: the first false stops the pass, so order cheap checks first.
func All(conds ...Condition) Condition {
	if len(conds) == 1 {
		return conds[0]
	}
	return &allCond{conds: conds}
}

func (c *allCond) Eval(ctx context.Context, p Page) (bool, error) {
	for _, cond := range c.conds {
		ok, err := cond.Eval(ctx, p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c *allCond) String() string {
	parts := make([]string, len(c.conds))
	for i, cond := range c.conds {
		parts[i] = cond.String()
	}
	return "all(" + strings.Join(parts, " ") + ")"
}
