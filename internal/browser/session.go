package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// State is the lifecycle state of a Session. Transitions run one way:
// Created, then Active after the first successful navigation, then Closed.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Cookie is set on the page before navigation. Domain defaults to the
// host of the navigated URL, Path defaults to "/".
type Cookie struct {
	Name   string `json:"name" yaml:"name"`
	Value  string `json:"value" yaml:"value"`
	Domain string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// NavRequest describes one navigation.
type NavRequest struct {
	URL     string
	Headers map[string]string
	Cookies []Cookie

	// Timeout bounds the whole navigation including the load event.
	// Zero means the caller's context is the only bound.
	Timeout time.Duration
}

// Session is one page inside the managed browser. Sessions are single
// purpose: navigate once, wait, extract, close. They are not safe for
// concurrent use; the scrape loop owns one at a time.
type Session struct {
	id     string
	page   *rod.Page
	logger *slog.Logger
	state  atomic.Int32

	currentURL atomic.Pointer[string]
}

// ID returns the session identifier, unique per process.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Navigate loads the URL and blocks until the document response arrived and
// the load event fired, or the budget ran out. A network failure, a timeout,
// or a terminal HTTP status (>= 400) all report ErrNavigation. On success
// the session becomes Active.
func (s *Session) Navigate(ctx context.Context, req NavRequest) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	page := s.page.Context(ctx)

	if len(req.Headers) > 0 {
		pairs := make([]string, 0, len(req.Headers)*2)
		for k, v := range req.Headers {
			pairs = append(pairs, k, v)
		}
		if _, err := page.SetExtraHeaders(pairs); err != nil {
			return fmt.Errorf("%w: set headers: %v", ErrNavigation, err)
		}
	}
	if len(req.Cookies) > 0 {
		if err := s.setCookies(page, req); err != nil {
			return err
		}
	}

	// Register the response watcher before navigating so the document
	// response cannot slip past us.
	var status int
	waitResp := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			status = int(e.Response.Status)
			return true
		}
		return false
	})

	if err := page.Navigate(req.URL); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNavigation, req.URL, err)
	}
	waitResp()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNavigation, req.URL, err)
	}
	if status >= 400 {
		return fmt.Errorf("%w: %s: status %d", ErrNavigation, req.URL, status)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("%w: %s: load event: %v", ErrNavigation, req.URL, err)
	}

	s.state.CompareAndSwap(int32(StateCreated), int32(StateActive))
	u := req.URL
	s.currentURL.Store(&u)
	s.logger.Debug("browser: navigated", "session", s.id, "url", req.URL, "status", status)
	return nil
}

func (s *Session) setCookies(page *rod.Page, req NavRequest) error {
	host := ""
	if u, err := url.Parse(req.URL); err == nil {
		host = u.Hostname()
	}
	params := make([]*proto.NetworkCookieParam, 0, len(req.Cookies))
	for _, c := range req.Cookies {
		domain := c.Domain
		if domain == "" {
			domain = host
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		params = append(params, &proto.NetworkCookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: domain,
			Path:   path,
		})
	}
	if err := page.SetCookies(params); err != nil {
		return fmt.Errorf("%w: set cookies: %v", ErrNavigation, err)
	}
	return nil
}

// URL reports the page's current URL.
func (s *Session) URL() (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	info, err := s.page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Title reports the page's current title.
func (s *Session) Title() (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	info, err := s.page.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

// Count returns how many elements currently match the selector. Selectors
// starting with "/", "./" or "(" are evaluated as XPath, anything else as
// CSS. A selector matching nothing counts zero and is not an error.
func (s *Session) Count(selector string) (int, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	var (
		els rod.Elements
		err error
	)
	if isXPathSelector(selector) {
		els, err = s.page.ElementsX(selector)
	} else {
		els, err = s.page.Elements(selector)
	}
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

// EvalBool runs a JS function in the page and coerces its result to bool.
func (s *Session) EvalBool(js string) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	res, err := s.page.Eval(js)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// HTML returns the serialized DOM as the page currently renders it,
// scripts executed. This is the snapshot the extractor works from.
func (s *Session) HTML(ctx context.Context) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	res, err := s.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: snapshot dom: %w", err)
	}
	return res.Value.Str(), nil
}

// Click clicks the first element matching the selector, waiting for it to
// appear within the context budget.
func (s *Session) Click(ctx context.Context, selector string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// Type focuses the first element matching the selector and types the text.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (s *Session) element(ctx context.Context, selector string) (*rod.Element, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	page := s.page.Context(ctx)
	if isXPathSelector(selector) {
		return page.ElementX(selector)
	}
	return page.Element(selector)
}

// Close releases the page. The first call closes it and reports any CDP
// error; later calls are no-ops. Safe to call from defer on every path.
func (s *Session) Close() error {
	prev := State(s.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}
	if err := s.page.Close(); err != nil {
		s.logger.Debug("browser: session close", "session", s.id, "error", err)
		return err
	}
	s.logger.Debug("browser: session closed", "session", s.id)
	return nil
}

func (s *Session) ensureOpen() error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	return nil
}

func isXPathSelector(sel string) bool {
	return strings.HasPrefix(sel, "/") ||
		strings.HasPrefix(sel, "./") ||
		strings.HasPrefix(sel, "(")
}
