// Package browser owns the headless Chromium lifecycle: launching the
// process, opening one-shot page sessions for scrape attempts, resource
// blocking, and teardown. One Manager maps to one browser process; each
// scrape attempt gets a fresh Session so no page state leaks between
// attempts.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/moisson/idgen"
)

// Environment variables consulted when no binary path is configured.
const (
	EnvBrowserBin = "MOISSON_BROWSER_BIN"
	EnvChromeBin  = "CHROME_BIN"
)

var (
	// ErrLaunch means the browser process could not start. Not retryable:
	// a missing binary will still be missing on the next attempt.
	ErrLaunch = errors.New("browser: launch failed")

	// ErrNavigation means a page failed to load within budget or answered
	// with a terminal error status. Retryable.
	ErrNavigation = errors.New("browser: navigation failed")

	// ErrSessionClosed reports an operation on a closed session.
	ErrSessionClosed = errors.New("browser: session is closed")
)

// Config configures the browser manager.
type Config struct {
	// Headless runs Chromium without a display. Serve mode always wants
	// this; headful is only for local rule debugging.
	Headless bool

	// BinaryPath points at the Chromium binary. Empty means resolve via
	// MOISSON_BROWSER_BIN, then CHROME_BIN, then the launcher's own lookup.
	BinaryPath string

	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local process via launcher.
	RemoteURL string

	// WindowWidth/WindowHeight set the browser window size.
	WindowWidth  int
	WindowHeight int

	// Proxy is passed to the browser as its proxy server.
	Proxy string

	// Stealth creates pages with the stealth patch applied.
	Stealth bool

	// BlockResources lists resource types to abort at the network layer
	// (image, font, media, stylesheet). Cuts bandwidth on listing pages.
	BlockResources []string

	// IgnoreCertErrors accepts invalid TLS certificates.
	IgnoreCertErrors bool

	// UserAgent overrides the browser's user agent when non-empty.
	UserAgent string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.WindowWidth <= 0 {
		c.WindowWidth = 1920
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = 1080
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns one browser process and hands out page sessions.
type Manager struct {
	cfg   Config
	newID idgen.Generator

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. The browser process starts lazily on the
// first Open, or eagerly via Start.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, newID: idgen.Prefixed("sess_", idgen.Default)}
}

// Start launches the browser process now. Useful to surface launch problems
// at boot instead of on the first scrape.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: manager is closed", ErrLaunch)
	}
	if m.browser != nil {
		return nil
	}
	return m.launchLocked(ctx)
}

// Open creates a fresh page session. The session starts in Created state;
// Navigate moves it to Active. The caller owns the session exclusively and
// must Close it on every exit path.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: manager is closed", ErrLaunch)
	}
	if m.browser == nil {
		if err := m.launchLocked(ctx); err != nil {
			return nil, err
		}
	}

	page, err := m.newPageLocked()
	if err != nil {
		// The process may have died since the last session. One relaunch
		// covers the crash case without hiding persistent failures.
		m.cfg.Logger.Warn("browser: page creation failed, relaunching", "error", err)
		m.teardownLocked()
		if err := m.launchLocked(ctx); err != nil {
			return nil, err
		}
		page, err = m.newPageLocked()
		if err != nil {
			return nil, fmt.Errorf("%w: create page: %v", ErrLaunch, err)
		}
	}

	if len(m.cfg.BlockResources) > 0 {
		if err := applyResourceBlocking(page, m.cfg.BlockResources); err != nil {
			m.cfg.Logger.Warn("browser: resource blocking failed", "error", err)
		}
	}
	if m.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: m.cfg.UserAgent}); err != nil {
			m.cfg.Logger.Warn("browser: set user agent failed", "error", err)
		}
	}

	return &Session{
		id:     m.newID(),
		page:   page,
		logger: m.cfg.Logger,
	}, nil
}

// Close shuts down the browser process and removes its temp profile.
// Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.teardownLocked()
	return nil
}

func (m *Manager) newPageLocked() (*rod.Page, error) {
	if m.cfg.Stealth {
		return stealth.Page(m.browser)
	}
	return m.browser.Page(proto.TargetCreateTarget{URL: ""})
}

func (m *Manager) launchLocked(ctx context.Context) error {
	log := m.cfg.Logger

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		bin, err := resolveBinary(m.cfg.BinaryPath)
		if err != nil {
			return err
		}

		l := launcher.New().
			Context(ctx).
			Headless(m.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("window-size", fmt.Sprintf("%d,%d", m.cfg.WindowWidth, m.cfg.WindowHeight))
		if bin != "" {
			l = l.Bin(bin)
		}
		if m.cfg.Proxy != "" {
			l = l.Proxy(m.cfg.Proxy)
		}

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLaunch, err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched", "headless", m.cfg.Headless, "bin", bin)
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return fmt.Errorf("%w: connect: %v", ErrLaunch, err)
	}

	if m.cfg.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn("browser: ignore cert errors failed", "error", err)
		}
	}

	m.browser = b
	return nil
}

func (m *Manager) teardownLocked() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Debug("browser: close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup() // removes the temp profile directory
		m.lnch = nil
	}
}

// resolveBinary turns configuration and environment into a binary path.
// A configured or environment-supplied path that does not exist is a launch
// error right away; an empty result lets the launcher find its own browser.
func resolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("%w: binary %q: %v", ErrLaunch, configured, err)
		}
		return configured, nil
	}
	for _, env := range []string{EnvBrowserBin, EnvChromeBin} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err != nil {
				return "", fmt.Errorf("%w: $%s=%q: %v", ErrLaunch, env, p, err)
			}
			return p, nil
		}
	}
	return "", nil
}
