package browser

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed reports a checkout against a closed pool.
var ErrPoolClosed = errors.New("browser: pool is closed")

// Pool hands out browser processes with exclusive ownership: a Manager is
// held by at most one goroutine between Checkout and Checkin. Slots fill
// lazily, so constructing a Pool never launches anything.
type Pool struct {
	cfg   Config
	slots chan *Manager // nil entry = empty slot, Manager built on demand

	mu     sync.Mutex
	all    []*Manager
	closed bool
}

// NewPool creates a pool with the given number of browser slots.
func NewPool(cfg Config, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{cfg: cfg, slots: make(chan *Manager, size)}
	for i := 0; i < size; i++ {
		p.slots <- nil
	}
	return p
}

// Checkout blocks until a browser slot frees up or the context ends.
// The returned Manager is the caller's alone until Checkin.
func (p *Pool) Checkout(ctx context.Context) (*Manager, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case m := <-p.slots:
		if m == nil {
			m = NewManager(p.cfg)
			p.mu.Lock()
			p.all = append(p.all, m)
			p.mu.Unlock()
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Checkin returns a Manager to the pool. An unhealthy Manager is shut down
// and its slot reverts to empty, so the next Checkout builds a fresh one.
func (p *Pool) Checkin(m *Manager, healthy bool) {
	if m == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = m.Close()
		return
	}

	if !healthy {
		_ = m.Close()
		m = nil
	}
	select {
	case p.slots <- m:
	default:
		// More checkins than slots means a caller bug; shut the extra down
		// rather than block.
		if m != nil {
			_ = m.Close()
		}
	}
}

// Close shuts down every browser the pool ever created. Checked-out
// Managers are closed too; their holders will see closed-manager errors.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := p.all
	p.mu.Unlock()

	for {
		select {
		case <-p.slots:
			continue
		default:
		}
		break
	}
	for _, m := range all {
		_ = m.Close()
	}
	return nil
}
