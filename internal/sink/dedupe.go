package sink

import (
	"context"
	"sync"
)

// Dedupe wraps another sink and drops records it has already delivered,
// keyed by the record's content hash. Re-scraping the same listing page
// then only forwards rows that changed. The seen set lives for the
// process; restarting forgets it.
type Dedupe struct {
	inner Sink

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDedupe wraps inner with content-hash deduplication.
func NewDedupe(inner Sink) *Dedupe {
	return &Dedupe{inner: inner, seen: make(map[string]struct{})}
}

func (d *Dedupe) Emit(ctx context.Context, env Envelope) error {
	d.mu.Lock()
	fresh := env.Records[:0:0]
	for _, rec := range env.Records {
		h := rec.Hash()
		if _, ok := d.seen[h]; ok {
			continue
		}
		d.seen[h] = struct{}{}
		fresh = append(fresh, rec)
	}
	d.mu.Unlock()

	if len(fresh) == 0 && len(env.Issues) == 0 {
		return nil
	}
	env.Records = fresh
	return d.inner.Emit(ctx, env)
}

func (d *Dedupe) Close() error { return d.inner.Close() }

// SeenCount reports how many distinct records passed through.
func (d *Dedupe) SeenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
