package sink

import "context"

// EmitFunc receives envelopes in process, with zero serialization.
type EmitFunc func(ctx context.Context, env Envelope) error

// Callback delivers envelopes via a Go function call. This is the embedded
// path: when moisson runs inside another binary, results arrive as values
// instead of bytes.
type Callback struct {
	fn EmitFunc
}

// NewCallback creates a Callback sink. A nil fn drops everything.
func NewCallback(fn EmitFunc) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Emit(ctx context.Context, env Envelope) error {
	if c.fn != nil {
		return c.fn(ctx, env)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
