package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// Stdout writes one JSON line per envelope to an io.Writer (default
// os.Stdout). Output is deterministic: the same envelope always produces
// the same bytes.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Emit(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(env)
}

func (s *Stdout) Close() error { return nil }
