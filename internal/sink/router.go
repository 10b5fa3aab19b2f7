package sink

import (
	"context"
	"log/slog"
)

// Router fans out envelopes to all configured sinks. One sink error does
// not block the others; errors are logged and the first one is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Emit(ctx context.Context, env Envelope) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Emit(ctx, env); err != nil {
			r.logger.Warn("sink: emit failed", "run_id", env.RunID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
