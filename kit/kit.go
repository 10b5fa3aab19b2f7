// Package kit provides transport-agnostic endpoint plumbing shared by the
// HTTP and MCP surfaces. An Endpoint is the unit both transports adapt to,
// so business logic is written once and exposed everywhere.
package kit

import "context"

// Endpoint is a transport-agnostic request handler.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middleware left to right: the first middleware is the
// outermost wrapper.
func Chain(mw ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}
