// Package shield provides reusable HTTP middleware for the moisson API.
// It consolidates security headers, rate limiting, body limits, request
// tracing, and HEAD method handling into a single importable package.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxJSONBody(256 * 1024))
//	r.Use(shield.TraceID)
//	r.Use(shield.NewRateLimiter(db).Middleware)
//	r.Use(shield.HeadToGet)
//
// Or apply the default API stack in one call:
//
//	stack, rl := shield.DefaultAPIStack(db)
//	rl.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the standard middleware stack for a moisson API
// server. Middleware is ordered: HeadToGet → SecurityHeaders → MaxJSONBody →
// TraceID → RateLimiter. The returned RateLimiter handle allows callers to
// call StartReloader. Health checks (/health) bypass rate limiting.
func DefaultAPIStack(db *sql.DB) ([]func(http.Handler) http.Handler, *RateLimiter) {
	rl := NewRateLimiter(db, "/health")
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(256 * 1024),
		TraceID,
		rl.Middleware,
	}, rl
}
