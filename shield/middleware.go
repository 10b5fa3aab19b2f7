package shield

import (
	"net/http"
	"strings"
)

// HeadToGet converts HEAD requests to GET so that route handlers registered
// with r.Get() respond with 200 instead of 405 (Method Not Allowed).
// Go's net/http automatically strips the body for HEAD responses.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// MaxJSONBody returns middleware that limits the request body size for
// JSON requests. Other content types are passed through untouched.
func MaxJSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if ct == "" || strings.HasPrefix(ct, "application/json") {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
