package shield

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func setupLimitDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func TestRateLimiter_NoRulePassesThrough(t *testing.T) {
	db := setupLimitDB(t)
	rl := NewRateLimiter(db)

	handler := rl.Middleware(okHandler())
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("POST", "/api/scrape", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 with no rule, got %d", i, w.Code)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	db := setupLimitDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES ('POST /api/scrape', 2, 60, 1)`)

	rl := NewRateLimiter(db)
	handler := rl.Middleware(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/scrape", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != 200 || codes[1] != 200 {
		t.Fatalf("first two requests should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third request should be blocked, got %v", codes)
	}
}

func TestRateLimiter_ExcludedPrefix(t *testing.T) {
	db := setupLimitDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES ('GET /health', 1, 60, 1)`)

	rl := NewRateLimiter(db, "/health")
	handler := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("excluded path should never be limited, got %d", w.Code)
		}
	}
}

func TestRateLimiter_NilDB(t *testing.T) {
	rl := NewRateLimiter(nil)
	handler := rl.Middleware(okHandler())
	req := httptest.NewRequest("POST", "/api/scrape", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("nil db should disable limiting, got %d", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(DefaultHeaders())(okHandler())
	req := httptest.NewRequest("GET", "/api/runs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("Content-Security-Policy"); !strings.Contains(got, "default-src 'none'") {
		t.Errorf("CSP = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestHeadToGet(t *testing.T) {
	var seen string
	handler := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("HEAD", "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "GET" {
		t.Errorf("expected HEAD rewritten to GET, handler saw %q", seen)
	}
}

func TestMaxJSONBody(t *testing.T) {
	handler := MaxJSONBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		_, err := r.Body.Read(buf)
		if err != nil && !strings.Contains(err.Error(), "request body too large") {
			w.WriteHeader(http.StatusOK)
			return
		}
		if err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/scrape", strings.NewReader(strings.Repeat("x", 64)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized JSON body should be rejected, got %d", w.Code)
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.5:4321"
	if got := ExtractIP(req); got != "192.168.1.5" {
		t.Errorf("ExtractIP = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.9" {
		t.Errorf("ExtractIP with XFF = %q", got)
	}
}
