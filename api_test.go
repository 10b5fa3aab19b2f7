package moisson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/moisson/audit"
)

func newAPIServer(t *testing.T, svc *Service) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	svc.RegisterHTTP(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s decode: %v", path, err)
		}
	}
	return resp.StatusCode
}

func sendJSON(t *testing.T, ts *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestAPIHealth(t *testing.T) {
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	ts := newAPIServer(t, svc)

	var body map[string]string
	if code := getJSON(t, ts, "/health", &body); code != 200 {
		t.Fatalf("status: %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("body: %v", body)
	}
}

func TestAPIScrape(t *testing.T) {
	// WHAT: POST /api/scrape runs synchronously and returns the result
	// with records; failures map onto meaningful status codes.
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	ts := newAPIServer(t, svc)

	var res struct {
		RunID    string            `json:"run_id"`
		Status   string            `json:"status"`
		Attempts int               `json:"attempts"`
		Records  []map[string]any  `json:"records"`
	}
	code := sendJSON(t, ts, "POST", "/api/scrape", Request{
		URL:   "https://example.com/listing",
		Rules: listingRules(),
		Wait:  []WaitSpec{{Selector: ".item", MinCount: 2}},
	}, &res)
	if code != 200 {
		t.Fatalf("status: %d", code)
	}
	if res.Status != "succeeded" || res.Attempts != 1 || len(res.Records) != 2 {
		t.Errorf("result: %+v", res)
	}
	if res.Records[0]["title"] != "First" {
		t.Errorf("record 0: %v", res.Records[0])
	}
}

func TestAPIScrapeErrors(t *testing.T) {
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	ts := newAPIServer(t, svc)

	// Invalid JSON body.
	req, _ := http.NewRequest("POST", ts.URL+"/api/scrape", bytes.NewReader([]byte("{nope")))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("bad body: got %d, want 400", resp.StatusCode)
	}

	// Missing rules: validation error with the full RunError shape.
	var re struct {
		Kind  string `json:"kind"`
		State string `json:"state"`
	}
	if code := sendJSON(t, ts, "POST", "/api/scrape", Request{URL: "https://example.com"}, &re); code != 400 {
		t.Errorf("missing rules: got %d, want 400", code)
	}
	if re.Kind != KindValidation {
		t.Errorf("kind: %q", re.Kind)
	}

	// Unknown stored ruleset.
	if code := sendJSON(t, ts, "POST", "/api/scrape", Request{URL: "https://example.com", Ruleset: "ghost"}, nil); code != 404 {
		t.Errorf("unknown ruleset: got %d, want 404", code)
	}
}

func TestAPIScrapeExhausted(t *testing.T) {
	// WHAT: A page that never readies surfaces as 504 with state
	// exhausted.
	empty := newFakePage("<html><body></body></html>")
	svc := newTestService(t, singlePagePool(empty), func(c *Config) { c.Scrape.MaxRetries = 0 })
	ts := newAPIServer(t, svc)

	var re struct {
		Kind     string `json:"kind"`
		State    string `json:"state"`
		Attempts int    `json:"attempts"`
	}
	code := sendJSON(t, ts, "POST", "/api/scrape", Request{
		URL:       "https://example.com/slow",
		Rules:     listingRules(),
		Wait:      []WaitSpec{{Selector: ".item", MinCount: 1}},
		TimeoutMS: 100,
	}, &re)
	if code != 504 {
		t.Fatalf("status: got %d, want 504", code)
	}
	if re.State != "exhausted" || re.Attempts != 1 {
		t.Errorf("error body: %+v", re)
	}
}

func TestAPIRuns(t *testing.T) {
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	ts := newAPIServer(t, svc)

	res, err := svc.Run(context.Background(), Request{URL: "https://example.com/listing", Rules: listingRules()})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}

	var list []map[string]any
	if code := getJSON(t, ts, "/api/runs?limit=5", &list); code != 200 {
		t.Fatalf("list status: %d", code)
	}
	if len(list) != 1 || list[0]["id"] != res.RunID {
		t.Errorf("list: %v", list)
	}

	var detail struct {
		Run      map[string]any   `json:"run"`
		Attempts []map[string]any `json:"attempts"`
	}
	if code := getJSON(t, ts, "/api/runs/"+res.RunID, &detail); code != 200 {
		t.Fatalf("detail status: %d", code)
	}
	if detail.Run["status"] != "succeeded" || len(detail.Attempts) != 1 {
		t.Errorf("detail: %+v", detail)
	}

	if code := getJSON(t, ts, "/api/runs/run_missing", nil); code != 404 {
		t.Errorf("unknown run: got %d, want 404", code)
	}
}

func TestAPIStats(t *testing.T) {
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	ts := newAPIServer(t, svc)

	if _, err := svc.Run(context.Background(), Request{URL: "https://example.com/a", Rules: listingRules()}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Run(context.Background(), Request{URL: "https://example.com/b", Rules: listingRules()}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var stats map[string]int
	if code := getJSON(t, ts, "/api/stats", &stats); code != 200 {
		t.Fatalf("status: %d", code)
	}
	if stats["succeeded"] != 2 {
		t.Errorf("stats: %v", stats)
	}
}

func TestAPIRulesets(t *testing.T) {
	// WHAT: Full ruleset CRUD over HTTP round-trips the rule bodies.
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	ts := newAPIServer(t, svc)

	put := map[string]any{
		"container": ".item",
		"fields": []map[string]any{
			{"name": "title", "selector": "h2"},
			{"name": "link", "selector": "a", "source": "attr", "attr": "href"},
		},
	}
	if code := sendJSON(t, ts, "PUT", "/api/rulesets/listing", put, nil); code != 200 {
		t.Fatalf("put status: %d", code)
	}

	var got Ruleset
	if code := getJSON(t, ts, "/api/rulesets/listing", &got); code != 200 {
		t.Fatalf("get status: %d", code)
	}
	if got.Name != "listing" || got.Container != ".item" || len(got.Fields) != 2 {
		t.Errorf("ruleset: %+v", got)
	}
	if got.Fields[1].Attr != "href" {
		t.Errorf("field 1: %+v", got.Fields[1])
	}

	var list []Ruleset
	if code := getJSON(t, ts, "/api/rulesets", &list); code != 200 || len(list) != 1 {
		t.Errorf("list: code %d, %v", code, list)
	}

	// A ruleset without fields is rejected before it can break runs.
	if code := sendJSON(t, ts, "PUT", "/api/rulesets/empty", map[string]any{"container": ".x"}, nil); code != 400 {
		t.Errorf("empty put: got %d, want 400", code)
	}

	req, _ := http.NewRequest("DELETE", ts.URL+"/api/rulesets/listing", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("delete status: %d", resp.StatusCode)
	}
	if code := getJSON(t, ts, "/api/rulesets/listing", nil); code != 404 {
		t.Errorf("get after delete: got %d, want 404", code)
	}
}

func TestAPIJobs(t *testing.T) {
	// WHAT: Jobs go in via POST, report queued until a worker picks them
	// up, then report the finished run.
	svc := newTestService(t, singlePagePool(readyPage()), func(c *Config) {
		c.Queue.Enabled = true
	})
	ts := newAPIServer(t, svc)

	var created map[string]string
	code := sendJSON(t, ts, "POST", "/api/jobs", Request{
		URL:   "https://example.com/listing",
		Rules: listingRules(),
	}, &created)
	if code != 202 {
		t.Fatalf("post status: %d", code)
	}
	jobID := created["job_id"]
	if jobID == "" {
		t.Fatalf("created: %v", created)
	}

	var pending map[string]any
	if code := getJSON(t, ts, "/api/jobs/"+jobID, &pending); code != 200 {
		t.Fatalf("pending status: %d", code)
	}
	if pending["status"] != "queued" {
		t.Errorf("pending: %v", pending)
	}

	job, err := svc.queue.Claim(context.Background())
	if err != nil || job == nil {
		t.Fatalf("claim: %v, %v", job, err)
	}
	if err := svc.handleJob(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var done map[string]any
	if code := getJSON(t, ts, "/api/jobs/"+jobID, &done); code != 200 {
		t.Fatalf("done status: %d", code)
	}
	if done["status"] != "succeeded" || done["job_id"] != jobID {
		t.Errorf("done: %v", done)
	}

	if code := getJSON(t, ts, "/api/jobs/job_missing", nil); code != 404 {
		t.Errorf("unknown job: got %d, want 404", code)
	}
}

func TestAPIJobsQueueDisabled(t *testing.T) {
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	ts := newAPIServer(t, svc)

	code := sendJSON(t, ts, "POST", "/api/jobs", Request{
		URL:   "https://example.com/listing",
		Rules: listingRules(),
	}, nil)
	if code != 503 {
		t.Errorf("got %d, want 503", code)
	}
}

func TestAPIRunsLimitParam(t *testing.T) {
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	ts := newAPIServer(t, svc)

	for i := 0; i < 3; i++ {
		if _, err := svc.Run(context.Background(), Request{URL: fmt.Sprintf("https://example.com/%d", i), Rules: listingRules()}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	var list []map[string]any
	if code := getJSON(t, ts, "/api/runs?limit=2", &list); code != 200 || len(list) != 2 {
		t.Errorf("limited list: code %d, len %d", code, len(list))
	}
}

func TestAPIAudit(t *testing.T) {
	// WHAT: mutating calls through the HTTP surface append audit rows
	// with the action name and outcome; reads leave no trace.
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	al := audit.NewSQLiteLogger(svc.db)
	if err := al.Init(); err != nil {
		t.Fatal(err)
	}
	svc.audit = al
	ts := newAPIServer(t, svc)

	put := map[string]any{
		"container": ".item",
		"fields":    []map[string]any{{"name": "title", "selector": "h2"}},
	}
	if code := sendJSON(t, ts, "PUT", "/api/rulesets/news", put, nil); code != 200 {
		t.Fatalf("put status: %d", code)
	}
	if code := getJSON(t, ts, "/api/rulesets/news", nil); code != 200 {
		t.Fatalf("get status: %d", code)
	}
	if code := sendJSON(t, ts, "DELETE", "/api/rulesets/news", nil, nil); code != 200 {
		t.Fatalf("delete status: %d", code)
	}

	// Close flushes the async buffer; Service.Close's second Close is a no-op.
	al.Close()

	var n int
	svc.db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&n)
	if n != 2 {
		t.Fatalf("audit rows: got %d, want 2", n)
	}
	var action, status, transport string
	svc.db.QueryRow("SELECT action, status, transport FROM audit_log WHERE action='ruleset_save'").
		Scan(&action, &status, &transport)
	if action != "ruleset_save" || status != "success" || transport != "http" {
		t.Fatalf("save audit row: %s/%s/%s", action, status, transport)
	}
}
