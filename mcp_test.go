package moisson

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testImpl = &mcp.Implementation{Name: "moisson-test", Version: "0.1.0"}

// mcpSession registers the moisson tools and returns a connected client
// session driving them end to end over in-memory transports.
func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()

	srv := mcp.NewServer(testImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()

	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

// callTool invokes a tool and returns the JSON text of the first content.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text
}

// callToolErr invokes a tool expecting a tool error and returns its text.
func callToolErr(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	terr := result.GetError()
	if terr == nil {
		t.Fatalf("CallTool(%s): expected tool error", name)
	}
	return terr.Error()
}

func TestMCPScrape(t *testing.T) {
	// WHAT: The scrape tool runs the full pipeline and returns the result
	// as JSON text content.
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	session := mcpSession(t, svc)

	text := callTool(t, session, "moisson_scrape", map[string]any{
		"url": "https://example.com/listing",
		"rules": map[string]any{
			"container": ".item",
			"fields": []map[string]any{
				{"name": "title", "selector": "h2"},
				{"name": "link", "selector": "a", "source": "attr", "attr": "href"},
			},
		},
		"wait": []map[string]any{{"selector": ".item", "min_count": 2}},
	})

	var res struct {
		RunID    string           `json:"run_id"`
		Status   string           `json:"status"`
		Attempts int              `json:"attempts"`
		Records  []map[string]any `json:"records"`
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.RunID == "" || res.Status != "succeeded" || res.Attempts != 1 {
		t.Errorf("result: %+v", res)
	}
	if len(res.Records) != 2 || res.Records[0]["title"] != "First" {
		t.Errorf("records: %v", res.Records)
	}
}

func TestMCPScrapeInvalid(t *testing.T) {
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	session := mcpSession(t, svc)

	msg := callToolErr(t, session, "moisson_scrape", map[string]any{
		"url": "https://example.com/listing",
	})
	if !strings.Contains(msg, "invalid request") {
		t.Errorf("error text: %q", msg)
	}
}

func TestMCPRulesetLifecycle(t *testing.T) {
	// WHAT: Save, list, and delete rulesets through the MCP surface.
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	session := mcpSession(t, svc)

	text := callTool(t, session, "moisson_save_ruleset", map[string]any{
		"name":      "listing",
		"container": ".item",
		"fields": []map[string]any{
			{"name": "title", "selector": "h2", "critical": true},
		},
	})
	var saved map[string]string
	if err := json.Unmarshal([]byte(text), &saved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if saved["status"] != "saved" {
		t.Errorf("save: %v", saved)
	}

	text = callTool(t, session, "moisson_list_rulesets", map[string]any{})
	var list []Ruleset
	if err := json.Unmarshal([]byte(text), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "listing" || !list[0].Fields[0].Critical {
		t.Errorf("list: %+v", list)
	}

	// The saved ruleset drives a scrape by name.
	text = callTool(t, session, "moisson_scrape", map[string]any{
		"url":     "https://example.com/listing",
		"ruleset": "listing",
	})
	var res struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal scrape: %v", err)
	}
	if len(res.Records) != 2 {
		t.Errorf("records: %v", res.Records)
	}

	callTool(t, session, "moisson_delete_ruleset", map[string]any{"name": "listing"})
	msg := callToolErr(t, session, "moisson_scrape", map[string]any{
		"url":     "https://example.com/listing",
		"ruleset": "listing",
	})
	if !strings.Contains(msg, "ruleset not found") {
		t.Errorf("error text: %q", msg)
	}
}

func TestMCPRuns(t *testing.T) {
	svc := newTestService(t, singlePagePool(readyPage()), nil)
	session := mcpSession(t, svc)

	res, err := svc.Run(context.Background(), Request{URL: "https://example.com/listing", Rules: listingRules()})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}

	text := callTool(t, session, "moisson_runs", map[string]any{"limit": 10})
	var list []map[string]any
	if err := json.Unmarshal([]byte(text), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 1 || list[0]["id"] != res.RunID {
		t.Errorf("list: %v", list)
	}

	text = callTool(t, session, "moisson_runs", map[string]any{"run_id": res.RunID})
	var detail struct {
		Run      map[string]any   `json:"run"`
		Attempts []map[string]any `json:"attempts"`
	}
	if err := json.Unmarshal([]byte(text), &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Run["status"] != "succeeded" || len(detail.Attempts) != 1 {
		t.Errorf("detail: %+v", detail)
	}
}

func TestMCPDynamicTools(t *testing.T) {
	// WHAT: Seeded dynamic tools are served next to the built-in ones and
	// answer from the runs table.
	svc := newTestService(t, singlePagePool(readyPage()), nil)

	// One finished run to query.
	res, err := svc.Run(context.Background(), Request{URL: "https://example.com/listing", Rules: listingRules()})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := mcp.NewServer(testImpl, nil)
	svc.RegisterMCP(srv)
	if err := svc.RegisterDynamicTools(ctx, srv); err != nil {
		t.Fatalf("dynamic tools: %v", err)
	}

	serverT, clientT := mcp.NewInMemoryTransports()
	go func() { _ = srv.Run(ctx, serverT) }()
	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	text := callTool(t, session, "runs_by_status", map[string]any{"status": "succeeded"})
	var rows []map[string]any
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != res.RunID {
		t.Errorf("rows: %v", rows)
	}

	// Required parameter declared in the seeded schema is enforced.
	msg := callToolErr(t, session, "runs_by_status", map[string]any{})
	if !strings.Contains(msg, "missing required param") {
		t.Errorf("error text: %q", msg)
	}
}

func TestMCPEnqueue(t *testing.T) {
	svc := newTestService(t, singlePagePool(readyPage()), func(c *Config) {
		c.Queue.Enabled = true
	})
	session := mcpSession(t, svc)

	text := callTool(t, session, "moisson_enqueue", map[string]any{
		"url": "https://example.com/listing",
		"rules": map[string]any{
			"fields": []map[string]any{{"name": "title", "selector": "h2"}},
		},
	})
	var out map[string]string
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(out["job_id"], "job_") || out["status"] != "queued" {
		t.Errorf("enqueue: %v", out)
	}

	if n, err := svc.queue.Len(context.Background()); err != nil || n != 1 {
		t.Errorf("queue length: %d, %v", n, err)
	}
}
