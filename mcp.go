package moisson

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/moisson/audit"
	"github.com/hazyhaar/moisson/kit"
	"github.com/hazyhaar/moisson/mcprt"
)

// RegisterMCP registers all moisson tools on an MCP server. Mutating tools
// pass through the audit middleware; read-only ones don't.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerScrape(srv)
	s.registerEnqueue(srv)
	s.registerRuns(srv)
	s.registerListRulesets(srv)
	s.registerSaveRuleset(srv)
	s.registerDeleteRuleset(srv)
}

// defaultDynamicTools are the queries seeded into the dynamic tool registry
// on first start. Operators can tune or deactivate them with plain SQL, and
// edits survive restarts.
var defaultDynamicTools = []mcprt.SeedTool{
	{
		Name:        "runs_recent",
		Category:    "scraper",
		Description: "Most recent scrape runs with their outcome",
		InputSchema: `{"type":"object"}`,
		HandlerType: "sql_query",
		HandlerConfig: `{"query":"SELECT id, url, ruleset, status, attempts, record_count, error_kind, elapsed_ms, started_at FROM runs ORDER BY started_at DESC LIMIT 50",` +
			`"result_format":"array"}`,
		Mode: "readonly",
	},
	{
		Name:        "runs_by_status",
		Category:    "scraper",
		Description: "Scrape runs filtered by status (pending, running, succeeded, exhausted, aborted, failed)",
		InputSchema: `{"type":"object","properties":{"status":{"type":"string"}},"required":["status"]}`,
		HandlerType: "sql_query",
		HandlerConfig: `{"query":"SELECT id, url, ruleset, attempts, error_kind, error, started_at FROM runs WHERE status = :status ORDER BY started_at DESC LIMIT 100",` +
			`"result_format":"array"}`,
		Mode: "readonly",
	},
	{
		Name:        "ruleset_usage",
		Category:    "scraper",
		Description: "Run and record counts per ruleset",
		InputSchema: `{"type":"object"}`,
		HandlerType: "sql_query",
		HandlerConfig: `{"query":"SELECT ruleset, COUNT(*) AS runs, SUM(record_count) AS records FROM runs WHERE ruleset != '' GROUP BY ruleset ORDER BY runs DESC",` +
			`"result_format":"array"}`,
		Mode: "readonly",
	},
}

// RegisterDynamicTools loads operator-defined tools from the database and
// bridges them onto srv next to the built-in ones. Definitions hot-reload
// while the server runs; a brand-new tool still needs a reconnect before it
// shows up in the client's tool list. The watcher stops when ctx is
// cancelled.
func (s *Service) RegisterDynamicTools(ctx context.Context, srv *mcp.Server) error {
	if s.db == nil {
		return errNoStore
	}
	reg := mcprt.NewRegistry(s.db)
	if err := reg.Init(); err != nil {
		return fmt.Errorf("dynamic tools schema: %w", err)
	}
	if err := reg.Seed(ctx, defaultDynamicTools...); err != nil {
		return err
	}
	if err := reg.LoadTools(ctx); err != nil {
		return err
	}
	go reg.RunWatcher(ctx)

	opts := []mcprt.BridgeOption{mcprt.WithPolicy(mcprt.NewDBPolicy(s.db))}
	if s.audit != nil {
		opts = append(opts, mcprt.WithAudit(s.auditDynamicTool))
	}
	mcprt.Bridge(srv, reg, opts...)
	return nil
}

// auditDynamicTool records a dynamic tool execution. Unlike the built-in
// tools, read-only dynamic tools are audited too: they run operator-defined
// SQL, and the row captures which definition version ran.
func (s *Service) auditDynamicTool(ctx context.Context, toolName string, toolVersion int, params map[string]any, result string, err error, duration time.Duration) {
	e := &audit.Entry{
		Action:     toolName,
		Transport:  kit.GetTransport(ctx),
		SessionID:  kit.GetSessionID(ctx),
		RequestID:  kit.GetRequestID(ctx),
		TraceID:    kit.GetTraceID(ctx),
		RemoteAddr: kit.GetRemoteAddr(ctx),
		DurationUS: duration.Microseconds(),
	}
	payload := map[string]any{"version": toolVersion}
	if len(params) > 0 {
		payload["params"] = params
	}
	if b, mErr := json.Marshal(payload); mErr == nil {
		e.Parameters = string(b)
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.audit.LogAsync(e)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

func (s *Service) registerScrape(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "moisson_scrape",
		Description: "Scrape a page now: navigate, wait for readiness, extract records",
		InputSchema: inputSchema(map[string]any{
			"url":         map[string]any{"type": "string", "description": "Target page URL"},
			"ruleset":     map[string]any{"type": "string", "description": "Name of a stored ruleset"},
			"rules":       map[string]any{"type": "object", "description": "Inline ruleset (container + fields), overrides ruleset"},
			"wait":        map[string]any{"type": "array", "description": "Readiness conditions, one kind each"},
			"steps":       map[string]any{"type": "array", "description": "Interaction steps run before extraction"},
			"timeout_ms":  map[string]any{"type": "integer", "description": "Per-attempt budget in ms"},
			"max_retries": map[string]any{"type": "integer", "description": "Retries after the first attempt"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*Request)
		return s.Run(ctx, *p)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p Request
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(s.audit, "scrape")(endpoint), decode)
}

func (s *Service) registerEnqueue(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "moisson_enqueue",
		Description: "Queue a scrape for the background workers instead of running it now",
		InputSchema: inputSchema(map[string]any{
			"url":     map[string]any{"type": "string", "description": "Target page URL"},
			"ruleset": map[string]any{"type": "string", "description": "Name of a stored ruleset"},
			"rules":   map[string]any{"type": "object", "description": "Inline ruleset, overrides ruleset"},
			"wait":    map[string]any{"type": "array", "description": "Readiness conditions"},
			"steps":   map[string]any{"type": "array", "description": "Interaction steps"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*Request)
		id, err := s.Enqueue(ctx, *p)
		if err != nil {
			return nil, err
		}
		return map[string]string{"job_id": id, "status": "queued"}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p Request
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(s.audit, "enqueue")(endpoint), decode)
}

func (s *Service) registerRuns(srv *mcp.Server) {
	type req struct {
		RunID string `json:"run_id"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "moisson_runs",
		Description: "List recent scrape runs, or fetch one run with its attempt history",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Run ID; omit to list recent runs"},
			"limit":  map[string]any{"type": "integer", "description": "List size, default 50"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if s.store == nil {
			return nil, errNoStore
		}
		if p.RunID != "" {
			run, err := s.store.GetRun(ctx, p.RunID)
			if err != nil {
				return nil, err
			}
			if run == nil {
				return nil, fmt.Errorf("moisson: unknown run %q", p.RunID)
			}
			attempts, err := s.store.ListAttempts(ctx, p.RunID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"run": run, "attempts": attempts}, nil
		}
		return s.store.ListRuns(ctx, p.Limit)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerListRulesets(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "moisson_list_rulesets",
		Description: "List stored extraction rulesets",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		if s.store == nil {
			return nil, errNoStore
		}
		rows, err := s.store.ListRulesets(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]*Ruleset, 0, len(rows))
		for _, row := range rows {
			rs, err := rulesetFromRow(row)
			if err != nil {
				return nil, err
			}
			out = append(out, rs)
		}
		return out, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerSaveRuleset(srv *mcp.Server) {
	type req struct {
		Name      string      `json:"name"`
		Container string      `json:"container"`
		Fields    []FieldRule `json:"fields"`
	}

	tool := &mcp.Tool{
		Name:        "moisson_save_ruleset",
		Description: "Create or update a stored extraction ruleset",
		InputSchema: inputSchema(map[string]any{
			"name":      map[string]any{"type": "string", "description": "Ruleset name"},
			"container": map[string]any{"type": "string", "description": "Repeating container selector; empty for one record per page"},
			"fields":    map[string]any{"type": "array", "description": "Field rules in output order"},
		}, []string{"name", "fields"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if s.store == nil {
			return nil, errNoStore
		}
		rs := &Ruleset{Name: p.Name, Container: p.Container, Fields: p.Fields}
		if err := rs.Validate(); err != nil {
			return nil, err
		}
		row, err := rowFromRuleset(rs)
		if err != nil {
			return nil, err
		}
		if err := s.store.UpsertRuleset(ctx, row); err != nil {
			return nil, err
		}
		return map[string]string{"name": p.Name, "status": "saved"}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(s.audit, "ruleset_save")(endpoint), decode)
}

func (s *Service) registerDeleteRuleset(srv *mcp.Server) {
	type req struct {
		Name string `json:"name"`
	}

	tool := &mcp.Tool{
		Name:        "moisson_delete_ruleset",
		Description: "Delete a stored extraction ruleset",
		InputSchema: inputSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Ruleset name"},
		}, []string{"name"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if s.store == nil {
			return nil, errNoStore
		}
		if err := s.store.DeleteRuleset(ctx, p.Name); err != nil {
			return nil, err
		}
		return map[string]string{"name": p.Name, "status": "deleted"}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(s.audit, "ruleset_delete")(endpoint), decode)
}
