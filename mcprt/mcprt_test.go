package mcprt

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/moisson/kit"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setupTestRegistry(t *testing.T) (*sql.DB, *Registry) {
	t.Helper()
	db := setupTestDB(t)
	reg := NewRegistry(db)
	if err := reg.Init(); err != nil {
		t.Fatal(err)
	}
	return db, reg
}

// insertTool is a test helper that inserts a tool directly into the registry table.
func insertTool(t *testing.T, db *sql.DB, name, category, desc, schema, handlerType, handlerConfig, mode string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO mcp_tools_registry
		(tool_name, tool_category, description, input_schema, handler_type, handler_config, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, category, desc, schema, handlerType, handlerConfig, mode)
	if err != nil {
		t.Fatal(err)
	}
}

// --- Registry basics ---

func TestRegistryInit(t *testing.T) {
	db := setupTestDB(t)
	reg := NewRegistry(db)
	if err := reg.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Verify tables exist.
	for _, table := range []string{"mcp_tools_registry", "mcp_tools_history", "mcp_tool_policy"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("table %q not created: %v", table, err)
		}
	}
}

func TestRegistryLoadToolsEmpty(t *testing.T) {
	_, reg := setupTestRegistry(t)
	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatalf("LoadTools: %v", err)
	}
	if len(reg.ListTools()) != 0 {
		t.Fatalf("expected 0 tools, got %d", len(reg.ListTools()))
	}
}

func TestRegisterGoFunc(t *testing.T) {
	db := setupTestDB(t)
	reg := NewRegistry(db)

	called := false
	reg.RegisterGoFunc("test_fn", func(ctx context.Context, params map[string]any) (string, error) {
		called = true
		return "ok", nil
	})

	reg.mu.RLock()
	fn, ok := reg.goFuncs["test_fn"]
	reg.mu.RUnlock()
	if !ok {
		t.Fatal("GoFunc not registered")
	}

	result, err := fn(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "ok" {
		t.Fatalf("got %q, want %q", result, "ok")
	}
	if !called {
		t.Fatal("GoFunc was not called")
	}
}

func TestRegistryGetTool_NotFound(t *testing.T) {
	db := setupTestDB(t)
	reg := NewRegistry(db)
	_, ok := reg.GetTool("nonexistent")
	if ok {
		t.Fatal("expected tool not found")
	}
}

func TestRegistryExecuteTool_NotFound(t *testing.T) {
	db := setupTestDB(t)
	reg := NewRegistry(db)
	_, err := reg.ExecuteTool(context.Background(), "nonexistent", nil)
	if err == nil {
		t.Fatal("expected error for nonexistent tool")
	}
}

// --- Readonly mode enforcement ---

func TestReadonlyMode_SQLQuery_SelectAllowed(t *testing.T) {
	db, reg := setupTestRegistry(t)
	// A small table standing in for scraped pages.
	db.Exec("CREATE TABLE pages (run_id INTEGER, url TEXT)")
	db.Exec("INSERT INTO pages VALUES (1, 'https://example.com/a')")

	insertTool(t, db, "list_pages", "scraper", "list scraped pages", `{"type":"object"}`,
		"sql_query", `{"query":"SELECT run_id, url FROM pages","result_format":"array"}`, "readonly")

	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := reg.ExecuteTool(context.Background(), "list_pages", nil)
	if err != nil {
		t.Fatalf("readonly SELECT should succeed: %v", err)
	}
	if !strings.Contains(result, "example.com/a") {
		t.Fatalf("expected result to contain the page URL, got %s", result)
	}
}

func TestReadonlyMode_SQLQuery_WriteBlocked(t *testing.T) {
	db, reg := setupTestRegistry(t)
	db.Exec("CREATE TABLE pages (run_id INTEGER, url TEXT)")

	insertTool(t, db, "purge_pages", "scraper", "purge pages", `{"type":"object"}`,
		"sql_query", `{"query":"DELETE FROM pages"}`, "readonly")

	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := reg.ExecuteTool(context.Background(), "purge_pages", nil)
	if err == nil {
		t.Fatal("readonly tool should reject DELETE query")
	}
	if !strings.Contains(err.Error(), "readonly") {
		t.Fatalf("error should mention readonly, got: %v", err)
	}
}

func TestReadonlyMode_SQLScript_Blocked(t *testing.T) {
	db, reg := setupTestRegistry(t)

	insertTool(t, db, "write_script", "scraper", "write script", `{"type":"object"}`,
		"sql_script", `{"statements":[{"sql":"INSERT INTO t VALUES(1)"}]}`, "readonly")

	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := reg.ExecuteTool(context.Background(), "write_script", nil)
	if err == nil {
		t.Fatal("readonly tool should reject sql_script handler")
	}
	if !strings.Contains(err.Error(), "readonly") {
		t.Fatalf("error should mention readonly, got: %v", err)
	}
}

func TestReadonlyMode_ReadWrite_Allows_Write(t *testing.T) {
	db, reg := setupTestRegistry(t)
	db.Exec("CREATE TABLE crawl_budget (n INTEGER)")
	db.Exec("INSERT INTO crawl_budget VALUES (0)")

	insertTool(t, db, "bump_budget", "scraper", "bump crawl budget", `{"type":"object"}`,
		"sql_script", `{"statements":[{"sql":"UPDATE crawl_budget SET n = n + 1"}],"return":"affected_rows"}`, "readwrite")

	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := reg.ExecuteTool(context.Background(), "bump_budget", nil)
	if err != nil {
		t.Fatalf("readwrite tool should allow writes: %v", err)
	}
	if !strings.Contains(result, "affected_rows") {
		t.Fatalf("expected affected_rows in result, got %s", result)
	}
}

func TestIsReadOnlySQL(t *testing.T) {
	tests := []struct {
		query    string
		readonly bool
	}{
		{"SELECT * FROM runs", true},
		{"  select count(*) from runs", true},
		{"WITH cte AS (SELECT 1) SELECT * FROM cte", true},
		{"EXPLAIN SELECT 1", true},
		{"PRAGMA table_info('runs')", true},
		{"DELETE FROM runs", false},
		{"INSERT INTO runs VALUES(1)", false},
		{"UPDATE runs SET status='x'", false},
		{"DROP TABLE runs", false},
	}
	for _, tt := range tests {
		got := isReadOnlySQL(tt.query)
		if got != tt.readonly {
			t.Errorf("isReadOnlySQL(%q) = %v, want %v", tt.query, got, tt.readonly)
		}
	}
}

// --- Mode column loaded correctly ---

func TestLoadTools_ModeField(t *testing.T) {
	db, reg := setupTestRegistry(t)

	insertTool(t, db, "ro_tool", "test", "read only tool", `{"type":"object"}`,
		"sql_query", `{"query":"SELECT 1"}`, "readonly")
	insertTool(t, db, "rw_tool", "test", "read write tool", `{"type":"object"}`,
		"sql_query", `{"query":"SELECT 1"}`, "readwrite")

	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	ro, ok := reg.GetTool("ro_tool")
	if !ok {
		t.Fatal("ro_tool not found")
	}
	if ro.Mode != ModeReadonly {
		t.Fatalf("ro_tool.Mode = %q, want %q", ro.Mode, ModeReadonly)
	}

	rw, ok := reg.GetTool("rw_tool")
	if !ok {
		t.Fatal("rw_tool not found")
	}
	if rw.Mode != ModeReadWrite {
		t.Fatalf("rw_tool.Mode = %q, want %q", rw.Mode, ModeReadWrite)
	}
}

// --- History triggers ---

func TestHistoryTrigger_Insert(t *testing.T) {
	db, _ := setupTestRegistry(t)

	insertTool(t, db, "runs_recent", "scraper", "recent runs", `{"type":"object"}`,
		"sql_query", `{"query":"SELECT 1"}`, "readonly")

	var count int
	db.QueryRow("SELECT COUNT(*) FROM mcp_tools_history WHERE tool_name = 'runs_recent'").Scan(&count)
	if count != 1 {
		t.Fatalf("expected 1 history entry after INSERT, got %d", count)
	}

	var reason sql.NullString
	db.QueryRow("SELECT change_reason FROM mcp_tools_history WHERE tool_name = 'runs_recent'").Scan(&reason)
	if !reason.Valid || reason.String != "created" {
		t.Fatalf("expected change_reason='created', got %v", reason)
	}
}

func TestHistoryTrigger_Update(t *testing.T) {
	db, _ := setupTestRegistry(t)

	insertTool(t, db, "runs_recent", "scraper", "desc v1", `{"type":"object"}`,
		"sql_query", `{"query":"SELECT 1"}`, "readonly")

	// Update the tool description.
	_, err := db.Exec("UPDATE mcp_tools_registry SET description = 'desc v2' WHERE tool_name = 'runs_recent'")
	if err != nil {
		t.Fatal(err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM mcp_tools_history WHERE tool_name = 'runs_recent'").Scan(&count)
	if count != 2 {
		t.Fatalf("expected 2 history entries after INSERT+UPDATE, got %d", count)
	}

	// Check that version was auto-incremented.
	var version int
	db.QueryRow("SELECT version FROM mcp_tools_registry WHERE tool_name = 'runs_recent'").Scan(&version)
	if version != 2 {
		t.Fatalf("expected version=2 after update, got %d", version)
	}

	// Check that history captured version 2.
	var histVersion int
	db.QueryRow("SELECT version FROM mcp_tools_history WHERE tool_name = 'runs_recent' ORDER BY version DESC LIMIT 1").Scan(&histVersion)
	if histVersion != 2 {
		t.Fatalf("expected history version=2, got %d", histVersion)
	}
}

// --- Per-tool policy ---

func TestDBPolicy_NoRules_AllowAll(t *testing.T) {
	db, _ := setupTestRegistry(t)
	policy := NewDBPolicy(db)

	err := policy(context.Background(), "any_tool")
	if err != nil {
		t.Fatalf("no rules should allow all, got: %v", err)
	}
}

func TestDBPolicy_DenyRule_Blocks(t *testing.T) {
	db, _ := setupTestRegistry(t)
	db.Exec("INSERT INTO mcp_tool_policy (tool_name, role, effect) VALUES ('purge_runs', '*', 'deny')")

	policy := NewDBPolicy(db)
	err := policy(context.Background(), "purge_runs")
	if err == nil {
		t.Fatal("deny rule should block access")
	}
	if !strings.Contains(err.Error(), "denied") {
		t.Fatalf("error should mention 'denied', got: %v", err)
	}
}

func TestDBPolicy_AllowRule_MatchesRole(t *testing.T) {
	db, _ := setupTestRegistry(t)
	db.Exec("INSERT INTO mcp_tool_policy (tool_name, role, effect) VALUES ('requeue_failed', 'admin', 'allow')")

	policy := NewDBPolicy(db)

	// Admin role should be allowed.
	ctx := kit.WithRole(context.Background(), "admin")
	if err := policy(ctx, "requeue_failed"); err != nil {
		t.Fatalf("admin should be allowed: %v", err)
	}

	// User role should be denied (allow rules exist, none match).
	ctx = kit.WithRole(context.Background(), "user")
	if err := policy(ctx, "requeue_failed"); err == nil {
		t.Fatal("user should be denied when only admin is allowed")
	}
}

func TestDBPolicy_DenyOverridesAllow(t *testing.T) {
	db, _ := setupTestRegistry(t)
	db.Exec("INSERT INTO mcp_tool_policy (tool_name, role, effect) VALUES ('export_runs', '*', 'allow')")
	db.Exec("INSERT INTO mcp_tool_policy (tool_name, role, effect) VALUES ('export_runs', 'banned', 'deny')")

	policy := NewDBPolicy(db)

	// Banned role should be denied even though wildcard allow exists.
	ctx := kit.WithRole(context.Background(), "banned")
	if err := policy(ctx, "export_runs"); err == nil {
		t.Fatal("banned role should be denied")
	}

	// Normal role should be allowed.
	ctx = kit.WithRole(context.Background(), "normal")
	if err := policy(ctx, "export_runs"); err != nil {
		t.Fatalf("normal role should be allowed: %v", err)
	}
}

func TestDBPolicy_WildcardAllow(t *testing.T) {
	db, _ := setupTestRegistry(t)
	db.Exec("INSERT INTO mcp_tool_policy (tool_name, role, effect) VALUES ('runs_recent', '*', 'allow')")

	policy := NewDBPolicy(db)

	// Any role should be allowed.
	ctx := kit.WithRole(context.Background(), "anything")
	if err := policy(ctx, "runs_recent"); err != nil {
		t.Fatalf("wildcard allow should allow any role: %v", err)
	}
}

// --- Handlers ---

func TestSQLQuery_NamedParams(t *testing.T) {
	db, reg := setupTestRegistry(t)
	db.Exec("CREATE TABLE runs (id TEXT, status TEXT)")
	db.Exec("INSERT INTO runs VALUES ('run_1', 'failed')")
	db.Exec("INSERT INTO runs VALUES ('run_2', 'succeeded')")

	insertTool(t, db, "runs_by_status", "scraper", "runs filtered by status",
		`{"type":"object","required":["status"]}`,
		"sql_query", `{"query":"SELECT id FROM runs WHERE status = :status"}`, "readonly")
	insertTool(t, db, "runs_like", "scraper", "runs matching a status, no schema contract",
		`{"type":"object"}`,
		"sql_query", `{"query":"SELECT id FROM runs WHERE status = :status"}`, "readonly")

	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := reg.ExecuteTool(context.Background(), "runs_by_status", map[string]any{"status": "failed"})
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !strings.Contains(result, "run_1") || strings.Contains(result, "run_2") {
		t.Fatalf("expected only run_1, got %s", result)
	}

	// Schema-declared requirement is checked before the handler runs.
	_, err = reg.ExecuteTool(context.Background(), "runs_by_status", nil)
	if err == nil || !strings.Contains(err.Error(), "missing required param") {
		t.Fatalf("expected missing required param error, got: %v", err)
	}

	// Without a schema contract the binder still refuses unbound placeholders.
	_, err = reg.ExecuteTool(context.Background(), "runs_like", nil)
	if err == nil || !strings.Contains(err.Error(), "missing parameter") {
		t.Fatalf("expected missing parameter error, got: %v", err)
	}
}

func TestSQLQuery_ObjectFormat(t *testing.T) {
	db, reg := setupTestRegistry(t)
	db.Exec("CREATE TABLE timings (elapsed_ms INTEGER)")
	db.Exec("INSERT INTO timings VALUES (42)")

	insertTool(t, db, "latest_timing", "scraper", "latest timing", `{"type":"object"}`,
		"sql_query", `{"query":"SELECT elapsed_ms FROM timings","result_format":"object"}`, "readonly")
	insertTool(t, db, "no_timing", "scraper", "timing from empty table", `{"type":"object"}`,
		"sql_query", `{"query":"SELECT elapsed_ms FROM timings WHERE elapsed_ms > 1000","result_format":"object"}`, "readonly")

	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := reg.ExecuteTool(context.Background(), "latest_timing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "42") || strings.HasPrefix(result, "[") {
		t.Fatalf("expected a single object with the value, got %s", result)
	}

	result, err = reg.ExecuteTool(context.Background(), "no_timing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "{}" {
		t.Fatalf("expected empty object for no rows, got %s", result)
	}
}

func TestSQLScript_NewID(t *testing.T) {
	db := setupTestDB(t)
	reg := NewRegistry(db, WithRegistryIDGenerator(func() string { return "fixed_id" }))
	if err := reg.Init(); err != nil {
		t.Fatal(err)
	}
	db.Exec("CREATE TABLE discoveries (id TEXT PRIMARY KEY, url TEXT)")

	insertTool(t, db, "add_discovery", "scraper", "record a discovered URL",
		`{"type":"object","required":["url"]}`,
		"sql_script", `{"statements":[{"sql":"INSERT INTO discoveries (id, url) VALUES (:new_id, :url)"}],"return":"affected_rows"}`, "readwrite")

	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	result, err := reg.ExecuteTool(context.Background(), "add_discovery", map[string]any{"url": "https://example.com/feed"})
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !strings.Contains(result, `"affected_rows":1`) {
		t.Fatalf("expected 1 affected row, got %s", result)
	}

	var id string
	if err := db.QueryRow("SELECT id FROM discoveries WHERE url = 'https://example.com/feed'").Scan(&id); err != nil {
		t.Fatal(err)
	}
	if id != "fixed_id" {
		t.Fatalf("expected generated id, got %q", id)
	}
}

func TestSQLScript_RollbackOnFailure(t *testing.T) {
	db, reg := setupTestRegistry(t)
	db.Exec("CREATE TABLE links (id INTEGER PRIMARY KEY)")

	// Second statement violates the primary key; the first must roll back.
	insertTool(t, db, "double_insert", "scraper", "insert twice", `{"type":"object"}`,
		"sql_script", `{"statements":[{"sql":"INSERT INTO links VALUES (1)"},{"sql":"INSERT INTO links VALUES (1)"}]}`, "readwrite")

	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := reg.ExecuteTool(context.Background(), "double_insert", nil)
	if err == nil {
		t.Fatal("expected constraint violation")
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM links").Scan(&count)
	if count != 0 {
		t.Fatalf("expected rollback to leave 0 rows, got %d", count)
	}
}

func TestNamedPlaceholders_QuotedLiteralsIgnored(t *testing.T) {
	names := namedPlaceholders(`SELECT * FROM runs WHERE url = 'http://x' AND status = :status AND "a:b" > :since`)
	if len(names) != 2 || names[0] != "status" || names[1] != "since" {
		t.Fatalf("expected [status since], got %v", names)
	}
}

// --- Seeding ---

func TestSeed_PreservesOperatorEdits(t *testing.T) {
	db, reg := setupTestRegistry(t)
	ctx := context.Background()

	seed := SeedTool{
		Name: "runs_recent", Category: "scraper", Description: "stock description",
		InputSchema: `{"type":"object"}`, HandlerType: "sql_query",
		HandlerConfig: `{"query":"SELECT 1"}`, Mode: "readonly",
	}
	if err := reg.Seed(ctx, seed); err != nil {
		t.Fatal(err)
	}

	// Operator tunes the tool; a restart re-seeds but must not clobber it.
	if _, err := db.Exec("UPDATE mcp_tools_registry SET description = 'tuned' WHERE tool_name = 'runs_recent'"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Seed(ctx, seed); err != nil {
		t.Fatal(err)
	}

	var desc string
	db.QueryRow("SELECT description FROM mcp_tools_registry WHERE tool_name = 'runs_recent'").Scan(&desc)
	if desc != "tuned" {
		t.Fatalf("expected operator edit to survive re-seed, got %q", desc)
	}
}

// --- Audit hook ---

func TestBridgeAuditHook(t *testing.T) {
	db, reg := setupTestRegistry(t)
	db.Exec("CREATE TABLE timings (elapsed_ms INTEGER)")
	db.Exec("INSERT INTO timings VALUES (42)")

	insertTool(t, db, "latest_timing", "scraper", "latest timing", `{"type":"object"}`,
		"sql_query", `{"query":"SELECT elapsed_ms FROM timings","result_format":"object"}`, "readonly")

	if err := reg.LoadTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	var auditCalled bool
	var auditToolName string
	var auditToolVersion int
	var auditDuration time.Duration

	auditFn := func(ctx context.Context, toolName string, toolVersion int, params map[string]any, result string, err error, dur time.Duration) {
		auditCalled = true
		auditToolName = toolName
		auditToolVersion = toolVersion
		auditDuration = dur
	}

	// Execute through the registry directly (Bridge wraps this, but we can
	// test the audit function type is correct by calling it manually).
	start := time.Now()
	result, err := reg.ExecuteTool(context.Background(), "latest_timing", nil)
	dur := time.Since(start)

	auditFn(context.Background(), "latest_timing", 1, nil, result, err, dur)

	if !auditCalled {
		t.Fatal("audit hook was not called")
	}
	if auditToolName != "latest_timing" {
		t.Fatalf("audit tool name = %q, want 'latest_timing'", auditToolName)
	}
	if auditToolVersion != 1 {
		t.Fatalf("audit tool version = %d, want 1", auditToolVersion)
	}
	if auditDuration <= 0 {
		t.Fatal("audit duration should be positive")
	}
}

// --- Migration idempotency ---

func TestMigrateIdempotent(t *testing.T) {
	db, reg := setupTestRegistry(t)

	// Calling Init twice should not fail (migration is idempotent).
	if err := reg.Init(); err != nil {
		t.Fatalf("second Init should be idempotent: %v", err)
	}

	// Verify mode column exists by inserting a tool.
	insertTool(t, db, "test_tool", "cat", "desc", `{"type":"object"}`,
		"sql_query", `{"query":"SELECT 1"}`, "readonly")
}

// --- Context propagation ---

func TestContextSessionID(t *testing.T) {
	ctx := context.Background()
	ctx = kit.WithSessionID(ctx, "quic_abc123")
	ctx = kit.WithRemoteAddr(ctx, "192.168.1.1:9999")
	ctx = kit.WithRole(ctx, "admin")

	if got := kit.GetSessionID(ctx); got != "quic_abc123" {
		t.Fatalf("GetSessionID = %q, want 'quic_abc123'", got)
	}
	if got := kit.GetRemoteAddr(ctx); got != "192.168.1.1:9999" {
		t.Fatalf("GetRemoteAddr = %q, want '192.168.1.1:9999'", got)
	}
	if got := kit.GetRole(ctx); got != "admin" {
		t.Fatalf("GetRole = %q, want 'admin'", got)
	}
}

func TestContextDefaults(t *testing.T) {
	ctx := context.Background()

	if got := kit.GetSessionID(ctx); got != "" {
		t.Fatalf("GetSessionID default = %q, want empty", got)
	}
	if got := kit.GetRemoteAddr(ctx); got != "" {
		t.Fatalf("GetRemoteAddr default = %q, want empty", got)
	}
	if got := kit.GetRole(ctx); got != "" {
		t.Fatalf("GetRole default = %q, want empty", got)
	}
}
