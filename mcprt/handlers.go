package mcprt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/moisson/idgen"
)

// SQLQueryHandler runs the single statement in handler_config["query"] and
// returns the rows as JSON. Parameters bind by name: ":status" in the query
// takes its value from params["status"]. handler_config["result_format"]
// selects "array" (default, all rows as an array of objects) or "object"
// (first row only).
type SQLQueryHandler struct {
	DB *sql.DB
}

func (h *SQLQueryHandler) Execute(ctx context.Context, tool *DynamicTool, params map[string]any) (string, error) {
	query, _ := tool.HandlerConfig["query"].(string)
	if query == "" {
		return "", fmt.Errorf("tool %q: handler_config has no query", tool.Name)
	}
	if tool.Mode == ModeReadonly && !isReadOnlySQL(query) {
		return "", fmt.Errorf("tool %q is readonly: query must be SELECT-like", tool.Name)
	}

	args, err := bindNamedArgs(query, params, nil)
	if err != nil {
		return "", fmt.Errorf("tool %q: %w", tool.Name, err)
	}

	rows, err := h.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("tool %q: %w", tool.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	out := make([]map[string]any, 0, 8)
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[c] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	format, _ := tool.HandlerConfig["result_format"].(string)
	if format == "object" {
		if len(out) == 0 {
			return "{}", nil
		}
		data, err := json.Marshal(out[0])
		return string(data), err
	}
	data, err := json.Marshal(out)
	return string(data), err
}

// SQLScriptHandler runs the statements in handler_config["statements"]
// inside one transaction; any failure rolls all of them back. Each statement
// is an object with a "sql" key, bound the same way as queries, with one
// extra name: ":new_id" binds a fresh identifier from NewID, minted once per
// statement. handler_config["return"] set to "affected_rows" reports the
// total row count touched.
type SQLScriptHandler struct {
	DB    *sql.DB
	NewID idgen.Generator
}

func (h *SQLScriptHandler) Execute(ctx context.Context, tool *DynamicTool, params map[string]any) (string, error) {
	raw, _ := tool.HandlerConfig["statements"].([]any)
	if len(raw) == 0 {
		return "", fmt.Errorf("tool %q: handler_config has no statements", tool.Name)
	}

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var affected int64
	for i, s := range raw {
		stmt, _ := s.(map[string]any)
		query, _ := stmt["sql"].(string)
		if query == "" {
			return "", fmt.Errorf("tool %q: statement %d has no sql", tool.Name, i+1)
		}
		args, err := bindNamedArgs(query, params, h.NewID)
		if err != nil {
			return "", fmt.Errorf("tool %q: statement %d: %w", tool.Name, i+1, err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return "", fmt.Errorf("tool %q: statement %d: %w", tool.Name, i+1, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	if ret, _ := tool.HandlerConfig["return"].(string); ret == "affected_rows" {
		data, err := json.Marshal(map[string]any{"affected_rows": affected})
		return string(data), err
	}
	data, err := json.Marshal(map[string]any{"ok": true, "statements": len(raw)})
	return string(data), err
}

// bindNamedArgs resolves every ":name" placeholder in query against params.
// ":new_id" is special: when a generator is supplied it binds a freshly
// minted ID instead of a caller value. Placeholders inside quoted literals
// ('12:30', "a:b") are left alone. A placeholder with no matching parameter
// is an error.
func bindNamedArgs(query string, params map[string]any, newID idgen.Generator) ([]any, error) {
	var args []any
	seen := make(map[string]bool)
	for _, name := range namedPlaceholders(query) {
		if seen[name] {
			continue
		}
		seen[name] = true
		if name == "new_id" && newID != nil {
			args = append(args, sql.Named(name, newID()))
			continue
		}
		v, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("missing parameter: %s", name)
		}
		args = append(args, sql.Named(name, v))
	}
	return args, nil
}

// namedPlaceholders scans query for ":identifier" tokens outside string and
// identifier quotes, in order of first appearance.
func namedPlaceholders(query string) []string {
	var names []string
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"':
			quote = c
		case c == ':' && i+1 < len(query) && isIdentStart(query[i+1]):
			j := i + 1
			for j < len(query) && isIdentChar(query[j]) {
				j++
			}
			names = append(names, query[i+1:j])
			i = j - 1
		}
	}
	return names
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// isReadOnlySQL reports whether the statement only reads. SELECT, WITH,
// EXPLAIN, and PRAGMA count as reads; everything else is treated as a write.
func isReadOnlySQL(query string) bool {
	q := strings.TrimSpace(query)
	for _, prefix := range []string{"SELECT", "WITH", "EXPLAIN", "PRAGMA"} {
		if len(q) < len(prefix) || !strings.EqualFold(q[:len(prefix)], prefix) {
			continue
		}
		if len(q) == len(prefix) || !isIdentChar(q[len(prefix)]) {
			return true
		}
	}
	return false
}
