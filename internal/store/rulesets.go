package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertRuleset inserts a ruleset or replaces the one with the same name.
func (s *Store) UpsertRuleset(ctx context.Context, r *RulesetRow) error {
	now := time.Now().UnixMilli()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.FieldsJSON == "" {
		r.FieldsJSON = "[]"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO rulesets (id, name, container, fields_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			container = excluded.container,
			fields_json = excluded.fields_json,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Container, r.FieldsJSON, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// GetRuleset retrieves a ruleset by name, or nil when unknown.
func (s *Store) GetRuleset(ctx context.Context, name string) (*RulesetRow, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, container, fields_json, created_at, updated_at
		FROM rulesets WHERE name = ?`, name)
	r, err := scanRuleset(row)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRulesets returns all rulesets ordered by name.
func (s *Store) ListRulesets(ctx context.Context) ([]*RulesetRow, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, container, fields_json, created_at, updated_at
		FROM rulesets ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RulesetRow
	for rows.Next() {
		var r RulesetRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Container, &r.FieldsJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ruleset: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteRuleset removes a ruleset by name.
func (s *Store) DeleteRuleset(ctx context.Context, name string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM rulesets WHERE name = ?`, name)
	return err
}

func scanRuleset(row *sql.Row) (*RulesetRow, error) {
	var r RulesetRow
	err := row.Scan(&r.ID, &r.Name, &r.Container, &r.FieldsJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ruleset: %w", err)
	}
	return &r, nil
}
