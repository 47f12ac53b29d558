package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Get returns the value stored under (scope, field), or ErrNotFound.
func (s *Store) Get(ctx context.Context, scope, field string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE scope = ? AND field = ?`, scope, field,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s/%s: %w", scope, field, err)
	}
	return value, nil
}

// Set stores value under (scope, field), replacing any previous value.
func (s *Store) Set(ctx context.Context, scope, field, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (scope, field, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, field) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, scope, field, value, now())
	if err != nil {
		return fmt.Errorf("store: set %s/%s: %w", scope, field, err)
	}
	return nil
}

// Delete removes (scope, field). Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, scope, field string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE scope = ? AND field = ?`, scope, field); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", scope, field, err)
	}
	return nil
}

// Fields lists the fields stored under scope whose name starts with prefix,
// in name order.
func (s *Store) Fields(ctx context.Context, scope, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field FROM kv WHERE scope = ? ORDER BY field`, scope)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", scope, err)
	}
	defer rows.Close()

	fields := []string{}
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("store: list %s scan: %w", scope, err)
		}
		if strings.HasPrefix(f, prefix) {
			fields = append(fields, f)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list %s rows: %w", scope, err)
	}
	return fields, nil
}

// Scopes lists the distinct scopes whose name starts with prefix, in name
// order.
func (s *Store) Scopes(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT scope FROM kv WHERE substr(scope, 1, ?) = ? ORDER BY scope`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("store: list scopes: %w", err)
	}
	defer rows.Close()

	scopes := []string{}
	for rows.Next() {
		var sc string
		if err := rows.Scan(&sc); err != nil {
			return nil, fmt.Errorf("store: list scopes scan: %w", err)
		}
		scopes = append(scopes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list scopes rows: %w", err)
	}
	return scopes, nil
}
