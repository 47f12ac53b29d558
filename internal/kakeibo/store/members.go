package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Member is a user's membership in a tenant.
type Member struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles"`
}

// AddMember records userID as a member of tenantID with roles, replacing any
// previous roles.
func (s *Store) AddMember(ctx context.Context, tenantID, userID string, roles []string) error {
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("store: encode roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_members (tenant_id, user_id, roles)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO UPDATE SET roles = excluded.roles
	`, tenantID, userID, string(rolesJSON))
	if err != nil {
		return fmt.Errorf("store: add member %s/%s: %w", tenantID, userID, err)
	}
	return nil
}

// RemoveMember deletes a membership. Removing a missing membership is not an
// error.
func (s *Store) RemoveMember(ctx context.Context, tenantID, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tenant_members WHERE tenant_id = ? AND user_id = ?`, tenantID, userID,
	); err != nil {
		return fmt.Errorf("store: remove member %s/%s: %w", tenantID, userID, err)
	}
	return nil
}

// TenantsFor lists the tenants userID belongs to, ordered by tenant ID.
func (s *Store) TenantsFor(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id FROM tenant_members WHERE user_id = ? ORDER BY tenant_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: tenants for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: tenants for %s scan: %w", userID, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: tenants for %s rows: %w", userID, err)
	}
	return out, nil
}

// RolesIn returns userID's roles in tenantID; member is false when the user
// does not belong to the tenant.
func (s *Store) RolesIn(ctx context.Context, tenantID, userID string) ([]string, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT roles FROM tenant_members WHERE tenant_id = ? AND user_id = ?`, tenantID, userID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: roles of %s in %s: %w", userID, tenantID, err)
	}
	var roles []string
	if err := json.Unmarshal([]byte(raw), &roles); err != nil {
		return nil, false, fmt.Errorf("store: decode roles of %s in %s: %w", userID, tenantID, err)
	}
	return roles, true, nil
}

// Members lists the members of tenantID ordered by user ID.
func (s *Store) Members(ctx context.Context, tenantID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, roles FROM tenant_members WHERE tenant_id = ? ORDER BY user_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: members of %s: %w", tenantID, err)
	}
	defer rows.Close()

	out := []Member{}
	for rows.Next() {
		m := Member{TenantID: tenantID}
		var raw string
		if err := rows.Scan(&m.UserID, &raw); err != nil {
			return nil, fmt.Errorf("store: members of %s scan: %w", tenantID, err)
		}
		if err := json.Unmarshal([]byte(raw), &m.Roles); err != nil {
			return nil, fmt.Errorf("store: decode roles of %s in %s: %w", m.UserID, tenantID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: members of %s rows: %w", tenantID, err)
	}
	return out, nil
}
