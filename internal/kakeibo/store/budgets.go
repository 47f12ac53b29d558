package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/billing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
)

const budgetColumns = `tenant_id, access_allowed, allowed_roles, monthly_limit_usd, spend_usd,
	monthly_limit_points, spend_points, last_reset_period`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBudget(row rowScanner) (billing.Budget, error) {
	var (
		b      billing.Budget
		access int
		roles  string
		usd    sql.NullFloat64
		points sql.NullInt64
	)
	if err := row.Scan(&b.TenantID, &access, &roles, &usd, &b.SpendUSD, &points, &b.SpendPoints, &b.LastResetPeriod); err != nil {
		return billing.Budget{}, err
	}
	b.AccessAllowed = access != 0
	if err := json.Unmarshal([]byte(roles), &b.AllowedRoles); err != nil {
		return billing.Budget{}, fmt.Errorf("decode allowed_roles: %w", err)
	}
	if len(b.AllowedRoles) == 0 {
		b.AllowedRoles = nil
	}
	if usd.Valid {
		v := usd.Float64
		b.MonthlyLimitUSD = &v
	}
	if points.Valid {
		v := points.Int64
		b.MonthlyLimitPoints = &v
	}
	return b, nil
}

// GetBudget returns the tenant's budget; ok is false when none is stored.
func (s *Store) GetBudget(ctx context.Context, tenantID string) (billing.Budget, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE tenant_id = ?`, tenantID)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Budget{}, false, nil
	}
	if err != nil {
		return billing.Budget{}, false, fmt.Errorf("store: get budget %s: %w", tenantID, err)
	}
	return b, true, nil
}

type policyColumns struct {
	access int
	roles  string
	usd    sql.NullFloat64
	points sql.NullInt64
}

func policyArgs(b billing.Budget) (policyColumns, error) {
	var p policyColumns
	roles := b.AllowedRoles
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return p, fmt.Errorf("store: encode allowed_roles: %w", err)
	}
	p.roles = string(rolesJSON)
	if b.MonthlyLimitUSD != nil {
		p.usd = sql.NullFloat64{Float64: *b.MonthlyLimitUSD, Valid: true}
	}
	if b.MonthlyLimitPoints != nil {
		p.points = sql.NullInt64{Int64: *b.MonthlyLimitPoints, Valid: true}
	}
	if b.AccessAllowed {
		p.access = 1
	}
	return p, nil
}

// PutBudget creates or replaces a tenant's budget, spend included. Use
// UpdatePolicy to change an existing tenant's settings while spend is being
// recorded.
func (s *Store) PutBudget(ctx context.Context, b billing.Budget) error {
	p, err := policyArgs(b)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO budgets (`+budgetColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			access_allowed       = excluded.access_allowed,
			allowed_roles        = excluded.allowed_roles,
			monthly_limit_usd    = excluded.monthly_limit_usd,
			spend_usd            = excluded.spend_usd,
			monthly_limit_points = excluded.monthly_limit_points,
			spend_points         = excluded.spend_points,
			last_reset_period    = excluded.last_reset_period,
			updated_at           = excluded.updated_at
	`, b.TenantID, p.access, p.roles, p.usd, b.SpendUSD, p.points, b.SpendPoints, b.LastResetPeriod, now())
	if err != nil {
		return fmt.Errorf("store: put budget %s: %w", b.TenantID, err)
	}
	return nil
}

// CreateBudget inserts b unless the tenant already has a budget. It reports
// whether the row was created.
func (s *Store) CreateBudget(ctx context.Context, b billing.Budget) (bool, error) {
	p, err := policyArgs(b)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (`+budgetColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO NOTHING
	`, b.TenantID, p.access, p.roles, p.usd, b.SpendUSD, p.points, b.SpendPoints, b.LastResetPeriod, now())
	if err != nil {
		return false, fmt.Errorf("store: create budget %s: %w", b.TenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: create budget %s: %w", b.TenantID, err)
	}
	return n > 0, nil
}

// ListBudgets returns every stored budget ordered by tenant ID.
func (s *Store) ListBudgets(ctx context.Context) ([]billing.Budget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+budgetColumns+` FROM budgets ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list budgets: %w", err)
	}
	defer rows.Close()

	out := []billing.Budget{}
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list budgets scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list budgets rows: %w", err)
	}
	return out, nil
}

// ResetPeriod zeroes the tenant's spend and stamps period, unless period is
// already current. It reports whether the row changed.
func (s *Store) ResetPeriod(ctx context.Context, tenantID, period string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE budgets
		SET spend_usd = 0, spend_points = 0, last_reset_period = ?, updated_at = ?
		WHERE tenant_id = ? AND last_reset_period != ?
	`, period, now(), tenantID, period)
	if err != nil {
		return false, fmt.Errorf("store: reset period %s: %w", tenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: reset period %s: %w", tenantID, err)
	}
	return n > 0, nil
}

// AddSpend adds amount to the tenant's counter for currency in a single
// statement. A tenant without a budget row gets one with access disabled,
// stamped with period so the next period check keeps the spend.
func (s *Store) AddSpend(ctx context.Context, tenantID, period string, amount float64, currency pricing.Currency) error {
	column := "spend_usd"
	if currency == pricing.Points {
		column = "spend_points"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (tenant_id, `+column+`, last_reset_period, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			`+column+` = `+column+` + excluded.`+column+`,
			updated_at = excluded.updated_at
	`, tenantID, amount, period, now())
	if err != nil {
		return fmt.Errorf("store: add spend %s: %w", tenantID, err)
	}
	return nil
}

// UpdatePolicy rewrites the tenant's access, roles and limits. Spend
// counters and the period are left alone, so spend recorded concurrently is
// kept. ok is false when the tenant has no budget row.
func (s *Store) UpdatePolicy(ctx context.Context, b billing.Budget) (bool, error) {
	p, err := policyArgs(b)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE budgets
		SET access_allowed = ?, allowed_roles = ?, monthly_limit_usd = ?,
			monthly_limit_points = ?, updated_at = ?
		WHERE tenant_id = ?
	`, p.access, p.roles, p.usd, p.points, now(), b.TenantID)
	if err != nil {
		return false, fmt.Errorf("store: update policy %s: %w", b.TenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update policy %s: %w", b.TenantID, err)
	}
	return n > 0, nil
}

// ResetSpend zeroes both spend counters and stamps period unconditionally.
// ok is false when the tenant has no budget row.
func (s *Store) ResetSpend(ctx context.Context, tenantID, period string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE budgets
		SET spend_usd = 0, spend_points = 0, last_reset_period = ?, updated_at = ?
		WHERE tenant_id = ?
	`, period, now(), tenantID)
	if err != nil {
		return false, fmt.Errorf("store: reset spend %s: %w", tenantID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: reset spend %s: %w", tenantID, err)
	}
	return n > 0, nil
}
