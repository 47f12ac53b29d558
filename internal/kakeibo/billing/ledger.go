// Package billing decides which tenant pays for a request, enforces monthly
// budgets and records spend.
//
// Enforcement is advisory: a budget check and the matching spend update are
// separate store operations, so concurrent requests against one tenant may
// all pass the check before any of their spend lands.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
)

// BudgetStore persists tenant budgets.
type BudgetStore interface {
	// GetBudget returns the tenant's budget; ok is false when none is stored.
	GetBudget(ctx context.Context, tenantID string) (b Budget, ok bool, err error)
	PutBudget(ctx context.Context, b Budget) error
	// ResetPeriod zeroes both spend counters and stamps period, unless the
	// stored period already equals period. It reports whether a reset happened.
	ResetPeriod(ctx context.Context, tenantID, period string) (bool, error)
	// AddSpend atomically adds amount to the counter for currency. A row it
	// has to create is stamped with period.
	AddSpend(ctx context.Context, tenantID, period string, amount float64, currency pricing.Currency) error
}

// Directory answers tenant membership questions.
type Directory interface {
	// TenantsFor lists the tenants userID belongs to.
	TenantsFor(ctx context.Context, userID string) ([]string, error)
	// RolesIn returns userID's roles in tenantID; member is false when the
	// user does not belong to the tenant.
	RolesIn(ctx context.Context, tenantID, userID string) (roles []string, member bool, err error)
}

// Origin is where a request came from. A zero Origin is tenant-agnostic
// (e.g. a direct message).
type Origin struct {
	TenantID string
}

// TenantOrigin returns an origin bound to tenantID.
func TenantOrigin(tenantID string) Origin { return Origin{TenantID: tenantID} }

// Bound reports whether the origin is bound to a tenant.
func (o Origin) Bound() bool { return o.TenantID != "" }

// Ledger resolves payers, checks budgets and records spend.
type Ledger struct {
	Budgets   BudgetStore
	Directory Directory
	Pricing   *pricing.Table
	Logger    *slog.Logger

	now func() time.Time
}

// NewLedger returns a Ledger. If logger is nil, the default slog logger is
// used.
func NewLedger(budgets BudgetStore, dir Directory, table *pricing.Table, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		Budgets:   budgets,
		Directory: dir,
		Pricing:   table,
		Logger:    logger,
		now:       time.Now,
	}
}

// Period returns the budget period identifier ("YYYY-MM", UTC) for t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Resolve picks the tenant that pays for requester's request from origin.
// A bound origin yields that tenant if the requester may use it. Otherwise
// every permitted tenant the requester belongs to is a candidate; among
// several, the one with the highest USD limit wins and an unlimited tenant
// wins outright. Candidates are visited in tenant ID order.
//
// ok is false when no tenant will pay. Only store failures are errors.
func (l *Ledger) Resolve(ctx context.Context, requester string, origin Origin) (tenantID string, ok bool, err error) {
	if origin.Bound() {
		b, permitted, err := l.permitted(ctx, origin.TenantID, requester)
		if err != nil || !permitted {
			return "", false, err
		}
		return b.TenantID, true, nil
	}

	tenants, err := l.Directory.TenantsFor(ctx, requester)
	if err != nil {
		return "", false, fmt.Errorf("billing: list tenants for %s: %w", requester, err)
	}

	var candidates []Budget
	for _, id := range tenants {
		b, permitted, err := l.permitted(ctx, id, requester)
		if err != nil {
			return "", false, err
		}
		if permitted {
			candidates = append(candidates, b)
		}
	}

	switch len(candidates) {
	case 0:
		l.Logger.Debug("billing: no payer", "requester", requester)
		return "", false, nil
	case 1:
		return candidates[0].TenantID, true, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].TenantID < candidates[j].TenantID })

	best := ""
	bestLimit := -1.0
	for _, b := range candidates {
		if b.MonthlyLimitUSD == nil {
			return b.TenantID, true, nil
		}
		if *b.MonthlyLimitUSD > bestLimit {
			bestLimit = *b.MonthlyLimitUSD
			best = b.TenantID
		}
	}
	return best, true, nil
}

func (l *Ledger) permitted(ctx context.Context, tenantID, requester string) (Budget, bool, error) {
	b, ok, err := l.Budgets.GetBudget(ctx, tenantID)
	if err != nil {
		return Budget{}, false, fmt.Errorf("billing: get budget %s: %w", tenantID, err)
	}
	if !ok || !b.AccessAllowed {
		return b, false, nil
	}
	var roles []string
	if len(b.AllowedRoles) > 0 {
		roles, _, err = l.Directory.RolesIn(ctx, tenantID, requester)
		if err != nil {
			return Budget{}, false, fmt.Errorf("billing: roles of %s in %s: %w", requester, tenantID, err)
		}
	}
	return b, b.Permits(roles), nil
}

// EnsureCurrentPeriod starts a new budget period for tenantID if the stored
// one is stale, zeroing both spend counters. Repeated and concurrent calls
// reset at most once per period. A tenant without a budget yields a zero
// Budget that permits nothing.
func (l *Ledger) EnsureCurrentPeriod(ctx context.Context, tenantID string) (Budget, error) {
	b, _, err := l.ensure(ctx, tenantID)
	return b, err
}

func (l *Ledger) ensure(ctx context.Context, tenantID string) (Budget, bool, error) {
	b, ok, err := l.Budgets.GetBudget(ctx, tenantID)
	if err != nil {
		return Budget{}, false, fmt.Errorf("billing: get budget %s: %w", tenantID, err)
	}
	if !ok {
		return Budget{TenantID: tenantID}, false, nil
	}

	period := Period(l.now())
	if b.LastResetPeriod == period {
		return b, true, nil
	}

	reset, err := l.Budgets.ResetPeriod(ctx, tenantID, period)
	if err != nil {
		return Budget{}, false, fmt.Errorf("billing: reset period %s: %w", tenantID, err)
	}
	if !reset {
		// Another caller started the period first.
		b, ok, err = l.Budgets.GetBudget(ctx, tenantID)
		if err != nil {
			return Budget{}, false, fmt.Errorf("billing: get budget %s: %w", tenantID, err)
		}
		return b, ok, nil
	}

	l.Logger.Info("billing: monthly budget reset",
		"tenant", tenantID, "period", period, "previous", b.LastResetPeriod,
		"spend_usd", b.SpendUSD, "spend_points", b.SpendPoints)
	b.SpendUSD = 0
	b.SpendPoints = 0
	b.LastResetPeriod = period
	return b, true, nil
}

// HasBudget reports whether tenantID may spend more in currency this period.
// It is false once spend reaches the limit, and always true for an
// unlimited currency. A tenant without a budget has none.
func (l *Ledger) HasBudget(ctx context.Context, tenantID string, currency pricing.Currency) (bool, error) {
	b, ok, err := l.ensure(ctx, tenantID)
	if err != nil || !ok {
		return false, err
	}
	return b.Within(currency), nil
}

// RecordSpend adds amount to tenantID's spend in currency. Non-positive
// amounts are ignored without touching the store.
func (l *Ledger) RecordSpend(ctx context.Context, tenantID string, amount float64, currency pricing.Currency) error {
	if amount <= 0 {
		return nil
	}
	if currency == "" {
		currency = pricing.USD
	}
	if err := l.Budgets.AddSpend(ctx, tenantID, Period(l.now()), amount, currency); err != nil {
		return fmt.Errorf("billing: record spend %s: %w", tenantID, err)
	}
	l.Logger.Debug("billing: spend recorded", "tenant", tenantID, "amount", amount, "currency", currency)
	return nil
}

// Charge prices usage for provider/model and records it against tenantID.
// usage.Cost and usage.Currency are updated to what was charged. The spend
// is committed even if ctx is cancelled.
func (l *Ledger) Charge(ctx context.Context, tenantID, provider, model string, usage *pricing.TokenUsage) (float64, error) {
	cost := l.Pricing.CalculateCost(provider, model, usage)
	usage.Cost = cost
	if usage.Currency == "" {
		usage.Currency = pricing.USD
	}
	if err := l.RecordSpend(context.WithoutCancel(ctx), tenantID, cost, usage.Currency); err != nil {
		return cost, err
	}
	return cost, nil
}

// Status returns tenantID's budget for the current period. ok is false when
// the tenant has no budget.
func (l *Ledger) Status(ctx context.Context, tenantID string) (Budget, bool, error) {
	return l.ensure(ctx, tenantID)
}
