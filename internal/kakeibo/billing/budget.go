package billing

import (
	"slices"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
)

// Defaults applied to tenants configured without explicit limits.
const (
	DefaultMonthlyLimitUSD    = 5.0
	DefaultMonthlyLimitPoints = 250000
)

// Budget is a tenant's access policy and monthly spend. A nil limit means
// unlimited.
type Budget struct {
	TenantID           string   `json:"tenant_id"`
	AccessAllowed      bool     `json:"access_allowed"`
	AllowedRoles       []string `json:"allowed_roles,omitempty"`
	MonthlyLimitUSD    *float64 `json:"monthly_limit_usd"`
	SpendUSD           float64  `json:"spend_usd"`
	MonthlyLimitPoints *int64   `json:"monthly_limit_points"`
	SpendPoints        float64  `json:"spend_points"`
	LastResetPeriod    string   `json:"last_reset_period"`
}

// DefaultBudget returns the policy given to a newly configured tenant.
func DefaultBudget(tenantID string) Budget {
	usd := DefaultMonthlyLimitUSD
	points := int64(DefaultMonthlyLimitPoints)
	return Budget{
		TenantID:           tenantID,
		AccessAllowed:      true,
		MonthlyLimitUSD:    &usd,
		MonthlyLimitPoints: &points,
	}
}

// Limit returns the monthly limit for currency and whether one is set.
func (b Budget) Limit(c pricing.Currency) (float64, bool) {
	if c == pricing.Points {
		if b.MonthlyLimitPoints == nil {
			return 0, false
		}
		return float64(*b.MonthlyLimitPoints), true
	}
	if b.MonthlyLimitUSD == nil {
		return 0, false
	}
	return *b.MonthlyLimitUSD, true
}

// Spend returns the running spend for currency.
func (b Budget) Spend(c pricing.Currency) float64 {
	if c == pricing.Points {
		return b.SpendPoints
	}
	return b.SpendUSD
}

// Remaining returns what is left of the limit for currency, never negative.
// ok is false when the currency is unlimited.
func (b Budget) Remaining(c pricing.Currency) (remaining float64, ok bool) {
	limit, ok := b.Limit(c)
	if !ok {
		return 0, false
	}
	return max(limit-b.Spend(c), 0), true
}

// Within reports whether spend is still below the limit. The budget is
// exhausted once spend reaches the limit.
func (b Budget) Within(c pricing.Currency) bool {
	limit, ok := b.Limit(c)
	if !ok {
		return true
	}
	return b.Spend(c) < limit
}

// Permits reports whether a requester holding roles may bill this tenant.
func (b Budget) Permits(roles []string) bool {
	if !b.AccessAllowed {
		return false
	}
	if len(b.AllowedRoles) == 0 {
		return true
	}
	for _, r := range roles {
		if slices.Contains(b.AllowedRoles, r) {
			return true
		}
	}
	return false
}
