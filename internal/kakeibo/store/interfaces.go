package store

import (
	"github.com/bdobrica/Kakeibo/internal/kakeibo/billing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
)

var (
	_ billing.BudgetStore   = (*Store)(nil)
	_ billing.Directory     = (*Store)(nil)
	_ pricing.OverrideStore = (*Store)(nil)
)
