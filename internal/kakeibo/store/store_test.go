package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/billing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "kakeibo-test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "k.db")

	s, err := store.New(path, nil)
	require.NoError(t, err)
	v, err := s.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, 2, v)
	require.NoError(t, s.Close())

	// Reopening must not re-apply anything.
	s, err = store.New(path, nil)
	require.NoError(t, err)
	defer s.Close()
	v, err = s.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, 2, v)
	require.NoError(t, s.Ping())
}

// --- KV ---

func TestKV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "user:1", "missing")
	require.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.Set(ctx, "user:1", "conversation/a", "one"))
	require.NoError(t, s.Set(ctx, "user:1", "conversation/b", "two"))
	require.NoError(t, s.Set(ctx, "user:1", "active_conversation", "a"))
	require.NoError(t, s.Set(ctx, "user:2", "conversation/c", "three"))
	require.NoError(t, s.Set(ctx, "user:1", "conversation/a", "uno"))

	v, err := s.Get(ctx, "user:1", "conversation/a")
	require.NoError(t, err)
	require.Equal(t, "uno", v)

	fields, err := s.Fields(ctx, "user:1", "conversation/")
	require.NoError(t, err)
	require.Equal(t, []string{"conversation/a", "conversation/b"}, fields)

	all, err := s.Fields(ctx, "user:1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, s.Delete(ctx, "user:1", "conversation/a"))
	require.NoError(t, s.Delete(ctx, "user:1", "conversation/a"))
	_, err = s.Get(ctx, "user:1", "conversation/a")
	require.ErrorIs(t, err, store.ErrNotFound)

	empty, err := s.Fields(ctx, "nobody", "")
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	require.NoError(t, s.Set(ctx, "channel:9", "conversation/default", "four"))
	users, err := s.Scopes(ctx, "user:")
	require.NoError(t, err)
	require.Equal(t, []string{"user:1", "user:2"}, users)
	everything, err := s.Scopes(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"channel:9", "user:1", "user:2"}, everything)
}

// --- Budgets ---

func TestBudgetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetBudget(ctx, "guild-1")
	require.NoError(t, err)
	require.False(t, ok)

	b := billing.DefaultBudget("guild-1")
	b.AllowedRoles = []string{"patron", "mod"}
	b.SpendUSD = 1.25
	b.LastResetPeriod = "2025-03"
	require.NoError(t, s.PutBudget(ctx, b))

	got, ok, err := s.GetBudget(ctx, "guild-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b, got)

	unlimited := billing.Budget{TenantID: "guild-2", AccessAllowed: false}
	require.NoError(t, s.PutBudget(ctx, unlimited))
	got, _, err = s.GetBudget(ctx, "guild-2")
	require.NoError(t, err)
	require.Nil(t, got.MonthlyLimitUSD)
	require.Nil(t, got.MonthlyLimitPoints)
	require.Nil(t, got.AllowedRoles)
	require.False(t, got.AccessAllowed)

	all, err := s.ListBudgets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "guild-1", all[0].TenantID)
}

func TestResetPeriodIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := billing.DefaultBudget("g")
	b.SpendUSD, b.SpendPoints, b.LastResetPeriod = 4, 900, "2025-02"
	require.NoError(t, s.PutBudget(ctx, b))

	reset, err := s.ResetPeriod(ctx, "g", "2025-03")
	require.NoError(t, err)
	require.True(t, reset)

	require.NoError(t, s.AddSpend(ctx, "g", "2025-03", 0.5, pricing.USD))

	reset, err = s.ResetPeriod(ctx, "g", "2025-03")
	require.NoError(t, err)
	require.False(t, reset)

	got, _, err := s.GetBudget(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, 0.5, got.SpendUSD)
	require.Zero(t, got.SpendPoints)
	require.Equal(t, "2025-03", got.LastResetPeriod)

	reset, err = s.ResetPeriod(ctx, "missing", "2025-03")
	require.NoError(t, err)
	require.False(t, reset)
}

func TestAddSpendIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutBudget(ctx, billing.DefaultBudget("g")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := s.AddSpend(ctx, "g", "2025-03", 0.5, pricing.USD); err != nil {
				t.Errorf("AddSpend: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := s.AddSpend(ctx, "g", "2025-03", 2, pricing.Points); err != nil {
				t.Errorf("AddSpend: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _, err := s.GetBudget(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, 25.0, got.SpendUSD)
	require.Equal(t, 100.0, got.SpendPoints)
}

func TestAddSpendCreatesDisabledRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddSpend(ctx, "new", "2025-03", 3, pricing.Points))
	got, ok, err := s.GetBudget(ctx, "new")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, got.AccessAllowed)
	require.Equal(t, 3.0, got.SpendPoints)
	require.Equal(t, "2025-03", got.LastResetPeriod)

	// The period stamp only applies to rows AddSpend creates.
	require.NoError(t, s.AddSpend(ctx, "new", "2025-04", 1, pricing.Points))
	got, _, err = s.GetBudget(ctx, "new")
	require.NoError(t, err)
	require.Equal(t, 4.0, got.SpendPoints)
	require.Equal(t, "2025-03", got.LastResetPeriod)
}

func TestSpendOnUnknownTenantSurvivesPeriodCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ledger := billing.NewLedger(s, s, pricing.NewTable(pricing.DefaultCard()), nil)

	require.NoError(t, ledger.RecordSpend(ctx, "stray", 0.75, pricing.USD))
	b, ok, err := ledger.Status(ctx, "stray")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0.75, b.SpendUSD)
	require.False(t, b.AccessAllowed)
}

func TestUpdatePolicyKeepsSpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := billing.DefaultBudget("g")
	b.SpendUSD, b.LastResetPeriod = 1.0, "2025-03"
	require.NoError(t, s.PutBudget(ctx, b))

	// An operator edits a copy read before the server records more spend.
	edited, _, err := s.GetBudget(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, s.AddSpend(ctx, "g", "2025-03", 0.5, pricing.USD))

	limit := 20.0
	edited.MonthlyLimitUSD = &limit
	edited.AllowedRoles = []string{"finance"}
	edited.MonthlyLimitPoints = nil
	ok, err := s.UpdatePolicy(ctx, edited)
	require.NoError(t, err)
	require.True(t, ok)

	got, _, err := s.GetBudget(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, 1.5, got.SpendUSD)
	require.Equal(t, "2025-03", got.LastResetPeriod)
	require.Equal(t, 20.0, *got.MonthlyLimitUSD)
	require.Nil(t, got.MonthlyLimitPoints)
	require.Equal(t, []string{"finance"}, got.AllowedRoles)

	ok, err = s.UpdatePolicy(ctx, billing.DefaultBudget("missing"))
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.GetBudget(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateBudgetKeepsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddSpend(ctx, "g", "2025-03", 2, pricing.USD))
	created, err := s.CreateBudget(ctx, billing.DefaultBudget("g"))
	require.NoError(t, err)
	require.False(t, created)
	got, _, err := s.GetBudget(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, 2.0, got.SpendUSD)

	created, err = s.CreateBudget(ctx, billing.DefaultBudget("h"))
	require.NoError(t, err)
	require.True(t, created)
}

func TestResetSpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := billing.DefaultBudget("g")
	b.SpendUSD, b.SpendPoints, b.LastResetPeriod = 3, 40, "2025-03"
	require.NoError(t, s.PutBudget(ctx, b))

	ok, err := s.ResetSpend(ctx, "g", "2025-03")
	require.NoError(t, err)
	require.True(t, ok)
	got, _, err := s.GetBudget(ctx, "g")
	require.NoError(t, err)
	require.Zero(t, got.SpendUSD)
	require.Zero(t, got.SpendPoints)

	ok, err = s.ResetSpend(ctx, "missing", "2025-03")
	require.NoError(t, err)
	require.False(t, ok)
}

// --- Members ---

func TestMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddMember(ctx, "g2", "alice", []string{"patron"}))
	require.NoError(t, s.AddMember(ctx, "g1", "alice", nil))
	require.NoError(t, s.AddMember(ctx, "g1", "bob", []string{"mod"}))

	tenants, err := s.TenantsFor(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"g1", "g2"}, tenants)

	roles, member, err := s.RolesIn(ctx, "g2", "alice")
	require.NoError(t, err)
	require.True(t, member)
	require.Equal(t, []string{"patron"}, roles)

	_, member, err = s.RolesIn(ctx, "g2", "bob")
	require.NoError(t, err)
	require.False(t, member)

	require.NoError(t, s.AddMember(ctx, "g2", "alice", []string{"patron", "vip"}))
	roles, _, err = s.RolesIn(ctx, "g2", "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"patron", "vip"}, roles)

	members, err := s.Members(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "alice", members[0].UserID)

	require.NoError(t, s.RemoveMember(ctx, "g2", "alice"))
	tenants, err = s.TenantsFor(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"g1"}, tenants)
}

// --- Pricing overrides ---

func TestPricingOverrides(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.PricingOverrides(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, s.SavePricingOverrides(ctx, map[string]pricing.Rate{
		"openai/gpt-4o": {Input: 2.5, Output: 10, Currency: pricing.USD},
		"poe/bot":       {Input: 100},
	}))
	require.NoError(t, s.SavePricingOverrides(ctx, map[string]pricing.Rate{
		"openai/gpt-4o": {Input: 2, Output: 8, Currency: pricing.USD},
	}))

	got, err = s.PricingOverrides(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]pricing.Rate{
		"openai/gpt-4o": {Input: 2, Output: 8, Currency: pricing.USD},
		"poe/bot":       {Input: 100, Currency: pricing.USD},
	}, got)

	require.NoError(t, s.DeletePricingOverride(ctx, "poe/bot"))
	got, err = s.PricingOverrides(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

// The ledger runs unchanged on top of the SQLite store.
func TestLedgerOnSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	finite := billing.DefaultBudget("a")
	unlimited := billing.DefaultBudget("b")
	unlimited.MonthlyLimitUSD = nil
	require.NoError(t, s.PutBudget(ctx, finite))
	require.NoError(t, s.PutBudget(ctx, unlimited))
	require.NoError(t, s.AddMember(ctx, "a", "u", nil))
	require.NoError(t, s.AddMember(ctx, "b", "u", nil))

	ledger := billing.NewLedger(s, s, pricing.NewTable(pricing.DefaultCard()), nil)
	id, ok, err := ledger.Resolve(ctx, "u", billing.Origin{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", id)

	has, err := ledger.HasBudget(ctx, "a", pricing.USD)
	require.NoError(t, err)
	require.True(t, has)

	_, err = ledger.Charge(ctx, "a", "openai", "gpt-4o", &pricing.TokenUsage{InputTokens: 2_000_000})
	require.NoError(t, err)

	has, err = ledger.HasBudget(ctx, "a", pricing.USD)
	require.NoError(t, err)
	require.False(t, has, "5.0 spent against a 5.0 limit exhausts the budget")
}
