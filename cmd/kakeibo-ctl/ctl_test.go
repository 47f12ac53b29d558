package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kakeibo/common/crypto"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/billing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/chat"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/store"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, logs bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&logs)
	cmd.SetArgs(append([]string{"--db", db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := run(t, db, args...)
	require.NoError(t, err, out)
	return out
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ctl.db")
}

func TestBudgetSetAndShow(t *testing.T) {
	db := tempDB(t)

	out := mustRun(t, db, "budget", "set", "acme", "--usd", "12.5", "--roles", "admin,finance")
	require.Contains(t, out, "Tenant:  acme")
	require.Contains(t, out, "0.000000 / 12.50")

	out = mustRun(t, db, "--json", "budget", "show", "acme")
	var b billing.Budget
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	require.True(t, b.AccessAllowed)
	require.Equal(t, []string{"admin", "finance"}, b.AllowedRoles)
	require.NotNil(t, b.MonthlyLimitUSD)
	require.Equal(t, 12.5, *b.MonthlyLimitUSD)
	require.NotNil(t, b.MonthlyLimitPoints)
	require.EqualValues(t, billing.DefaultMonthlyLimitPoints, *b.MonthlyLimitPoints)
	require.Equal(t, billing.Period(time.Now()), b.LastResetPeriod)

	out = mustRun(t, db, "budget", "set", "acme", "--unlimited-usd", "--access=false")
	require.Contains(t, out, "Access:  false")
	require.Contains(t, out, "unlimited")

	out = mustRun(t, db, "budget", "list")
	require.Contains(t, out, "TENANT")
	require.Contains(t, out, "acme")
}

func TestBudgetSet_LeavesSpendAlone(t *testing.T) {
	db := tempDB(t)
	mustRun(t, db, "budget", "set", "acme", "--usd", "5")

	st, err := store.New(db, nil)
	require.NoError(t, err)
	require.NoError(t, st.AddSpend(context.Background(), "acme", billing.Period(time.Now()), 1.25, pricing.USD))
	require.NoError(t, st.Close())

	out := mustRun(t, db, "--json", "budget", "set", "acme", "--usd", "20", "--roles", "finance")
	var b billing.Budget
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	require.Equal(t, 1.25, b.SpendUSD)
	require.Equal(t, 20.0, *b.MonthlyLimitUSD)

	out = mustRun(t, db, "--json", "budget", "set", "acme", "--reset-spend")
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	require.Zero(t, b.SpendUSD)
	require.Equal(t, 20.0, *b.MonthlyLimitUSD)
	require.Equal(t, []string{"finance"}, b.AllowedRoles)
}

func TestBudgetSet_Conflicts(t *testing.T) {
	db := tempDB(t)
	_, err := run(t, db, "budget", "set", "acme", "--usd", "1", "--unlimited-usd")
	require.Error(t, err)

	_, err = run(t, db, "budget", "set", "acme", "--points", "-5")
	require.Error(t, err)
}

func TestBudgetShow_Unknown(t *testing.T) {
	_, err := run(t, tempDB(t), "budget", "show", "ghost")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost")
}

func TestMembers(t *testing.T) {
	db := tempDB(t)

	mustRun(t, db, "member", "add", "acme", "@alice", "--roles", "admin")
	mustRun(t, db, "member", "add", "acme", "@bob")

	out := mustRun(t, db, "--json", "member", "list", "acme")
	var members []store.Member
	require.NoError(t, json.Unmarshal([]byte(out), &members))
	require.Len(t, members, 2)
	require.Equal(t, "@alice", members[0].UserID)
	require.Equal(t, []string{"admin"}, members[0].Roles)

	mustRun(t, db, "member", "remove", "acme", "@alice")
	out = mustRun(t, db, "member", "list", "acme")
	require.NotContains(t, out, "@alice")
	require.Contains(t, out, "@bob")
}

func TestPricingLoadAndGet(t *testing.T) {
	db := tempDB(t)
	file := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
overrides:
  openai/gpt-4o: {input: 1.25, output: 5}
  poe/custom-bot: {input: 42, output: 0, currency: Points}
`), 0o644))

	out := mustRun(t, db, "pricing", "load", file)
	require.Contains(t, out, "Loaded 2 pricing overrides")

	out = mustRun(t, db, "--json", "pricing", "get", "openai", "gpt-4o")
	var rate pricing.Rate
	require.NoError(t, json.Unmarshal([]byte(out), &rate))
	require.Equal(t, pricing.Rate{Input: 1.25, Output: 5, Currency: pricing.USD}, rate)

	out = mustRun(t, db, "pricing", "get", "anthropic", "claude-3-5-haiku-latest")
	require.Contains(t, out, "input 0.8, output 4")

	out = mustRun(t, db, "pricing", "overrides")
	require.Contains(t, out, "openai/gpt-4o")
	require.Contains(t, out, "poe/custom-bot")
}

func TestPricingRefresh(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"gpt-9": {"input_cost_per_token": 1e-06, "output_cost_per_token": 2e-06, "litellm_provider": "openai"}}`))
	}))
	defer feed.Close()
	db := tempDB(t)

	out := mustRun(t, db, "pricing", "refresh", "--url", feed.URL)
	require.Contains(t, out, "Refreshed 2 rates")

	out = mustRun(t, db, "--json", "pricing", "get", "openai", "gpt-9")
	var rate pricing.Rate
	require.NoError(t, json.Unmarshal([]byte(out), &rate))
	require.InDelta(t, 1.0, rate.Input, 1e-9)
	require.InDelta(t, 2.0, rate.Output, 1e-9)
}

func seedConversation(t *testing.T, db string) {
	t.Helper()
	st, err := store.New(db, nil)
	require.NoError(t, err)
	defer st.Close()

	master, err := crypto.ParseMasterKey(testMasterKey)
	require.NoError(t, err)
	key, err := crypto.DeriveKey(master, crypto.InfoConversations)
	require.NoError(t, err)
	box, err := crypto.NewBox(key)
	require.NoError(t, err)

	convs := chat.NewConversations(st, conversation.NewStore(box, nil), store.ErrNotFound)
	scope := conversation.UserScope("@alice")
	_, err = convs.Update(context.Background(), scope, conversation.DefaultConversationID,
		func(c conversation.Conversation) conversation.Conversation {
			c = convs.Codec.AddMessage(c, conversation.RoleUser, conversation.Text("where did the money go?"), 0)
			return convs.Codec.AddMessage(c, conversation.RoleAssistant, conversation.Text("mostly lunch"), 0)
		})
	require.NoError(t, err)
}

func TestConversationCommands(t *testing.T) {
	t.Setenv("KAKEIBO_MASTER_KEY", testMasterKey)
	db := tempDB(t)
	seedConversation(t, db)

	out := mustRun(t, db, "conversation", "list", "--user", "@alice")
	require.Contains(t, out, "*")
	require.Contains(t, out, conversation.DefaultConversationID)

	out = mustRun(t, db, "conversation", "show", "--user", "@alice")
	require.Contains(t, out, "where did the money go?")
	require.Contains(t, out, "mostly lunch")

	mustRun(t, db, "conversation", "clear", "--user", "@alice")
	out = mustRun(t, db, "--json", "conversation", "show", "--user", "@alice")
	var conv conversation.Conversation
	require.NoError(t, json.Unmarshal([]byte(out), &conv))
	require.Empty(t, conv.Messages)

	out = mustRun(t, db, "conversation", "delete", "--user", "@alice")
	require.Contains(t, out, "Deleted conversation default")
	_, err := run(t, db, "conversation", "show", "--user", "@alice")
	require.ErrorIs(t, err, chat.ErrNoConversation)
}

func TestConversationCommands_RequireScope(t *testing.T) {
	t.Setenv("KAKEIBO_MASTER_KEY", testMasterKey)
	db := tempDB(t)

	_, err := run(t, db, "conversation", "show")
	require.Error(t, err)
	_, err = run(t, db, "conversation", "show", "--user", "@a", "--channel", "!b")
	require.Error(t, err)
}

func TestConversationCommands_RequireMasterKey(t *testing.T) {
	t.Setenv("KAKEIBO_MASTER_KEY", "")
	_, err := run(t, tempDB(t), "conversation", "show", "--user", "@alice")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "KAKEIBO_MASTER_KEY"))
}

func TestPromptCommands(t *testing.T) {
	db := tempDB(t)

	out := mustRun(t, db, "prompt", "show", "@alice")
	require.Contains(t, out, "default system prompt")

	mustRun(t, db, "prompt", "set", "@alice", "Answer in haiku.")
	out = mustRun(t, db, "prompt", "show", "@alice")
	require.Equal(t, "Answer in haiku.\n", out)

	out = mustRun(t, db, "--json", "prompt", "show", "@alice")
	require.Contains(t, out, `"prompt": "Answer in haiku."`)

	_, err := run(t, db, "prompt", "set", "@alice", "")
	require.Error(t, err)

	mustRun(t, db, "prompt", "clear", "@alice")
	out = mustRun(t, db, "prompt", "show", "@alice")
	require.Contains(t, out, "default system prompt")
}

func TestVersion(t *testing.T) {
	out := mustRun(t, tempDB(t), "version")
	require.True(t, strings.HasPrefix(out, "kakeibo-ctl "))
}
