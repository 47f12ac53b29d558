package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kakeibo/common/crypto"
	"github.com/bdobrica/Kakeibo/common/environment"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/billing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/chat"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/observability"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/store"
)

var timeNow = time.Now

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kakeibo-ctl",
		Short:         "Administer a Kakeibo database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("db", environment.StringOr("KAKEIBO_DATABASE_PATH", "./kakeibo.db"), "path to the SQLite database")
	cmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("json", false, "print JSON output")

	cmd.AddCommand(newBudgetCmd())
	cmd.AddCommand(newMemberCmd())
	cmd.AddCommand(newPricingCmd())
	cmd.AddCommand(newConversationCmd())
	cmd.AddCommand(newPromptCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func logger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return observability.New(cmd.ErrOrStderr(), level, "text")
}

func openStore(cmd *cobra.Command) (*store.Store, error) {
	path, _ := cmd.Flags().GetString("db")
	return store.New(path, logger(cmd))
}

// openLedger returns a ledger whose pricing table includes the persisted
// overrides.
func openLedger(cmd *cobra.Command, st *store.Store) (*billing.Ledger, *pricing.Table, error) {
	table := pricing.NewTable(pricing.DefaultCard())
	rates, err := st.PricingOverrides(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	table.LoadOverrides(rates)
	return billing.NewLedger(st, st, table, logger(cmd)), table, nil
}

// conversationService returns a chat service able to read and edit stored
// conversations. It cannot run chat turns.
func conversationService(cmd *cobra.Command, st *store.Store) (*chat.Service, error) {
	rawKey, err := environment.RequiredString("KAKEIBO_MASTER_KEY")
	if err != nil {
		return nil, err
	}
	masterKey, err := crypto.ParseMasterKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("KAKEIBO_MASTER_KEY: %w", err)
	}
	key, err := crypto.DeriveKey(masterKey, crypto.InfoConversations)
	if err != nil {
		return nil, err
	}
	box, err := crypto.NewBox(key)
	if err != nil {
		return nil, err
	}
	log := logger(cmd)
	convs := chat.NewConversations(st, conversation.NewStore(box, log), store.ErrNotFound)
	return chat.New(convs, conversation.NewRegistry(log), nil, nil, nil, chat.Config{}, log), nil
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
