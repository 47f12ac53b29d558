// Package app wires the Kakeibo service together and runs it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/bdobrica/Kakeibo/common/crypto"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/billing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/chat"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/provider"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/store"
)

const (
	limiterPruneInterval = 10 * time.Minute
	limiterIdle          = 30 * time.Minute
)

// App is the running Kakeibo service.
type App struct {
	config    *Config
	store     *store.Store
	pricing   *pricing.Table
	ledger    *billing.Ledger
	chat      *chat.Service
	refresher *pricing.Refresher
	server    *Server
	logger    *slog.Logger
}

// New opens the database and builds every component. If logger is nil, the
// default slog logger is used.
func New(cfg *Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	convKey, err := crypto.DeriveKey(cfg.MasterKey, crypto.InfoConversations)
	if err != nil {
		return nil, fmt.Errorf("app: derive conversation key: %w", err)
	}
	box, err := crypto.NewBox(convKey)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	card := pricing.DefaultCard()
	if len(cfg.PointProviders) > 0 {
		card.PointProviders = cfg.PointProviders
	}
	table := pricing.NewTable(card)

	pcfg := cfg.Provider
	if pcfg.Currency == "" {
		pcfg.Currency = table.CurrencyFor(pcfg.Name)
	}
	p, err := provider.New(pcfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	st, err := store.New(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	ledger := billing.NewLedger(st, st, table, logger)
	convs := chat.NewConversations(st, conversation.NewStore(box, logger), store.ErrNotFound)
	svc := chat.New(convs, conversation.NewRegistry(logger), ledger, table, p, chat.Config{
		DefaultModel:     cfg.DefaultModel,
		MaxHistory:       cfg.MaxHistory,
		SystemPrompt:     cfg.SystemPrompt,
		UserIdleAfter:    cfg.UserIdleAfter,
		ChannelIdleAfter: cfg.ChannelIdleAfter,
	}, logger)

	a := &App{
		config:  cfg,
		store:   st,
		pricing: table,
		ledger:  ledger,
		chat:    svc,
		logger:  logger,
	}

	var fetcher pricing.Fetcher
	if cfg.PricingFeedURL != "" {
		feed, err := pricing.NewFeed(cfg.PricingFeedURL, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		fetcher = feed
	}
	a.refresher = pricing.NewRefresher(table, fetcher, st, cfg.PricingRefresh, logger)

	if cfg.HTTPAddr != "" {
		a.server = NewServer(cfg.HTTPAddr, svc, st, cfg.RateLimit, logger)
	}

	logger.Info("app: initialised",
		"provider", p.Name(),
		"currency", pcfg.Currency,
		"default_model", cfg.DefaultModel,
		"database", cfg.DatabasePath,
	)
	return a, nil
}

// Chat returns the chat service.
func (a *App) Chat() *chat.Service { return a.chat }

// Ledger returns the billing ledger.
func (a *App) Ledger() *billing.Ledger { return a.ledger }

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives. ready, if
// non-nil, receives the API listen address once the server is up.
func (a *App) Run(ctx context.Context, ready func(net.Addr)) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.server != nil {
		addr, err := a.server.Start(ctx)
		if err != nil {
			return err
		}
		if ready != nil {
			ready(addr)
		}
	}

	var wg conc.WaitGroup
	wg.Go(func() { a.refresher.Run(ctx) })
	if a.server != nil {
		wg.Go(func() { a.pruneLimiters(ctx) })
	}
	if a.config.IdleSweep > 0 {
		wg.Go(func() { a.clearIdle(ctx) })
	}

	<-ctx.Done()
	a.logger.Info("app: shutting down")
	wg.Wait()
	return nil
}

func (a *App) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.server.PruneLimiters(limiterIdle); n > 0 {
				a.logger.Debug("app: pruned idle rate limiters", "count", n)
			}
		}
	}
}

func (a *App) clearIdle(ctx context.Context) {
	ticker := time.NewTicker(a.config.IdleSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.chat.ClearIdle(ctx)
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("app: idle sweep incomplete", "cleared", n, "err", err)
			} else if n > 0 {
				a.logger.Info("app: cleared idle conversations", "count", n)
			}
		}
	}
}

// Stop releases the database. Call it after Run returns.
func (a *App) Stop() {
	if a.server != nil {
		a.server.Stop()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("app: close store", "err", err)
	}
}
