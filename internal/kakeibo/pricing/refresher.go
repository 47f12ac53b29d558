package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Fetcher supplies rate overrides from an external source.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]Rate, error)
}

// OverrideStore persists overrides across restarts.
type OverrideStore interface {
	PricingOverrides(ctx context.Context) (map[string]Rate, error)
	SavePricingOverrides(ctx context.Context, rates map[string]Rate) error
}

// Refresher periodically merges fetched rates into a Table. A failed fetch
// leaves the previous overrides in place.
type Refresher struct {
	Table    *Table
	Fetcher  Fetcher
	Store    OverrideStore
	Interval time.Duration
	Logger   *slog.Logger
}

// NewRefresher returns a Refresher. store may be nil. If logger is nil, the
// default slog logger is used.
func NewRefresher(table *Table, fetcher Fetcher, store OverrideStore, interval time.Duration, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		Table:    table,
		Fetcher:  fetcher,
		Store:    store,
		Interval: interval,
		Logger:   logger,
	}
}

// Restore loads persisted overrides into the table.
func (r *Refresher) Restore(ctx context.Context) (int, error) {
	if r.Store == nil {
		return 0, nil
	}
	rates, err := r.Store.PricingOverrides(ctx)
	if err != nil {
		return 0, fmt.Errorf("pricing: restore overrides: %w", err)
	}
	r.Table.LoadOverrides(rates)
	return len(rates), nil
}

// Refresh runs one fetch-merge-persist cycle and returns the number of rates
// fetched.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	rates, err := r.Fetcher.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	if len(rates) == 0 {
		return 0, nil
	}
	r.Table.LoadOverrides(rates)
	if r.Store != nil {
		if err := r.Store.SavePricingOverrides(ctx, rates); err != nil {
			return len(rates), fmt.Errorf("pricing: persist overrides: %w", err)
		}
	}
	return len(rates), nil
}

// Run restores persisted overrides, refreshes once, then refreshes every
// Interval until ctx is cancelled. A non-positive Interval disables the
// periodic refresh.
func (r *Refresher) Run(ctx context.Context) {
	if n, err := r.Restore(ctx); err != nil {
		r.Logger.Warn("pricing refresher: restore failed", "err", err)
	} else if n > 0 {
		r.Logger.Info("pricing refresher: restored overrides", "count", n)
	}
	if r.Interval <= 0 || r.Fetcher == nil {
		return
	}

	r.refresh(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	n, err := r.Refresh(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.Logger.Warn("pricing refresher: refresh failed, keeping previous rates", "err", err)
		}
		return
	}
	r.Logger.Debug("pricing refresher: rates refreshed", "count", n)
}
