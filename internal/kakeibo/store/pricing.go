package store

import (
	"context"
	"fmt"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
)

// PricingOverrides returns every persisted rate override.
func (s *Store) PricingOverrides(ctx context.Context) (map[string]pricing.Rate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, input, output, currency FROM pricing_overrides`)
	if err != nil {
		return nil, fmt.Errorf("store: list pricing overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]pricing.Rate)
	for rows.Next() {
		var (
			key      string
			r        pricing.Rate
			currency string
		)
		if err := rows.Scan(&key, &r.Input, &r.Output, &currency); err != nil {
			return nil, fmt.Errorf("store: pricing overrides scan: %w", err)
		}
		r.Currency = pricing.Currency(currency)
		out[key] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: pricing overrides rows: %w", err)
	}
	return out, nil
}

// SavePricingOverrides upserts rates in one transaction. Keys not present in
// rates are left untouched.
func (s *Store) SavePricingOverrides(ctx context.Context, rates map[string]pricing.Rate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save pricing overrides: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pricing_overrides (key, input, output, currency, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			input      = excluded.input,
			output     = excluded.output,
			currency   = excluded.currency,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("store: save pricing overrides: %w", err)
	}
	defer stmt.Close()

	ts := now()
	for key, r := range rates {
		currency := r.Currency
		if currency == "" {
			currency = pricing.USD
		}
		if _, err := stmt.ExecContext(ctx, key, r.Input, r.Output, string(currency), ts); err != nil {
			return fmt.Errorf("store: save pricing override %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save pricing overrides commit: %w", err)
	}
	return nil
}

// DeletePricingOverride removes one persisted override.
func (s *Store) DeletePricingOverride(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pricing_overrides WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete pricing override %s: %w", key, err)
	}
	return nil
}
