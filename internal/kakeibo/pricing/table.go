// Package pricing resolves per-token rates for (provider, model) pairs and
// prices completed requests.
package pricing

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// Currency is the unit a budget counter is kept in.
type Currency string

const (
	USD    Currency = "USD"
	Points Currency = "Points"
)

// Rate is the price of a million input and output tokens.
type Rate struct {
	Input    float64  `json:"input" yaml:"input"`
	Output   float64  `json:"output" yaml:"output"`
	Currency Currency `json:"currency" yaml:"currency"`
}

// TokenUsage is the usage reported for one completed provider call.
type TokenUsage struct {
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	Cost         float64  `json:"cost"`
	Currency     Currency `json:"currency"`
}

// Table is the static rate card plus a set of overrides. Lookups never fail;
// unknown models resolve to a provider default.
//
// Readers never block: overrides are replaced copy-on-write.
type Table struct {
	static         []Entry
	staticIndex    map[string]int
	pointProviders map[string]bool
	pointDefault   float64

	writeMu   sync.Mutex
	overrides atomic.Pointer[map[string]Rate]
}

// NewTable builds a Table from card. Keys are matched case-insensitively.
func NewTable(card Card) *Table {
	t := &Table{
		static:         make([]Entry, 0, len(card.Rates)),
		staticIndex:    make(map[string]int, len(card.Rates)),
		pointProviders: make(map[string]bool, len(card.PointProviders)),
		pointDefault:   card.PointDefault,
	}
	for _, e := range card.Rates {
		e.Key = strings.ToLower(e.Key)
		if _, dup := t.staticIndex[e.Key]; dup {
			continue
		}
		t.staticIndex[e.Key] = len(t.static)
		t.static = append(t.static, e)
	}
	for _, p := range card.PointProviders {
		t.pointProviders[strings.ToLower(p)] = true
	}
	empty := map[string]Rate{}
	t.overrides.Store(&empty)
	return t
}

// Key returns the lookup key for provider and model.
func Key(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// PointProvider reports whether provider is billed in points.
func (t *Table) PointProvider(provider string) bool {
	return t.pointProviders[strings.ToLower(provider)]
}

// CurrencyFor returns the currency requests to provider are budgeted in.
func (t *Table) CurrencyFor(provider string) Currency {
	if t.PointProvider(provider) {
		return Points
	}
	return USD
}

// Get returns the rate for provider and model. Resolution order:
//
//  1. an override for the exact provider/model key;
//  2. the static card entry for that key;
//  3. the first static entry, in card order, whose model part equals model;
//  4. the provider default.
//
// Static hits are priced in the requested provider's currency.
func (t *Table) Get(provider, model string) Rate {
	key := Key(provider, model)
	if r, ok := (*t.overrides.Load())[key]; ok {
		return r
	}

	currency := t.CurrencyFor(provider)
	if i, ok := t.staticIndex[key]; ok {
		e := t.static[i]
		return Rate{Input: e.Input, Output: e.Output, Currency: currency}
	}

	m := strings.ToLower(model)
	for _, e := range t.static {
		if _, entryModel, _ := strings.Cut(e.Key, "/"); entryModel == m {
			return Rate{Input: e.Input, Output: e.Output, Currency: currency}
		}
	}

	if currency == Points {
		return Rate{Input: t.pointDefault, Output: 0, Currency: Points}
	}
	return Rate{Currency: USD}
}

// LoadOverrides merges rates into the override set, last write wins per key.
// Keys are "provider/model" and are lower-cased; values are not validated.
func (t *Table) LoadOverrides(rates map[string]Rate) {
	if len(rates) == 0 {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	cur := *t.overrides.Load()
	next := make(map[string]Rate, len(cur)+len(rates))
	for k, v := range cur {
		next[k] = v
	}
	for k, v := range rates {
		next[strings.ToLower(k)] = v
	}
	t.overrides.Store(&next)
}

// UpdateRate sets a single override.
func (t *Table) UpdateRate(provider, model string, rate Rate) {
	if rate.Currency == "" {
		rate.Currency = USD
	}
	t.LoadOverrides(map[string]Rate{Key(provider, model): rate})
}

// Overrides returns a copy of the current override set.
func (t *Table) Overrides() map[string]Rate {
	cur := *t.overrides.Load()
	out := make(map[string]Rate, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// CalculateCost prices usage. A points-denominated usage that already
// carries a cost is returned unchanged. Otherwise the cost is computed from
// the resolved per-million rates and rounded to six decimal places; when the
// rate is in points, usage.Currency is switched to Points.
func (t *Table) CalculateCost(provider, model string, usage *TokenUsage) float64 {
	if usage.Currency == Points && usage.Cost > 0 {
		return usage.Cost
	}

	rate := t.Get(provider, model)
	if rate.Currency == Points {
		usage.Currency = Points
	}

	cost := float64(usage.InputTokens)/1_000_000*rate.Input +
		float64(usage.OutputTokens)/1_000_000*rate.Output
	return math.Round(cost*1e6) / 1e6
}
