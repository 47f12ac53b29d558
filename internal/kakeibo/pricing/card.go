package pricing

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed ratecard.yaml
var defaultCardYAML []byte

// Entry is one static rate card line: per-million-token prices for a
// "provider/model" key.
type Entry struct {
	Key    string  `yaml:"key"`
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Card is the static rate card document.
type Card struct {
	// PointProviders lists providers billed in points rather than USD.
	PointProviders []string `yaml:"point_providers"`
	// PointDefault is the input rate assumed for unknown models of a
	// point-denominated provider.
	PointDefault float64 `yaml:"point_default"`
	Rates        []Entry `yaml:"rates"`
}

// ParseCard decodes a rate card YAML document.
func ParseCard(data []byte) (Card, error) {
	var c Card
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Card{}, fmt.Errorf("pricing: parse rate card: %w", err)
	}
	for i, e := range c.Rates {
		if _, _, ok := strings.Cut(e.Key, "/"); !ok {
			return Card{}, fmt.Errorf("pricing: rate card entry %d: key %q is not provider/model", i, e.Key)
		}
	}
	return c, nil
}

// DefaultCard returns the embedded rate card.
func DefaultCard() Card {
	c, err := ParseCard(defaultCardYAML)
	if err != nil {
		panic(err)
	}
	return c
}

type overrideFile struct {
	Overrides map[string]Rate `yaml:"overrides"`
}

// ParseOverrides decodes an override document of the form
//
//	overrides:
//	  openai/gpt-4o: {input: 2.5, output: 10, currency: USD}
//
// Missing currencies default to USD.
func ParseOverrides(data []byte) (map[string]Rate, error) {
	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("pricing: parse overrides: %w", err)
	}
	out := make(map[string]Rate, len(f.Overrides))
	for k, r := range f.Overrides {
		if r.Currency == "" {
			r.Currency = USD
		}
		out[k] = r
	}
	return out, nil
}
