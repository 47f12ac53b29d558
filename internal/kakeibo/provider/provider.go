// Package provider defines the streaming chat client interface and its
// implementations: an OpenAI-compatible HTTP client and an offline echo
// client.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
)

// Provider streams chat completions.
type Provider interface {
	// Name is the provider key used for pricing lookups, e.g. "openai".
	Name() string
	// StreamChat starts a completion for model over msgs.
	StreamChat(ctx context.Context, model string, msgs []conversation.ProviderMessage) (Stream, error)
}

// Stream is a two-phase iterator over a completion. Recv yields content
// deltas until it returns io.EOF; after that Usage returns the single usage
// record for the call. Close releases the underlying connection and may be
// called at any point.
type Stream interface {
	Recv() (string, error)
	Usage() pricing.TokenUsage
	Close() error
}

// Collect drains s and returns the concatenated content and the usage
// record. s is closed.
func Collect(s Stream) (string, pricing.TokenUsage, error) {
	defer s.Close()
	var b strings.Builder
	for {
		delta, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), s.Usage(), nil
		}
		if err != nil {
			return b.String(), pricing.TokenUsage{}, err
		}
		b.WriteString(delta)
	}
}

// Config selects and configures a provider.
type Config struct {
	// Name is "echo" or the name of an OpenAI-compatible provider.
	Name    string
	APIKey  string
	BaseURL string
	// Currency is the unit the provider bills in.
	Currency pricing.Currency
}

// New returns the provider described by cfg.
func New(cfg Config) (Provider, error) {
	switch name := strings.ToLower(cfg.Name); name {
	case "", "echo":
		return NewEcho(), nil
	default:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("provider: %s: API key is required", name)
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = knownBaseURLs[name]
		}
		if baseURL == "" {
			return nil, fmt.Errorf("provider: %s: base URL is required", name)
		}
		return NewOpenAI(OpenAIConfig{
			Name:     name,
			APIKey:   cfg.APIKey,
			BaseURL:  baseURL,
			Currency: cfg.Currency,
		}), nil
	}
}

var knownBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"poe":        "https://api.poe.com/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

// estimateTokens approximates a token count at four characters per token.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}
