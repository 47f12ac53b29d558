package app

import (
	"fmt"
	"time"

	"github.com/bdobrica/Kakeibo/common/crypto"
	"github.com/bdobrica/Kakeibo/common/environment"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/provider"
)

// DefaultRateLimit is the number of chat requests a requester may make per
// minute when KAKEIBO_RATE_LIMIT is unset.
const DefaultRateLimit = 20

// Config holds application configuration.
type Config struct {
	DatabasePath string
	MasterKey    []byte
	// HTTPAddr is the listen address of the API server. Empty disables it.
	HTTPAddr string

	Provider     provider.Config
	DefaultModel string
	SystemPrompt string
	// MaxHistory bounds the persisted history of each conversation.
	MaxHistory int

	// IdleSweep is how often idle conversations are looked for. Zero
	// disables the sweep.
	IdleSweep time.Duration
	// UserIdleAfter and ChannelIdleAfter are how long direct-message and
	// channel conversations may sit untouched before they are cleared.
	UserIdleAfter    time.Duration
	ChannelIdleAfter time.Duration

	// PricingFeedURL is the dynamic pricing feed. Empty disables fetching.
	PricingFeedURL string
	// PricingRefresh is the feed polling interval. Zero restores persisted
	// overrides once and never fetches.
	PricingRefresh time.Duration
	// PointProviders overrides the rate card's point-denominated providers.
	PointProviders []string

	// RateLimit is the number of chat requests per requester per minute.
	RateLimit int

	LogLevel  string
	LogFormat string
}

// LoadConfig reads the configuration from KAKEIBO_* environment variables.
func LoadConfig() (*Config, error) {
	rawKey, err := environment.RequiredString("KAKEIBO_MASTER_KEY")
	if err != nil {
		return nil, fmt.Errorf("%w (generate one with: openssl rand -hex 32)", err)
	}
	masterKey, err := crypto.ParseMasterKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("KAKEIBO_MASTER_KEY: %w", err)
	}

	return &Config{
		DatabasePath: environment.StringOr("KAKEIBO_DATABASE_PATH", "./kakeibo.db"),
		MasterKey:    masterKey,
		HTTPAddr:     environment.StringOr("KAKEIBO_HTTP_ADDR", ":8080"),
		Provider: provider.Config{
			Name:    environment.StringOr("KAKEIBO_PROVIDER", "echo"),
			APIKey:  environment.StringOr("KAKEIBO_PROVIDER_API_KEY", ""),
			BaseURL: environment.StringOr("KAKEIBO_PROVIDER_BASE_URL", ""),
		},
		DefaultModel:     environment.StringOr("KAKEIBO_DEFAULT_MODEL", "gpt-4o"),
		SystemPrompt:     environment.StringOr("KAKEIBO_SYSTEM_PROMPT", ""),
		MaxHistory:       environment.IntOr("KAKEIBO_MAX_HISTORY", conversation.DefaultMaxHistory),
		IdleSweep:        environment.DurationOr("KAKEIBO_IDLE_SWEEP", 5*time.Minute),
		UserIdleAfter:    environment.DurationOr("KAKEIBO_USER_IDLE_AFTER", 2*time.Hour),
		ChannelIdleAfter: environment.DurationOr("KAKEIBO_CHANNEL_IDLE_AFTER", 48*time.Hour),
		PricingFeedURL:   environment.StringOr("KAKEIBO_PRICING_FEED_URL", pricing.DefaultFeedURL),
		PricingRefresh:   environment.DurationOr("KAKEIBO_PRICING_REFRESH", 24*time.Hour),
		PointProviders:   environment.StringSliceOr("KAKEIBO_POINT_PROVIDERS", nil),
		RateLimit:        environment.IntOr("KAKEIBO_RATE_LIMIT", DefaultRateLimit),
		LogLevel:         environment.StringOr("KAKEIBO_LOG_LEVEL", "info"),
		LogFormat:        environment.StringOr("KAKEIBO_LOG_FORMAT", "text"),
	}, nil
}
