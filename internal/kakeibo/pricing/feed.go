package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Kakeibo/common/retry"
)

// DefaultFeedURL is the community-maintained LiteLLM price list.
const DefaultFeedURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

// maxFeedBytes bounds the feed download.
const maxFeedBytes = 32 << 20

const feedSchemaURL = "kakeibo://pricing/litellm-feed.json"

// feedSchema accepts the LiteLLM document: an object keyed by model name.
// Only the fields used for pricing are constrained.
const feedSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {
    "properties": {
      "input_cost_per_token":  {"type": ["number", "string", "null"]},
      "output_cost_per_token": {"type": ["number", "string", "null"]},
      "litellm_provider":      {"type": "string"}
    }
  }
}`

// errStatus marks a non-2xx feed response.
type errStatus struct{ code int }

func (e errStatus) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// Feed fetches rate overrides from a LiteLLM-format price list.
type Feed struct {
	URL        string
	HTTPClient *http.Client
	Retry      retry.Config
	Logger     *slog.Logger

	schema *jsonschema.Schema
}

// NewFeed returns a Feed for url (DefaultFeedURL when empty).
func NewFeed(url string, logger *slog.Logger) (*Feed, error) {
	if url == "" {
		url = DefaultFeedURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := jsonschema.CompileString(feedSchemaURL, feedSchema)
	if err != nil {
		return nil, fmt.Errorf("pricing: compile feed schema: %w", err)
	}
	return &Feed{
		URL:        url,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Retry:      retry.DefaultConfig,
		Logger:     logger,
		schema:     schema,
	}, nil
}

// Fetch downloads and parses the feed. Transport failures and 5xx/429
// responses are retried; a malformed document is not.
func (f *Feed) Fetch(ctx context.Context) (map[string]Rate, error) {
	var body []byte
	cfg := f.Retry
	cfg.ShouldRetry = retryable
	err := retry.Do(ctx, cfg, func() error {
		var err error
		body, err = f.download(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pricing: fetch feed: %w", err)
	}
	rates, err := f.Parse(body)
	if err != nil {
		return nil, err
	}
	f.Logger.Info("pricing: feed fetched", "entries", len(rates))
	return rates, nil
}

func (f *Feed) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errStatus{code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
}

func retryable(err error) bool {
	var s errStatus
	if errors.As(err, &s) {
		return s.code == http.StatusTooManyRequests || s.code >= 500
	}
	return true
}

// Parse validates a feed document and converts it to overrides. Per-token
// costs become per-million rates. Each model is emitted under its feed key
// and, when the feed names a provider and the key is unprefixed, under
// "<provider>/<model>" as well. Entries without both costs are skipped.
func (f *Feed) Parse(body []byte) (map[string]Rate, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("pricing: decode feed: %w", err)
	}
	if err := f.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("pricing: invalid feed: %w", err)
	}

	rates := make(map[string]Rate)
	for model, raw := range doc.(map[string]any) {
		details, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		in, okIn := perMillion(details["input_cost_per_token"])
		out, okOut := perMillion(details["output_cost_per_token"])
		if !okIn || !okOut {
			continue
		}
		r := Rate{Input: in, Output: out, Currency: USD}
		rates[strings.ToLower(model)] = r
		if p, _ := details["litellm_provider"].(string); p != "" && !strings.Contains(model, "/") {
			rates[Key(p, model)] = r
		}
	}
	return rates, nil
}

func perMillion(v any) (float64, bool) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = strings.TrimSpace(x)
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f * 1_000_000, true
}
