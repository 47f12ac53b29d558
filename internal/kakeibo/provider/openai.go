package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
)

const maxSSELine = 1 << 20

// OpenAIConfig configures the OpenAI-compatible client.
type OpenAIConfig struct {
	// Name is reported by Provider.Name. Defaults to "openai".
	Name    string
	APIKey  string
	BaseURL string
	// Currency is the unit usage is reported in. Defaults to USD.
	Currency pricing.Currency
	// Timeout bounds the whole request including the stream. Defaults to 5m.
	Timeout time.Duration
}

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI returns an OpenAI-compatible client.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = knownBaseURLs["openai"]
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Currency == "" {
		cfg.Currency = pricing.USD
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &OpenAI{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return p.cfg.Name }

// --- wire types (subset of the OpenAI API) ---

type oaiRequest struct {
	Model         string                         `json:"model"`
	Messages      []conversation.ProviderMessage `json:"messages"`
	Stream        bool                           `json:"stream"`
	StreamOptions *oaiStreamOptions              `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
	Error *oaiError `json:"error,omitempty"`
}

type oaiUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	Cost             *float64 `json:"cost,omitempty"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// StreamChat implements Provider.
func (p *OpenAI) StreamChat(ctx context.Context, model string, msgs []conversation.ProviderMessage) (Stream, error) {
	data, err := json.Marshal(oaiRequest{
		Model:         model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &oaiStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: %s: http request: %w", p.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var wrapped struct {
			Error *oaiError `json:"error"`
		}
		if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil {
			return nil, fmt.Errorf("provider: %s: status %d: %s", p.cfg.Name, resp.StatusCode, wrapped.Error.Message)
		}
		return nil, fmt.Errorf("provider: %s: status %d: %s", p.cfg.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var promptChars int
	for _, m := range msgs {
		promptChars += len(m.Content.PlainText())
	}

	return &sseStream{
		body:        resp.Body,
		scanner:     scanner,
		currency:    p.cfg.Currency,
		promptChars: promptChars,
	}, nil
}

// sseStream reads "data:" events from a chat completion stream.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	currency    pricing.Currency
	promptChars int
	outputChars int

	usage *oaiUsage
	done  bool
}

func (s *sseStream) Recv() (string, error) {
	for !s.done {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return "", fmt.Errorf("provider: read stream: %w", err)
			}
			s.done = true
			break
		}
		line := s.scanner.Text()
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			s.done = true
			break
		}
		if payload == "" {
			continue
		}

		var chunk oaiChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("provider: decode chunk: %w", err)
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("provider: stream error %s: %s", chunk.Error.Type, chunk.Error.Message)
		}
		if chunk.Usage != nil {
			s.usage = chunk.Usage
		}
		var delta strings.Builder
		for _, c := range chunk.Choices {
			delta.WriteString(c.Delta.Content)
		}
		if delta.Len() > 0 {
			s.outputChars += delta.Len()
			return delta.String(), nil
		}
	}
	return "", io.EOF
}

// Usage returns the reported usage, or an estimate when the endpoint sent
// none.
func (s *sseStream) Usage() pricing.TokenUsage {
	u := pricing.TokenUsage{Currency: s.currency}
	if s.usage == nil {
		u.InputTokens = s.promptChars/4 + 1
		u.OutputTokens = s.outputChars / 4
		return u
	}
	u.InputTokens = s.usage.PromptTokens
	u.OutputTokens = s.usage.CompletionTokens
	if s.usage.Cost != nil {
		u.Cost = *s.usage.Cost
	}
	return u
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
