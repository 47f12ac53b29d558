// Package summary condenses conversation history with the configured
// provider. Long transcripts are summarised map-reduce style: split into
// chunks, summarised concurrently, then synthesised into one summary.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/provider"
)

const (
	// DefaultChunkLimit is the transcript length, in characters, above which
	// map-reduce is used.
	DefaultChunkLimit = 12000
	// DefaultMaxConcurrency bounds concurrent chunk summaries.
	DefaultMaxConcurrency = 3

	// SummaryPrefix starts every summary message.
	SummaryPrefix = "Summary of the earlier conversation:\n"

	singlePrompt = "Please provide a comprehensive summary of the conversation below. " +
		"Identify the dominant language and write the summary in that language.\n\n"
	chunkPrompt = "Summarize the following conversation segment concisely. " +
		"Capture key points and decisions.\n\n"
	finalPrompt = "Here are summaries of a long conversation split into parts. " +
		"Synthesize them into a single coherent, comprehensive summary. " +
		"Identify the dominant language and write the summary in that language.\n\n"
)

// ChargeFunc bills the usage of one provider call.
type ChargeFunc func(ctx context.Context, usage pricing.TokenUsage) error

// Summarizer produces summaries with a provider.
type Summarizer struct {
	Provider       provider.Provider
	Model          string
	Charge         ChargeFunc
	ChunkLimit     int
	MaxConcurrency int
	Logger         *slog.Logger
}

// New returns a Summarizer using model on p. charge may be nil. If logger is
// nil, the default slog logger is used.
func New(p provider.Provider, model string, charge ChargeFunc, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		Provider:       p,
		Model:          model,
		Charge:         charge,
		ChunkLimit:     DefaultChunkLimit,
		MaxConcurrency: DefaultMaxConcurrency,
		Logger:         logger,
	}
}

// Summarize condenses msgs into one system message. Its signature matches
// conversation.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, msgs []conversation.Message) (conversation.Message, error) {
	text, err := s.SummarizeText(ctx, Flatten(msgs))
	if err != nil {
		return conversation.Message{}, err
	}
	return conversation.Message{
		Role:      conversation.RoleSystem,
		Content:   conversation.Text(SummaryPrefix + text),
		Timestamp: time.Now().UTC(),
	}, nil
}

// SummarizeText summarises a transcript, using map-reduce when it exceeds
// the chunk limit.
func (s *Summarizer) SummarizeText(ctx context.Context, transcript string) (string, error) {
	limit := s.ChunkLimit
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	if len(transcript) <= limit {
		return s.complete(ctx, singlePrompt+transcript)
	}

	chunks := Chunk(transcript, limit)
	s.Logger.Info("summary: transcript split", "chars", len(transcript), "chunks", len(chunks))

	workers := s.MaxConcurrency
	if workers <= 0 {
		workers = DefaultMaxConcurrency
	}
	parts := make([]string, len(chunks))
	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithMaxGoroutines(workers)
	for i, c := range chunks {
		p.Go(func(ctx context.Context) error {
			part, err := s.complete(ctx, chunkPrompt+c)
			parts[i] = part
			return err
		})
	}
	err := p.Wait()
	if err != nil {
		return "", fmt.Errorf("summary: summarise chunks: %w", err)
	}

	var combined strings.Builder
	for i, part := range parts {
		if i > 0 {
			combined.WriteString("\n\n")
		}
		fmt.Fprintf(&combined, "Part %d: %s", i+1, part)
	}
	return s.complete(ctx, finalPrompt+combined.String())
}

func (s *Summarizer) complete(ctx context.Context, prompt string) (string, error) {
	stream, err := s.Provider.StreamChat(ctx, s.Model, []conversation.ProviderMessage{
		{Role: conversation.RoleUser, Content: conversation.Text(prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("summary: %w", err)
	}
	text, usage, err := provider.Collect(stream)
	if err != nil {
		return "", fmt.Errorf("summary: %w", err)
	}
	if s.Charge != nil {
		if err := s.Charge(ctx, usage); err != nil {
			s.Logger.Warn("summary: charge failed", "model", s.Model, "err", err)
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("summary: %s returned an empty summary", s.Provider.Name())
	}
	return text, nil
}

// Flatten renders msgs as a line-per-message transcript.
func Flatten(msgs []conversation.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ts := ""
		if !m.Timestamp.IsZero() {
			ts = "[" + m.Timestamp.UTC().Format(time.RFC3339) + "] "
		}
		lines = append(lines, ts+string(m.Role)+": "+m.Content.PlainText())
	}
	return strings.Join(lines, "\n")
}

// Chunk splits text on line boundaries into pieces of at most limit
// characters. A single line longer than limit becomes its own chunk.
func Chunk(text string, limit int) []string {
	var (
		chunks  []string
		current []string
		size    int
	)
	for _, line := range strings.Split(text, "\n") {
		n := len(line) + 1
		if size+n > limit && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current, size = nil, 0
		}
		current = append(current, line)
		size += n
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return chunks
}
