package provider

import (
	"context"
	"io"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
)

const echoChunkSize = 350

// Echo is an offline provider that answers with the latest user prompt.
// It lets the service run without credentials.
type Echo struct{}

// NewEcho returns an Echo provider.
func NewEcho() *Echo { return &Echo{} }

// Name implements Provider.
func (*Echo) Name() string { return "echo" }

// StreamChat implements Provider.
func (*Echo) StreamChat(ctx context.Context, model string, msgs []conversation.ProviderMessage) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prompt := latestUserPrompt(msgs)
	if prompt == "" {
		prompt = "No user content detected."
	}
	text := "[" + model + "] " + prompt

	var input int
	for _, m := range msgs {
		input += estimateTokens(m.Content.PlainText())
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > echoChunkSize {
		chunks = append(chunks, string(runes[:echoChunkSize]))
		runes = runes[echoChunkSize:]
	}
	chunks = append(chunks, string(runes))

	return &sliceStream{
		ctx:    ctx,
		chunks: chunks,
		usage: pricing.TokenUsage{
			InputTokens:  input,
			OutputTokens: estimateTokens(prompt),
			Currency:     pricing.USD,
		},
	}, nil
}

func latestUserPrompt(msgs []conversation.ProviderMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleUser {
			return msgs[i].Content.PlainText()
		}
	}
	return ""
}

// sliceStream replays precomputed chunks.
type sliceStream struct {
	ctx    context.Context
	chunks []string
	next   int
	usage  pricing.TokenUsage
}

func (s *sliceStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.next >= len(s.chunks) {
		return "", io.EOF
	}
	c := s.chunks[s.next]
	s.next++
	return c, nil
}

func (s *sliceStream) Usage() pricing.TokenUsage { return s.usage }

func (s *sliceStream) Close() error { return nil }
