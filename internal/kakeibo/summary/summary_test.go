package summary_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/provider"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/summary"
)

// fakeProvider answers every prompt with a fixed reply and tracks
// concurrency.
type fakeProvider struct {
	mu      sync.Mutex
	prompts []string
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	fail    func(prompt string) bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) StreamChat(ctx context.Context, model string, msgs []conversation.ProviderMessage) (provider.Stream, error) {
	prompt := msgs[len(msgs)-1].Content.PlainText()
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)

	if f.fail != nil && f.fail(prompt) {
		return nil, errors.New("provider down")
	}
	reply := "summary-of-" + string(rune('a'+len(prompt)%26))
	if strings.HasPrefix(prompt, "Here are summaries") {
		reply = "FINAL"
	}
	return &stream{chunks: []string{reply}}, nil
}

type stream struct {
	chunks []string
}

func (s *stream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *stream) Usage() pricing.TokenUsage {
	return pricing.TokenUsage{InputTokens: 10, OutputTokens: 2, Currency: pricing.USD}
}

func (s *stream) Close() error { return nil }

func transcript(lines, width int) []conversation.Message {
	msgs := make([]conversation.Message, lines)
	for i := range msgs {
		msgs[i] = conversation.Message{Role: conversation.RoleUser, Content: conversation.Text(strings.Repeat("x", width))}
	}
	return msgs
}

func TestSummarize_SinglePass(t *testing.T) {
	p := &fakeProvider{}
	var charged atomic.Int32
	s := summary.New(p, "gpt-4o", func(context.Context, pricing.TokenUsage) error {
		charged.Add(1)
		return nil
	}, nil)

	msg, err := s.Summarize(context.Background(), transcript(3, 10))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if msg.Role != conversation.RoleSystem {
		t.Errorf("expected system role, got %q", msg.Role)
	}
	if !strings.HasPrefix(msg.Content.PlainText(), summary.SummaryPrefix) {
		t.Errorf("missing summary prefix: %q", msg.Content.PlainText())
	}
	if len(p.prompts) != 1 || charged.Load() != 1 {
		t.Fatalf("expected one call and one charge, got %d calls %d charges", len(p.prompts), charged.Load())
	}
}

func TestSummarize_MapReduce(t *testing.T) {
	p := &fakeProvider{delay: 20 * time.Millisecond}
	var charged atomic.Int32
	s := summary.New(p, "gpt-4o", func(context.Context, pricing.TokenUsage) error {
		charged.Add(1)
		return nil
	}, nil)
	s.ChunkLimit = 1000

	// 40 lines of ~110 chars each: ~4400 chars → 5 chunks.
	msg, err := s.Summarize(context.Background(), transcript(40, 100))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got := msg.Content.PlainText(); got != summary.SummaryPrefix+"FINAL" {
		t.Fatalf("unexpected summary %q", got)
	}

	calls := len(p.prompts)
	if calls < 3 {
		t.Fatalf("expected chunk calls plus a final call, got %d", calls)
	}
	last := p.prompts[calls-1]
	if !strings.HasPrefix(last, "Here are summaries") || !strings.Contains(last, "Part 1: ") {
		t.Fatalf("final prompt malformed: %q", last[:min(len(last), 80)])
	}
	if int(charged.Load()) != calls {
		t.Fatalf("expected %d charges, got %d", calls, charged.Load())
	}
	if peak := p.peak.Load(); peak > summary.DefaultMaxConcurrency {
		t.Fatalf("concurrency %d exceeded limit %d", peak, summary.DefaultMaxConcurrency)
	}
}

func TestSummarize_ChunkFailure(t *testing.T) {
	p := &fakeProvider{fail: func(prompt string) bool { return strings.HasPrefix(prompt, "Summarize the following") }}
	s := summary.New(p, "m", nil, nil)
	s.ChunkLimit = 500

	if _, err := s.Summarize(context.Background(), transcript(20, 100)); err == nil {
		t.Fatal("expected error when a chunk fails")
	}
}

func TestSummarize_ChargeFailureIsNotFatal(t *testing.T) {
	s := summary.New(&fakeProvider{}, "m", func(context.Context, pricing.TokenUsage) error {
		return errors.New("ledger offline")
	}, nil)
	if _, err := s.Summarize(context.Background(), transcript(1, 5)); err != nil {
		t.Fatalf("charge failure must not fail the summary: %v", err)
	}
}

func TestChunk(t *testing.T) {
	text := strings.Join([]string{"aaaa", "bbbb", "cccc", strings.Repeat("d", 20), "e"}, "\n")
	chunks := summary.Chunk(text, 10)
	want := []string{"aaaa\nbbbb", "cccc", strings.Repeat("d", 20), "e"}
	if len(chunks) != len(want) {
		t.Fatalf("got %q, want %q", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d: got %q, want %q", i, chunks[i], want[i])
		}
	}
	if strings.Join(chunks, "\n") != text {
		t.Fatal("chunks do not reassemble into the original text")
	}
}

func TestFlatten(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	got := summary.Flatten([]conversation.Message{
		{Role: conversation.RoleUser, Content: conversation.Text("hi"), Timestamp: ts},
		{Role: conversation.RoleAssistant, Content: conversation.Text("hello")},
	})
	want := "[2025-01-02T03:04:05Z] user: hi\nassistant: hello"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSummaryPlugsIntoMemory(t *testing.T) {
	m := conversation.NewMemory(transcript(4, 10))
	s := summary.New(&fakeProvider{}, "m", nil, nil)
	if !m.ProcessSummary(context.Background(), s.Summarize) {
		t.Fatal("expected memory to accept the summary")
	}
	if m.Len() != 1 {
		t.Fatalf("expected one message after summary, got %d", m.Len())
	}
}
