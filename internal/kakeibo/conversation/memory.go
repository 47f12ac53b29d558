package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Summarizer condenses a snapshot of messages into a single message.
// It may be slow and may itself write to the Memory it was called from.
type Summarizer func(ctx context.Context, snapshot []Message) (Message, error)

// Memory is the in-process message buffer for one conversation.
// It is safe for concurrent use; each Memory has its own lock.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	// trimmed counts messages ever evicted from the front by Trim.
	trimmed int

	key    Key
	logger *slog.Logger
}

// NewMemory returns a Memory seeded with a copy of initial.
func NewMemory(initial []Message) *Memory {
	return &Memory{messages: cloneMessages(initial)}
}

// Add appends msg to the buffer.
func (m *Memory) Add(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

// Messages returns a copy of the buffer. Mutating the result does not affect
// the Memory.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMessages(m.messages)
}

// Len returns the number of buffered messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Clear empties the buffer.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Trim evicts the oldest messages so that at most limit remain, and returns
// how many were evicted. A non-positive limit keeps everything.
func (m *Memory) Trim(limit int) int {
	if limit <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	over := len(m.messages) - limit
	if over <= 0 {
		return 0
	}
	m.messages = cloneMessages(m.messages[over:])
	m.trimmed += over
	return over
}

// ProcessSummary replaces the current buffer contents with a single summary
// produced by summarize. The lock is not held while summarize runs, so other
// writers proceed concurrently:
//
//   - messages appended while summarize runs are kept after the summary;
//   - snapshot messages evicted by Trim meanwhile are not counted twice, and
//     once all of them are evicted the summary is discarded;
//   - if the buffer shrank meanwhile (e.g. it was cleared), the summary is
//     discarded and the buffer is left as is.
//
// It reports whether the buffer was replaced. Failures, panics included, are
// logged, never returned.
func (m *Memory) ProcessSummary(ctx context.Context, summarize Summarizer) bool {
	m.mu.Lock()
	snapshot := cloneMessages(m.messages)
	trimmed := m.trimmed
	m.mu.Unlock()

	n := len(snapshot)
	if n == 0 {
		return false
	}

	summary, err := callSummarizer(ctx, summarize, snapshot)
	if err != nil {
		m.log().Error("memory: summarisation failed",
			"conversation", m.key.String(), "messages", n, "err", err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Snapshot messages still at the front of the buffer. None left means the
	// summary only covers evicted history.
	kept := max(n-(m.trimmed-trimmed), 0)
	current := len(m.messages)
	if kept == 0 || current < kept {
		m.log().Warn("memory: buffer shrank during summarisation, discarding summary",
			"conversation", m.key.String(), "snapshot", n, "current", current)
		return false
	}

	merged := make([]Message, 0, 1+current-kept)
	merged = append(merged, summary)
	merged = append(merged, m.messages[kept:]...)
	m.messages = merged

	m.log().Debug("memory: summary merged",
		"conversation", m.key.String(), "summarised", n, "kept", current-kept)
	return true
}

func callSummarizer(ctx context.Context, summarize Summarizer, snapshot []Message) (msg Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("summarizer panicked: %v", r)
		}
	}()
	return summarize(ctx, snapshot)
}

func (m *Memory) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

func cloneMessages(in []Message) []Message {
	if len(in) == 0 {
		return []Message{}
	}
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
