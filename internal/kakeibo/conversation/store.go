package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/Kakeibo/common/crypto"
)

// DefaultMaxHistory is the number of messages retained when no limit is given.
const DefaultMaxHistory = 50

// Store converts conversation records to and from their encrypted storage
// form and applies history eviction. It holds no conversation state; callers
// serialise access per conversation.
type Store struct {
	box    *crypto.Box
	now    func() time.Time
	Logger *slog.Logger
}

// NewStore returns a Store sealing records with box. If logger is nil, the
// default slog logger is used.
func NewStore(box *crypto.Box, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{box: box, now: time.Now, Logger: logger}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// Create returns a new, empty conversation. An empty title defaults to
// "Conversation <id>".
func (s *Store) Create(id, title string) Conversation {
	if title == "" {
		title = "Conversation " + id
	}
	now := s.timestamp()
	return Conversation{
		ID:        id,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}
}

// AddMessage appends a message stamped with the current time and keeps only
// the most recent maxHistory messages. maxHistory <= 0 means DefaultMaxHistory.
func (s *Store) AddMessage(conv Conversation, role Role, content Content, maxHistory int) Conversation {
	now := s.timestamp()
	msgs := make([]Message, 0, len(conv.Messages)+1)
	msgs = append(msgs, conv.Messages...)
	msgs = append(msgs, Message{Role: role, Content: content, Timestamp: now})
	conv.Messages = trimHistory(msgs, maxHistory)
	conv.UpdatedAt = now
	return conv
}

// ReplaceMessages swaps the message list, typically with a summarised
// memory buffer, applying the same eviction as AddMessage.
func (s *Store) ReplaceMessages(conv Conversation, msgs []Message, maxHistory int) Conversation {
	conv.Messages = trimHistory(cloneMessages(msgs), maxHistory)
	conv.UpdatedAt = s.timestamp()
	return conv
}

// ClearMessages empties the message list and keeps every other field.
func (s *Store) ClearMessages(conv Conversation) Conversation {
	conv.Messages = []Message{}
	return conv
}

// ProviderView projects conv into the messages sent to a provider. A nil
// conversation yields an empty slice.
func (s *Store) ProviderView(conv *Conversation) []ProviderMessage {
	if conv == nil {
		return []ProviderMessage{}
	}
	return ProviderView(conv.Messages)
}

// ProviderView strips timestamps from msgs, preserving order.
func ProviderView(msgs []Message) []ProviderMessage {
	out := make([]ProviderMessage, len(msgs))
	for i, m := range msgs {
		out[i] = ProviderMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// Encode seals conv. A nil conversation encodes to the absent marker: an
// empty string and ok == false.
func (s *Store) Encode(conv *Conversation) (raw string, ok bool, err error) {
	if conv == nil {
		return "", false, nil
	}
	raw, err = s.box.Seal(conv)
	if err != nil {
		return "", false, fmt.Errorf("conversation: encode %s: %w", conv.ID, err)
	}
	return raw, true, nil
}

// Decode opens a stored record. Unencrypted legacy records (plain JSON
// objects) are accepted as is. Any failure yields ok == false, which callers
// treat exactly like a missing record.
func (s *Store) Decode(raw string) (Conversation, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Conversation{}, false
	}
	if trimmed[0] == '{' {
		var conv Conversation
		if err := json.Unmarshal([]byte(trimmed), &conv); err != nil {
			s.Logger.Warn("conversation: legacy record unreadable", "err", err)
			return Conversation{}, false
		}
		return conv, true
	}
	conv, ok := crypto.Open[Conversation](s.box, trimmed)
	if !ok {
		s.Logger.Warn("conversation: record could not be decrypted")
		return Conversation{}, false
	}
	return conv, true
}

// Title returns the conversation title or def when it is empty.
func Title(conv Conversation, def string) string {
	if conv.Title != "" {
		return conv.Title
	}
	return def
}

// MessageCount returns the number of stored messages.
func MessageCount(conv Conversation) int {
	return len(conv.Messages)
}

func trimHistory(msgs []Message, maxHistory int) []Message {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if len(msgs) > maxHistory {
		msgs = msgs[len(msgs)-maxHistory:]
	}
	return msgs
}
