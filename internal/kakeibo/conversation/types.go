// Package conversation holds per-conversation message state: the in-process
// Memory buffer with its summarisation protocol, and the Store that turns
// conversation records into encrypted storage form.
package conversation

import (
	"fmt"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single entry in a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the persisted record for one conversation. It belongs to
// exactly one Scope.
type Conversation struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Messages          []Message      `json:"messages"`
	Model             string         `json:"model,omitempty"`
	OptimizerSettings map[string]any `json:"optimizer_settings,omitempty"`
}

// ProviderMessage is the provider-facing projection of a Message.
type ProviderMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// ScopeKind distinguishes user-owned from channel-owned storage.
type ScopeKind string

const (
	ScopeUser    ScopeKind = "user"
	ScopeChannel ScopeKind = "channel"
)

// DefaultConversationID is the conversation used by channel scopes, which
// hold a single shared conversation.
const DefaultConversationID = "default"

// Scope is a storage partition for conversations.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// UserScope returns the scope owning a user's direct conversations.
func UserScope(userID string) Scope { return Scope{Kind: ScopeUser, ID: userID} }

// ChannelScope returns the scope owning a channel or thread conversation.
func ChannelScope(channelID string) Scope { return Scope{Kind: ScopeChannel, ID: channelID} }

// String returns the scope key, e.g. "user:42".
func (s Scope) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// Key identifies one conversation within one scope. Keys are compared
// field by field, so IDs containing separators never alias each other.
type Key struct {
	Scope          Scope
	ConversationID string
}

// MemoryKey returns the Registry key for a conversation within a scope.
func MemoryKey(s Scope, conversationID string) Key {
	return Key{Scope: s, ConversationID: conversationID}
}

// String renders the key for logs, e.g. `user:42/"c1"`.
func (k Key) String() string {
	return fmt.Sprintf("%s/%q", k.Scope, k.ConversationID)
}
