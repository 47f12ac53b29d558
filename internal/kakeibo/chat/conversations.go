package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
)

// KV is the durable scoped key/value store conversations live in.
type KV interface {
	Get(ctx context.Context, scope, field string) (string, error)
	Set(ctx context.Context, scope, field, value string) error
	Delete(ctx context.Context, scope, field string) error
	Fields(ctx context.Context, scope, prefix string) ([]string, error)
	// Scopes lists the scopes holding at least one field, in name order,
	// restricted to names starting with prefix.
	Scopes(ctx context.Context, prefix string) ([]string, error)
}

// ErrNotFound must be returned by KV.Get for missing records.
var ErrNotFound = errors.New("chat: not found")

// ErrNoConversation is returned when an explicitly named conversation does
// not exist.
var ErrNoConversation = errors.New("chat: conversation not found")

const (
	conversationPrefix = "conversation/"
	activeField        = "active_conversation"
	systemPromptField  = "system_prompt"
)

func conversationField(id string) string { return conversationPrefix + id }

// Conversations persists conversation records under their scope. Records
// are sealed by Codec before they are written.
type Conversations struct {
	KV    KV
	Codec *conversation.Store
	// NotFound is the KV's missing-record error, matched with errors.Is.
	NotFound error

	mu    sync.Mutex
	locks map[conversation.Key]*recordLock
}

// recordLock is dropped from the lock table once nobody holds or waits for it.
type recordLock struct {
	mu   sync.Mutex
	refs int
}

// NewConversations returns a Conversations over kv. notFound is the error
// kv.Get returns for missing records.
func NewConversations(kv KV, codec *conversation.Store, notFound error) *Conversations {
	if notFound == nil {
		notFound = ErrNotFound
	}
	return &Conversations{
		KV:       kv,
		Codec:    codec,
		NotFound: notFound,
		locks:    map[conversation.Key]*recordLock{},
	}
}

// lock serialises read-modify-write cycles on one conversation record.
func (c *Conversations) lock(scope conversation.Scope, id string) func() {
	key := conversation.MemoryKey(scope, id)

	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &recordLock{}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

// heldLocks returns the number of records currently locked or waited on.
func (c *Conversations) heldLocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

// Load returns the stored conversation. ok is false when it is missing or
// unreadable.
func (c *Conversations) Load(ctx context.Context, scope conversation.Scope, id string) (conversation.Conversation, bool, error) {
	raw, err := c.KV.Get(ctx, scope.String(), conversationField(id))
	if errors.Is(err, c.NotFound) {
		return conversation.Conversation{}, false, nil
	}
	if err != nil {
		return conversation.Conversation{}, false, fmt.Errorf("chat: load conversation %s: %w", id, err)
	}
	conv, ok := c.Codec.Decode(raw)
	return conv, ok, nil
}

// LoadOrCreate returns the stored conversation, or a new empty one when none
// is readable. New conversations are not saved until Save is called.
func (c *Conversations) LoadOrCreate(ctx context.Context, scope conversation.Scope, id string) (conversation.Conversation, error) {
	conv, ok, err := c.Load(ctx, scope, id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if !ok {
		return c.Codec.Create(id, ""), nil
	}
	return conv, nil
}

// Save seals and writes conv.
func (c *Conversations) Save(ctx context.Context, scope conversation.Scope, conv conversation.Conversation) error {
	raw, _, err := c.Codec.Encode(&conv)
	if err != nil {
		return err
	}
	if err := c.KV.Set(ctx, scope.String(), conversationField(conv.ID), raw); err != nil {
		return fmt.Errorf("chat: save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Update applies fn to the conversation under its record lock and saves the
// result.
func (c *Conversations) Update(ctx context.Context, scope conversation.Scope, id string, fn func(conversation.Conversation) conversation.Conversation) (conversation.Conversation, error) {
	conv, _, err := c.UpdateIf(ctx, scope, id, func(conv conversation.Conversation) (conversation.Conversation, bool) {
		return fn(conv), true
	})
	return conv, err
}

// UpdateIf is Update for changes that may turn out unnecessary: the result
// is saved only when fn reports a change. saved tells whether it was.
func (c *Conversations) UpdateIf(ctx context.Context, scope conversation.Scope, id string, fn func(conversation.Conversation) (conversation.Conversation, bool)) (conv conversation.Conversation, saved bool, err error) {
	unlock := c.lock(scope, id)
	defer unlock()

	conv, err = c.LoadOrCreate(ctx, scope, id)
	if err != nil {
		return conversation.Conversation{}, false, err
	}
	conv, changed := fn(conv)
	if !changed {
		return conv, false, nil
	}
	if err := c.Save(ctx, scope, conv); err != nil {
		return conversation.Conversation{}, false, err
	}
	return conv, true, nil
}

// Delete removes a conversation record.
func (c *Conversations) Delete(ctx context.Context, scope conversation.Scope, id string) error {
	unlock := c.lock(scope, id)
	defer unlock()
	if err := c.KV.Delete(ctx, scope.String(), conversationField(id)); err != nil {
		return fmt.Errorf("chat: delete conversation %s: %w", id, err)
	}
	return nil
}

// IDs lists the conversation IDs stored under scope.
func (c *Conversations) IDs(ctx context.Context, scope conversation.Scope) ([]string, error) {
	fields, err := c.KV.Fields(ctx, scope.String(), conversationPrefix)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		ids = append(ids, strings.TrimPrefix(f, conversationPrefix))
	}
	return ids, nil
}

// Active returns the active conversation ID for scope. Channel scopes always
// use the default conversation.
func (c *Conversations) Active(ctx context.Context, scope conversation.Scope) (string, error) {
	if scope.Kind == conversation.ScopeChannel {
		return conversation.DefaultConversationID, nil
	}
	id, err := c.KV.Get(ctx, scope.String(), activeField)
	if errors.Is(err, c.NotFound) || (err == nil && id == "") {
		return conversation.DefaultConversationID, nil
	}
	if err != nil {
		return "", fmt.Errorf("chat: active conversation: %w", err)
	}
	return id, nil
}

// SetActive records id as the active conversation for scope.
func (c *Conversations) SetActive(ctx context.Context, scope conversation.Scope, id string) error {
	if err := c.KV.Set(ctx, scope.String(), activeField, id); err != nil {
		return fmt.Errorf("chat: set active conversation: %w", err)
	}
	return nil
}

// Scopes lists every scope of kind that holds a record.
func (c *Conversations) Scopes(ctx context.Context, kind conversation.ScopeKind) ([]conversation.Scope, error) {
	prefix := string(kind) + ":"
	names, err := c.KV.Scopes(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("chat: list scopes: %w", err)
	}
	scopes := make([]conversation.Scope, 0, len(names))
	for _, n := range names {
		scopes = append(scopes, conversation.Scope{Kind: kind, ID: strings.TrimPrefix(n, prefix)})
	}
	return scopes, nil
}

// SystemPrompt returns the personal system prompt stored for scope. ok is
// false when none is set.
func (c *Conversations) SystemPrompt(ctx context.Context, scope conversation.Scope) (prompt string, ok bool, err error) {
	prompt, err = c.KV.Get(ctx, scope.String(), systemPromptField)
	if errors.Is(err, c.NotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("chat: system prompt: %w", err)
	}
	return prompt, prompt != "", nil
}

// SetSystemPrompt stores a personal system prompt for scope. An empty prompt
// removes it.
func (c *Conversations) SetSystemPrompt(ctx context.Context, scope conversation.Scope, prompt string) error {
	var err error
	if prompt == "" {
		err = c.KV.Delete(ctx, scope.String(), systemPromptField)
	} else {
		err = c.KV.Set(ctx, scope.String(), systemPromptField, prompt)
	}
	if err != nil {
		return fmt.Errorf("chat: set system prompt: %w", err)
	}
	return nil
}
