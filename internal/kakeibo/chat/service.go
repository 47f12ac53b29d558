// Package chat runs metered conversations: it resolves who pays for a
// request, checks their budget, keeps the conversation history, talks to the
// provider and charges the usage.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/billing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/pricing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/provider"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/summary"
)

// Denial explains why a request was refused. Denials are outcomes, not
// errors.
type Denial string

const (
	DenialNone            Denial = ""
	DenialNoTenant        Denial = "no_tenant"
	DenialBudgetExhausted Denial = "budget_exhausted"
)

// Request is one inbound chat turn.
type Request struct {
	// UserID identifies the requester.
	UserID string `json:"user_id"`
	// ChannelID is set for group channels and empty for direct messages.
	ChannelID string `json:"channel_id,omitempty"`
	// TenantID binds the request to a tenant. Empty means the payer is
	// resolved from the requester's memberships.
	TenantID string `json:"tenant_id,omitempty"`
	// ConversationID selects a direct-message conversation other than the
	// active one. Ignored for channels.
	ConversationID string               `json:"conversation_id,omitempty"`
	Content        conversation.Content `json:"content"`
}

// Reply is the outcome of a chat turn.
type Reply struct {
	Text           string             `json:"text,omitempty"`
	Denial         Denial             `json:"denial,omitempty"`
	TenantID       string             `json:"tenant_id,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Model          string             `json:"model,omitempty"`
	Usage          pricing.TokenUsage `json:"usage"`
}

// Denied reports whether the request was refused.
func (r Reply) Denied() bool { return r.Denial != DenialNone }

// Config tunes a Service.
type Config struct {
	DefaultModel string
	// MaxHistory bounds the persisted record, the in-memory buffer and the
	// provider view. Zero or less means conversation.DefaultMaxHistory.
	MaxHistory int
	// SystemPrompt is used for requesters without a personal prompt.
	SystemPrompt string
	// UserIdleAfter and ChannelIdleAfter are how long a conversation may sit
	// untouched before ClearIdle empties it. Zero disables clearing for that
	// kind of scope.
	UserIdleAfter    time.Duration
	ChannelIdleAfter time.Duration
}

// Service is the chat front door. All fields are required except Logger.
type Service struct {
	Conversations *Conversations
	Memories      *conversation.Registry
	Ledger        *billing.Ledger
	Pricing       *pricing.Table
	Provider      provider.Provider
	Config        Config
	Logger        *slog.Logger
}

// New returns a Service. If logger is nil, the default slog logger is used.
func New(convs *Conversations, memories *conversation.Registry, ledger *billing.Ledger, table *pricing.Table, p provider.Provider, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = conversation.DefaultMaxHistory
	}
	return &Service{
		Conversations: convs,
		Memories:      memories,
		Ledger:        ledger,
		Pricing:       table,
		Provider:      p,
		Config:        cfg,
		Logger:        logger,
	}
}

// Send runs one metered chat turn. A refused request yields a Reply with
// Denial set and a nil error. Errors are returned for persistence and
// provider failures; if the reply was produced but its spend could not be
// recorded, both the Reply and the error are returned.
func (s *Service) Send(ctx context.Context, req Request) (Reply, error) {
	tenantID, denial, err := s.authorize(ctx, req)
	if err != nil || denial != DenialNone {
		return Reply{Denial: denial}, err
	}

	scope, convID, err := s.locate(ctx, req)
	if err != nil {
		return Reply{}, err
	}
	conv, err := s.Conversations.LoadOrCreate(ctx, scope, convID)
	if err != nil {
		return Reply{}, err
	}
	model := s.modelFor(conv)
	prompt, err := s.SystemPrompt(ctx, req.UserID)
	if err != nil {
		return Reply{}, err
	}

	mem, err := s.record(ctx, scope, convID, conversation.RoleUser, req.Content)
	if err != nil {
		return Reply{}, err
	}

	stream, err := s.Provider.StreamChat(ctx, model, s.providerView(prompt, mem))
	if err != nil {
		return Reply{}, fmt.Errorf("chat: %s: %w", s.Provider.Name(), err)
	}
	text, usage, err := provider.Collect(stream)
	if err != nil {
		return Reply{}, fmt.Errorf("chat: %s: %w", s.Provider.Name(), err)
	}

	if _, err := s.record(ctx, scope, convID, conversation.RoleAssistant, conversation.Text(text)); err != nil {
		return Reply{}, err
	}

	reply := Reply{Text: text, TenantID: tenantID, ConversationID: convID, Model: model}
	_, err = s.Ledger.Charge(ctx, tenantID, s.Provider.Name(), model, &usage)
	reply.Usage = usage
	if err != nil {
		s.Logger.Error("chat: record spend failed", "tenant", tenantID, "err", err)
		return reply, err
	}
	s.Logger.Debug("chat: turn complete",
		"tenant", tenantID,
		"conversation", convID,
		"model", model,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cost", usage.Cost,
		"currency", usage.Currency,
	)
	return reply, nil
}

// SummaryResult is the outcome of Summarize.
type SummaryResult struct {
	Applied        bool   `json:"applied"`
	Denial         Denial `json:"denial,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Messages       int    `json:"messages"`
}

// Summarize replaces the conversation history with a summary produced by the
// provider and charged to the payer. Messages added while the summary is
// being produced are kept after it.
func (s *Service) Summarize(ctx context.Context, req Request) (SummaryResult, error) {
	tenantID, denial, err := s.authorize(ctx, req)
	if err != nil || denial != DenialNone {
		return SummaryResult{Denial: denial}, err
	}
	scope, convID, err := s.locate(ctx, req)
	if err != nil {
		return SummaryResult{}, err
	}
	conv, err := s.Conversations.LoadOrCreate(ctx, scope, convID)
	if err != nil {
		return SummaryResult{}, err
	}
	model := s.modelFor(conv)
	mem := s.memory(scope, conv)
	if mem.Len() == 0 {
		return SummaryResult{ConversationID: convID}, nil
	}

	charge := func(ctx context.Context, usage pricing.TokenUsage) error {
		_, err := s.Ledger.Charge(ctx, tenantID, s.Provider.Name(), model, &usage)
		return err
	}
	summarizer := summary.New(s.Provider, model, charge, s.Logger)
	if !mem.ProcessSummary(ctx, summarizer.Summarize) {
		return SummaryResult{ConversationID: convID, Messages: mem.Len()}, nil
	}

	var count int
	_, err = s.Conversations.Update(ctx, scope, convID, func(c conversation.Conversation) conversation.Conversation {
		msgs := mem.Messages()
		count = len(msgs)
		return s.Conversations.Codec.ReplaceMessages(c, msgs, s.Config.MaxHistory)
	})
	if err != nil {
		return SummaryResult{}, err
	}
	return SummaryResult{Applied: true, ConversationID: convID, Messages: count}, nil
}

// Clear drops the history of the request's conversation, both in memory and
// in storage.
func (s *Service) Clear(ctx context.Context, req Request) (string, error) {
	scope, convID, err := s.locate(ctx, req)
	if err != nil {
		return "", err
	}
	_, err = s.Conversations.Update(ctx, scope, convID, func(c conversation.Conversation) conversation.Conversation {
		if mem, ok := s.Memories.Lookup(conversation.MemoryKey(scope, convID)); ok {
			mem.Clear()
		}
		return s.Conversations.Codec.ClearMessages(c)
	})
	if err != nil {
		return "", err
	}
	return convID, nil
}

// NewConversation starts a fresh direct-message conversation for userID and
// makes it the active one.
func (s *Service) NewConversation(ctx context.Context, userID, title string) (conversation.Conversation, error) {
	scope := conversation.UserScope(userID)
	conv := s.Conversations.Codec.Create(uuid.NewString(), title)
	if err := s.Conversations.Save(ctx, scope, conv); err != nil {
		return conversation.Conversation{}, err
	}
	if err := s.Conversations.SetActive(ctx, scope, conv.ID); err != nil {
		return conversation.Conversation{}, err
	}
	s.Logger.Info("chat: conversation started", "user", userID, "conversation", conv.ID)
	return conv, nil
}

// SwitchConversation makes an existing conversation the active one for
// userID.
func (s *Service) SwitchConversation(ctx context.Context, userID, convID string) error {
	scope := conversation.UserScope(userID)
	if _, ok, err := s.Conversations.Load(ctx, scope, convID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrNoConversation, convID)
	}
	return s.Conversations.SetActive(ctx, scope, convID)
}

// SetModel overrides the model used by the request's conversation. An empty
// model restores the default.
func (s *Service) SetModel(ctx context.Context, req Request, model string) (conversation.Conversation, error) {
	scope, convID, err := s.locate(ctx, req)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return s.Conversations.Update(ctx, scope, convID, func(c conversation.Conversation) conversation.Conversation {
		c.Model = model
		return c
	})
}

// History returns the persisted record of the request's conversation.
func (s *Service) History(ctx context.Context, req Request) (conversation.Conversation, error) {
	scope, convID, err := s.locate(ctx, req)
	if err != nil {
		return conversation.Conversation{}, err
	}
	conv, ok, err := s.Conversations.Load(ctx, scope, convID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if !ok {
		return conversation.Conversation{}, fmt.Errorf("%w: %s", ErrNoConversation, convID)
	}
	return conv, nil
}

// Delete removes a conversation record and its in-memory buffer. Deleting the
// active conversation makes the default one active again.
func (s *Service) Delete(ctx context.Context, scope conversation.Scope, convID string) error {
	if err := s.Conversations.Delete(ctx, scope, convID); err != nil {
		return err
	}
	s.Memories.Drop(conversation.MemoryKey(scope, convID))
	if scope.Kind != conversation.ScopeUser {
		return nil
	}
	active, err := s.Conversations.Active(ctx, scope)
	if err != nil {
		return err
	}
	if active == convID {
		return s.Conversations.SetActive(ctx, scope, conversation.DefaultConversationID)
	}
	return nil
}

// SystemPrompt returns the system prompt used for userID: their personal
// prompt if set, else the configured default. Channel turns use the prompt of
// the user who spoke.
func (s *Service) SystemPrompt(ctx context.Context, userID string) (string, error) {
	if userID != "" {
		prompt, ok, err := s.Conversations.SystemPrompt(ctx, conversation.UserScope(userID))
		if err != nil {
			return "", err
		}
		if ok {
			return prompt, nil
		}
	}
	return s.Config.SystemPrompt, nil
}

// SetSystemPrompt stores a personal system prompt for userID. An empty
// prompt restores the default.
func (s *Service) SetSystemPrompt(ctx context.Context, userID, prompt string) error {
	if userID == "" {
		return errors.New("chat: request has no user")
	}
	return s.Conversations.SetSystemPrompt(ctx, conversation.UserScope(userID), prompt)
}

// ClearIdle empties every conversation left untouched for longer than the
// configured idle period of its scope kind, and forgets the in-memory
// buffers of idle conversations. It returns the number of records cleared.
// Failures on single records are logged and do not stop the sweep.
func (s *Service) ClearIdle(ctx context.Context) (int, error) {
	now := time.Now()
	cleared := 0
	var errs []error
	for _, kind := range []conversation.ScopeKind{conversation.ScopeUser, conversation.ScopeChannel} {
		idle := s.Config.UserIdleAfter
		if kind == conversation.ScopeChannel {
			idle = s.Config.ChannelIdleAfter
		}
		if idle <= 0 {
			continue
		}
		n, err := s.clearIdle(ctx, kind, now.Add(-idle))
		cleared += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return cleared, errors.Join(errs...)
}

func (s *Service) clearIdle(ctx context.Context, kind conversation.ScopeKind, cutoff time.Time) (int, error) {
	scopes, err := s.Conversations.Scopes(ctx, kind)
	if err != nil {
		return 0, err
	}
	cleared := 0
	var errs []error
	for _, scope := range scopes {
		ids, err := s.Conversations.IDs(ctx, scope)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return cleared, err
			}
			key := conversation.MemoryKey(scope, id)
			_, saved, err := s.Conversations.UpdateIf(ctx, scope, id, func(c conversation.Conversation) (conversation.Conversation, bool) {
				last := c.UpdatedAt
				if last.IsZero() {
					last = c.CreatedAt
				}
				if last.IsZero() || last.After(cutoff) {
					return c, false
				}
				s.Memories.Drop(key)
				if len(c.Messages) == 0 {
					return c, false
				}
				return s.Conversations.Codec.ClearMessages(c), true
			})
			if err != nil {
				s.Logger.Warn("chat: idle clear failed", "conversation", key.String(), "err", err)
				errs = append(errs, err)
				continue
			}
			if saved {
				cleared++
				s.Logger.Info("chat: cleared idle conversation", "conversation", key.String())
			}
		}
	}
	return cleared, errors.Join(errs...)
}

// authorize resolves the payer and checks that it still has budget in the
// currency the provider is billed in.
func (s *Service) authorize(ctx context.Context, req Request) (string, Denial, error) {
	if req.UserID == "" {
		return "", DenialNone, errors.New("chat: request has no user")
	}
	tenantID, ok, err := s.Ledger.Resolve(ctx, req.UserID, billing.TenantOrigin(req.TenantID))
	if err != nil {
		return "", DenialNone, err
	}
	if !ok {
		s.Logger.Info("chat: no paying tenant", "user", req.UserID, "origin", req.TenantID)
		return "", DenialNoTenant, nil
	}
	currency := s.Pricing.CurrencyFor(s.Provider.Name())
	ok, err = s.Ledger.HasBudget(ctx, tenantID, currency)
	if err != nil {
		return "", DenialNone, err
	}
	if !ok {
		s.Logger.Info("chat: budget exhausted", "tenant", tenantID, "currency", currency)
		return tenantID, DenialBudgetExhausted, nil
	}
	return tenantID, DenialNone, nil
}

// locate maps a request to its storage scope and conversation ID.
func (s *Service) locate(ctx context.Context, req Request) (conversation.Scope, string, error) {
	if req.ChannelID != "" {
		return conversation.ChannelScope(req.ChannelID), conversation.DefaultConversationID, nil
	}
	if req.UserID == "" {
		return conversation.Scope{}, "", errors.New("chat: request has no user")
	}
	scope := conversation.UserScope(req.UserID)
	if req.ConversationID != "" {
		return scope, req.ConversationID, nil
	}
	id, err := s.Conversations.Active(ctx, scope)
	return scope, id, err
}

func (s *Service) modelFor(conv conversation.Conversation) string {
	if conv.Model != "" {
		return conv.Model
	}
	return s.Config.DefaultModel
}

func (s *Service) memory(scope conversation.Scope, conv conversation.Conversation) *conversation.Memory {
	return s.Memories.GetOrSeed(conversation.MemoryKey(scope, conv.ID), func() []conversation.Message {
		return conv.Messages
	})
}

// record appends a message in the persisted record and the memory buffer
// under the record lock, so both see the same order. The buffer is looked
// up under the lock too, seeded from the record when it is not live.
func (s *Service) record(ctx context.Context, scope conversation.Scope, convID string, role conversation.Role, content conversation.Content) (*conversation.Memory, error) {
	var mem *conversation.Memory
	_, err := s.Conversations.Update(ctx, scope, convID, func(c conversation.Conversation) conversation.Conversation {
		mem = s.memory(scope, c)
		c = s.Conversations.Codec.AddMessage(c, role, content, s.Config.MaxHistory)
		mem.Add(c.Messages[len(c.Messages)-1])
		mem.Trim(s.Config.MaxHistory)
		return c
	})
	return mem, err
}

// providerView is the prompt sent to the provider: the system prompt, then
// the most recent MaxHistory buffered messages.
func (s *Service) providerView(prompt string, mem *conversation.Memory) []conversation.ProviderMessage {
	msgs := mem.Messages()
	if len(msgs) > s.Config.MaxHistory {
		msgs = msgs[len(msgs)-s.Config.MaxHistory:]
	}
	view := conversation.ProviderView(msgs)
	if prompt == "" {
		return view
	}
	return append([]conversation.ProviderMessage{{
		Role:    conversation.RoleSystem,
		Content: conversation.Text(prompt),
	}}, view...)
}
