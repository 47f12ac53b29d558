package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Kakeibo/common/trace"
	"github.com/bdobrica/Kakeibo/common/version"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/billing"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/chat"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/observability"
)

const maxRequestBytes = 1 << 20

// Server exposes the chat API alongside /health and /status.
type Server struct {
	addr      string
	chat      *chat.Service
	ledger    *billing.Ledger
	status    statusProvider
	limiter   *requesterLimiter
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
	logger    *slog.Logger
}

// statusProvider is what /status reports on besides uptime.
type statusProvider interface {
	SchemaVersion() (int, error)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	Commit          string    `json:"commit"`
	BuildTime       string    `json:"build_time"`
	StartedAt       time.Time `json:"started_at"`
	UptimeSecs      float64   `json:"uptime_seconds"`
	SchemaVersion   int       `json:"schema_version"`
	ActiveMemories  int       `json:"active_conversations"`
	Provider        string    `json:"provider"`
	PricingOverride int       `json:"pricing_overrides"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type newConversationRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title,omitempty"`
}

type conversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
}

type systemPromptBody struct {
	Prompt string `json:"prompt"`
}

// NewServer creates and configures the HTTP server (does not start it).
func NewServer(addr string, svc *chat.Service, sp statusProvider, rateLimit int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		addr:      addr,
		chat:      svc,
		ledger:    svc.Ledger,
		status:    sp,
		limiter:   newRequesterLimiter(rateLimit),
		startedAt: time.Now(),
		mux:       mux,
		logger:    logger,
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/conversations", s.handleNewConversation)
	mux.HandleFunc("POST /v1/conversations/summarize", s.handleSummarize)
	mux.HandleFunc("POST /v1/conversations/clear", s.handleClear)
	mux.HandleFunc("GET /v1/budgets/{tenant}", s.handleBudget)
	mux.HandleFunc("GET /v1/users/{user}/system_prompt", s.handleGetSystemPrompt)
	mux.HandleFunc("PUT /v1/users/{user}/system_prompt", s.handlePutSystemPrompt)
	return s
}

// ServeHTTP implements http.Handler. Every request gets a trace ID, echoed
// back in the response headers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, id := trace.FromRequest(r)
	w.Header().Set(trace.Header, id)
	s.mux.ServeHTTP(w, r.WithContext(ctx))
}

// Start begins listening in the background and returns once the listener
// is open. The server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", s.addr, err)
	}

	// Provider streams can take a while, so the write timeout is generous.
	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("server: listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server: stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return ln.Addr(), nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("server: shutdown error", "err", err)
	}
}

// PruneLimiters drops rate limiter state for idle requesters.
func (s *Server) PruneLimiters(idle time.Duration) int {
	return s.limiter.Prune(idle)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:          "ok",
		Version:         version.Version,
		Commit:          version.GitCommit,
		BuildTime:       version.BuildTime,
		StartedAt:       s.startedAt,
		UptimeSecs:      time.Since(s.startedAt).Seconds(),
		ActiveMemories:  s.chat.Memories.Len(),
		Provider:        s.chat.Provider.Name(),
		PricingOverride: len(s.chat.Pricing.Overrides()),
	}
	if s.status != nil {
		if v, err := s.status.SchemaVersion(); err == nil {
			resp.SchemaVersion = v
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	if !s.limiter.Allow(req.UserID) {
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	log := observability.WithTrace(r.Context(), s.logger)
	reply, err := s.chat.Send(r.Context(), req)
	if err != nil {
		log.Error("server: chat failed", "user", req.UserID, "err", err)
		if reply.Text == "" {
			s.writeError(w, http.StatusInternalServerError, "chat failed")
			return
		}
	}
	s.writeJSON(w, denialStatus(reply.Denial), reply)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	if !s.limiter.Allow(req.UserID) {
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	res, err := s.chat.Summarize(r.Context(), req)
	if err != nil {
		observability.WithTrace(r.Context(), s.logger).Error("server: summarize failed", "user", req.UserID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "summarize failed")
		return
	}
	s.writeJSON(w, denialStatus(res.Denial), res)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	id, err := s.chat.Clear(r.Context(), req)
	if err != nil {
		observability.WithTrace(r.Context(), s.logger).Error("server: clear failed", "user", req.UserID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	s.writeJSON(w, http.StatusOK, conversationResponse{ConversationID: id})
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	var req newConversationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	conv, err := s.chat.NewConversation(r.Context(), req.UserID, req.Title)
	if err != nil {
		observability.WithTrace(r.Context(), s.logger).Error("server: new conversation failed", "user", req.UserID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "new conversation failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, conversationResponse{ConversationID: conv.ID, Title: conv.Title})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	b, ok, err := s.ledger.Status(r.Context(), tenant)
	if err != nil {
		observability.WithTrace(r.Context(), s.logger).Error("server: budget lookup failed", "tenant", tenant, "err", err)
		s.writeError(w, http.StatusInternalServerError, "budget lookup failed")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

// handleGetSystemPrompt reports the prompt in effect for the user, which is
// the default when no personal prompt is set.
func (s *Server) handleGetSystemPrompt(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	prompt, err := s.chat.SystemPrompt(r.Context(), user)
	if err != nil {
		observability.WithTrace(r.Context(), s.logger).Error("server: system prompt lookup failed", "user", user, "err", err)
		s.writeError(w, http.StatusInternalServerError, "system prompt lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, systemPromptBody{Prompt: prompt})
}

func (s *Server) handlePutSystemPrompt(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	var body systemPromptBody
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.chat.SetSystemPrompt(r.Context(), user, body.Prompt); err != nil {
		observability.WithTrace(r.Context(), s.logger).Error("server: set system prompt failed", "user", user, "err", err)
		s.writeError(w, http.StatusInternalServerError, "set system prompt failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (chat.Request, bool) {
	var req chat.Request
	if !s.decode(w, r, &req) {
		return chat.Request{}, false
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return chat.Request{}, false
	}
	return req, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func denialStatus(d chat.Denial) int {
	switch d {
	case chat.DenialNoTenant:
		return http.StatusForbidden
	case chat.DenialBudgetExhausted:
		return http.StatusPaymentRequired
	default:
		return http.StatusOK
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, errorResponse{Error: msg})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("server: failed to encode JSON response", "err", err)
	}
}
