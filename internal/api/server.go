// Package api implements the HTTP API.
//
// Every conversation route nests under /v1/users/{userID}/ and requires
// a bearer token whose subject matches the path. The handlers verify
// that binding themselves; they do not rely on the agent or the tools
// having done so.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/taskpilot/taskpilot/internal/agent"
	"github.com/taskpilot/taskpilot/internal/auth"
	"github.com/taskpilot/taskpilot/internal/buildinfo"
	"github.com/taskpilot/taskpilot/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	loop    *agent.Loop
	store   *store.Store
	guard   *auth.Guard
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop *agent.Loop, st *store.Store, guard *auth.Guard, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		loop:    loop,
		store:   st,
		guard:   guard,
		logger:  logger,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/users/{userID}/chat", s.handleChat)
	mux.HandleFunc("GET /v1/users/{userID}/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/users/{userID}/conversations/{id}/messages", s.handleMessageList)
	mux.HandleFunc("DELETE /v1/users/{userID}/conversations/{id}", s.handleConversationDelete)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // turns can span many model rounds
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// authorizeRequest binds the bearer token to the {userID} path segment.
// Returns the verified user id or writes the error response itself.
func (s *Server) authorizeRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	pathUser, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}

	token := bearerToken(r)
	if token == "" {
		s.errorResponse(w, http.StatusUnauthorized, "missing bearer token")
		return uuid.Nil, false
	}

	userID, err := s.guard.Authorize(token, pathUser)
	switch {
	case errors.Is(err, auth.ErrOwnerMismatch):
		s.errorResponse(w, http.StatusForbidden, "token does not match user")
		return uuid.Nil, false
	case err != nil:
		s.errorResponse(w, http.StatusUnauthorized, "invalid token")
		return uuid.Nil, false
	}
	return userID, true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// storeError maps store sentinel errors onto HTTP status codes.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrForbidden):
		s.errorResponse(w, http.StatusForbidden, "forbidden")
	default:
		s.logger.Error("store operation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "TaskPilot",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// ChatRequest is one user message aimed at a conversation.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID uint   `json:"conversation_id,omitempty"`
}

// ChatResponse carries the agent's reply plus the tool audit trail.
type ChatResponse struct {
	Response           string                 `json:"response"`
	ConversationID     uint                   `json:"conversation_id"`
	ToolCalls          []store.ToolCallRecord `json:"tool_calls,omitempty"`
	Model              string                 `json:"model,omitempty"`
	FinishReason       string                 `json:"finish_reason,omitempty"`
	UserMessageID      uint                   `json:"user_message_id"`
	AssistantMessageID uint                   `json:"assistant_message_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorizeRequest(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.loop.Run(r.Context(), agent.TurnRequest{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, agent.ErrMessageTooLong):
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("message exceeds %d characters", agent.MaxMessageLen))
		return
	case err != nil:
		s.storeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		Response:           result.Reply,
		ConversationID:     result.ConversationID,
		ToolCalls:          result.ToolCalls,
		Model:              result.Model,
		FinishReason:       result.FinishReason,
		UserMessageID:      result.UserMessageID,
		AssistantMessageID: result.AssistantMessageID,
	}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorizeRequest(w, r)
	if !ok {
		return
	}

	limit := parseIntParam(r, "limit", 50)
	offset := parseIntParam(r, "offset", 0)

	convs, err := s.store.ListConversations(userID, limit, offset)
	if err != nil {
		s.storeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorizeRequest(w, r)
	if !ok {
		return
	}
	convID, ok := s.pathConversationID(w, r)
	if !ok {
		return
	}

	limit := parseIntParam(r, "limit", 100)
	offset := parseIntParam(r, "offset", 0)

	msgs, err := s.store.ListMessages(convID, userID, limit, offset)
	if err != nil {
		s.storeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorizeRequest(w, r)
	if !ok {
		return
	}
	convID, ok := s.pathConversationID(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteConversation(convID, userID); err != nil {
		s.storeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pathConversationID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil || id == 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return uint(id), true
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
