package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/docuchat/ragd/internal/pipeline"
	"github.com/docuchat/ragd/internal/repository"
)

// chatRequest is the wire shape of a chat call. Optional fields are
// pointers so absent and zero are distinguishable.
type chatRequest struct {
	Query          string   `json:"query"`
	ConversationID string   `json:"conversation_id,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
	UseHybrid      *bool    `json:"use_hybrid,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
}

func (req chatRequest) toPipeline() pipeline.ChatRequest {
	return pipeline.ChatRequest{
		Query:          req.Query,
		ConversationID: req.ConversationID,
		TopK:           req.TopK,
		UseHybrid:      req.UseHybrid,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.chat.Chat(r.Context(), req.toPipeline())
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	session, err := s.chat.ChatStream(r.Context(), req.toPipeline())
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.writeEvent(w, "sources", map[string]any{
		"conversation_id": session.ConversationID,
		"sources":         session.Sources,
	})
	flusher.Flush()

	var answer strings.Builder
	for chunk := range session.Chunks {
		if chunk.Error != nil {
			s.writeEvent(w, "error", map[string]string{"error": chunk.Error.Error()})
			flusher.Flush()
			return
		}
		if chunk.Token != "" {
			answer.WriteString(chunk.Token)
			s.writeEvent(w, "token", map[string]string{"token": chunk.Token})
			flusher.Flush()
		}
		if chunk.Done {
			break
		}
	}

	citations := session.Finish(r.Context(), answer.String())
	s.writeEvent(w, "done", map[string]any{"citations": citations})
	flusher.Flush()
}

// handleToken exchanges an already-authenticated request (API key or a
// still-valid token) for a fresh JWT. Sits behind the auth middleware,
// so an open deployment never mints tokens by accident.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.JWTManager == nil {
		s.writeError(w, http.StatusNotImplemented, "token auth not configured")
		return
	}

	var req struct {
		Subject string `json:"subject"`
	}
	// An empty body is fine; subject defaults.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Subject == "" {
		req.Subject = "api-client"
	}

	token, err := s.cfg.JWTManager.GenerateToken(req.Subject)
	if err != nil {
		s.logger.Error("token issuance failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int64(s.cfg.JWTManager.Expiry().Seconds()),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.Stats(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connected": stats.Connected,
		"keys":      stats.Keys,
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"errors":    stats.Errors,
		"hit_rate":  stats.HitRate(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	exists, err := s.readiness.CollectionExists(r.Context())
	if err != nil || !exists {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"reason": readinessReason(exists, err),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func readinessReason(exists bool, err error) string {
	if err != nil {
		return err.Error()
	}
	if !exists {
		return "vector collection missing"
	}
	return ""
}

// writePipelineError maps pipeline error types onto HTTP statuses.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var (
		valErr *pipeline.ValidationError
		retErr *pipeline.RetrievalError
		genErr *pipeline.GenerationError
	)
	switch {
	case errors.As(err, &valErr):
		s.writeError(w, http.StatusBadRequest, valErr.Error())
	case errors.Is(err, repository.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &retErr):
		s.logger.Error("retrieval failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "retrieval backend unavailable")
	case errors.As(err, &genErr):
		s.logger.Error("generation failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "generation backend unavailable")
	default:
		s.logger.Error("chat failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
