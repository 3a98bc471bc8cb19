package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/inquesthq/inquest/internal/auto"
	"github.com/inquesthq/inquest/internal/gate"
	"github.com/inquesthq/inquest/internal/localmodel"
	"github.com/inquesthq/inquest/internal/metrics"
	"github.com/inquesthq/inquest/internal/pipeline"
	"github.com/inquesthq/inquest/internal/search"
	"github.com/inquesthq/inquest/internal/store"
)

// GetClientIP extracts the originating client IP. Proxy headers win over the
// socket address; the IP is only ever hashed, never persisted raw.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// handleAsk runs one pipeline invocation as an event stream.
// GET /ask?q=...&conversation_id=...
func (rt *Router) handleAsk(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_query", "Query parameter q is required")
		return
	}

	adm, ok := rt.admit(w, r)
	if !ok {
		return
	}

	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		id, err := rt.store.CreateConversation(r.Context(), conversationTitle(query))
		if err != nil {
			writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable",
				sanitizeErrorForClient(err, "Could not create conversation"))
			return
		}
		conversationID = id
	}
	w.Header().Set("X-Conversation-ID", conversationID)

	invocationID := ulid.Make().String()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sw := newStreamWriter(w, cancel)
	defer sw.Close()

	started := time.Now()
	result, err := rt.pipeline.Run(ctx, pipeline.Request{
		Query:           query,
		ConversationID:  conversationID,
		InvocationID:    invocationID,
		BudgetExhausted: adm.BudgetExhausted,
	}, sw.Emit)
	if err != nil {
		rt.streamFailure(w, sw, err)
		metrics.Get().RecordInvocation("error", false, time.Since(started).Seconds())
		return
	}
	metrics.Get().RecordInvocation("ok", false, time.Since(started).Seconds())
	metrics.Get().RecordSearchHits(result.HitCount)
}

type autoStartRequest struct {
	ConversationID string `json:"conversation_id"`
	MaxQueries     int    `json:"max_queries"`
}

// handleAutoStart runs an auto-investigation session as an event stream.
// POST /auto/start {conversation_id, max_queries}
func (rt *Router) handleAutoStart(w http.ResponseWriter, r *http.Request) {
	var req autoStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request",
			"conversation_id is required")
		return
	}
	if req.MaxQueries < 1 || req.MaxQueries > auto.MaxQueriesLimit {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request",
			"max_queries must be between 1 and 50")
		return
	}
	if _, err := rt.store.GetConversation(r.Context(), req.ConversationID); err != nil {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Conversation not found")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sw := newStreamWriter(w, cancel)
	defer sw.Close()

	err := rt.investigator.Run(ctx, req.ConversationID, GetClientIP(r), req.MaxQueries, sw.Emit)
	switch {
	case err == nil:
		metrics.Get().RecordAutoSession("completed")
	case errors.Is(err, store.ErrSessionRunning):
		writeErrorResponse(w, http.StatusConflict, "session_running",
			"An auto session is already running for this conversation")
	case errors.Is(err, auto.ErrNoSeedQuestion):
		metrics.Get().RecordAutoSession("stopped")
	default:
		metrics.Get().RecordAutoSession("stopped")
		rt.streamFailure(w, sw, err)
	}
}

type autoStopRequest struct {
	ConversationID string `json:"conversation_id"`
}

// handleAutoStop signals the conversation's running session to stop.
// POST /auto/stop {conversation_id}
func (rt *Router) handleAutoStop(w http.ResponseWriter, r *http.Request) {
	var req autoStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request",
			"conversation_id is required")
		return
	}
	stopped, err := rt.investigator.Stop(r.Context(), req.ConversationID)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable",
			sanitizeErrorForClient(err, "Could not stop session"))
		return
	}
	if !stopped {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "No running session for conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// handleSearch exposes raw retrieval. GET /search?q=...&limit=...
func (rt *Router) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_query", "limit must be an integer")
			return
		}
		limit = n
	}

	hits, err := rt.search.Search(r.Context(), query, limit)
	switch {
	case errors.Is(err, search.ErrInvalidQuery):
		writeErrorResponse(w, http.StatusBadRequest, "invalid_query", err.Error())
	case errors.Is(err, search.ErrIndexUnavailable):
		writeErrorResponse(w, http.StatusServiceUnavailable, "index_unavailable",
			sanitizeErrorForClient(err, "Search index unavailable"))
	case err != nil:
		writeErrorResponse(w, http.StatusServiceUnavailable, "index_unavailable",
			sanitizeErrorForClient(err, "Search failed"))
	default:
		metrics.Get().RecordSearchHits(len(hits))
		writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
	}
}

type createConversationRequest struct {
	Title string `json:"title"`
}

// handleCreateConversation creates an empty conversation. POST /conversations
func (rt *Router) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "title is required")
		return
	}
	id, err := rt.store.CreateConversation(r.Context(), strings.TrimSpace(req.Title))
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable",
			sanitizeErrorForClient(err, "Could not create conversation"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleListConversations lists conversations by recent activity.
// GET /conversations
func (rt *Router) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := rt.store.ListConversations(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable",
			sanitizeErrorForClient(err, "Could not list conversations"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// handleGetMessages returns a conversation's messages oldest first.
// GET /conversations/{id}/messages
func (rt *Router) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := rt.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeErrorResponse(w, http.StatusNotFound, "not_found", "Conversation not found")
			return
		}
		writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable",
			sanitizeErrorForClient(err, "Could not load conversation"))
		return
	}
	msgs, err := rt.store.GetMessages(r.Context(), id)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable",
			sanitizeErrorForClient(err, "Could not load messages"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleDeleteConversation removes a conversation and everything under it.
// DELETE /conversations/{id}
func (rt *Router) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := rt.store.DeleteConversation(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Conversation not found")
	case err != nil:
		writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable",
			sanitizeErrorForClient(err, "Could not delete conversation"))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// admit runs the gate and writes the denial response itself. Returns false
// when the caller should stop.
func (rt *Router) admit(w http.ResponseWriter, r *http.Request) (gate.Admission, bool) {
	adm, err := rt.gate.Admit(r.Context(), GetClientIP(r))
	switch {
	case errors.Is(err, gate.ErrRateLimited):
		writeErrorResponse(w, http.StatusTooManyRequests, "rate_limited",
			"Daily per-IP request limit reached")
		return gate.Admission{}, false
	case err != nil:
		writeErrorResponse(w, http.StatusServiceUnavailable, "admission_unavailable",
			sanitizeErrorForClient(err, "Admission check failed"))
		return gate.Admission{}, false
	}
	return adm, true
}

// streamFailure reports a pipeline error either as an HTTP status (stream
// not yet committed) or as a terminal error event.
func (rt *Router) streamFailure(w http.ResponseWriter, sw *streamWriter, err error) {
	status, code, msg := classifyError(err)
	if sw.Started() {
		sw.Error(msg, code)
		return
	}
	writeErrorResponse(w, status, code, msg)
}

func classifyError(err error) (status int, code, msg string) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidQuery), errors.Is(err, search.ErrInvalidQuery):
		return http.StatusBadRequest, "invalid_query", "Query is empty or too long"
	case errors.Is(err, search.ErrIndexUnavailable):
		return http.StatusServiceUnavailable, "index_unavailable", "Search index unavailable"
	case errors.Is(err, localmodel.ErrCapacity):
		return http.StatusServiceUnavailable, "capacity", "Local model pool is saturated"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled", "Invocation cancelled"
	default:
		log.Error().Err(err).Msg("Invocation failed")
		return http.StatusServiceUnavailable, "internal_error", "Invocation failed"
	}
}

func conversationTitle(query string) string {
	const maxTitle = 80
	if len(query) <= maxTitle {
		return query
	}
	cut := maxTitle
	for cut > 0 && !utf8.RuneStart(query[cut]) {
		cut--
	}
	return query[:cut]
}
