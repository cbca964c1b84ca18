package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/concierge/internal/api/middleware"
	"github.com/eldtechnologies/concierge/internal/store"
	"github.com/eldtechnologies/concierge/internal/thread"
)

// ThreadSummary is a thread without its items.
type ThreadSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadListResponse is the response of GET /threads.
type ThreadListResponse struct {
	Threads []ThreadSummary `json:"threads"`
}

// ListThreads returns the caller's conversations, most recent first.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	convs, err := h.store.ListConversations(r.Context(), user.ID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to list conversations")
		h.Error(w, http.StatusInternalServerError, "failed to list threads")
		return
	}

	resp := ThreadListResponse{Threads: make([]ThreadSummary, 0, len(convs))}
	for _, c := range convs {
		resp.Threads = append(resp.Threads, ThreadSummary{
			ID:        c.ID.String(),
			Title:     c.Title,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	h.JSON(w, http.StatusOK, resp)
}

// GetThread returns one conversation projected as a thread.
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid thread id")
		return
	}

	conv, err := h.store.GetConversation(r.Context(), user.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		h.Error(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("thread_id", id.String()).Msg("failed to load conversation")
		h.Error(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	h.JSON(w, http.StatusOK, thread.ConversationToThread(conv))
}
