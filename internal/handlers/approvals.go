package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eldtechnologies/concierge/internal/api/middleware"
	"github.com/eldtechnologies/concierge/internal/approval"
)

// ApprovalStatus is the response of GET /approvals. Approved is null while
// the approval is pending, expired or unknown.
type ApprovalStatus struct {
	ApprovalID string `json:"approval_id"`
	Approved   *bool  `json:"approved"`
}

// ApprovalDecision is the body of POST /approvals.
type ApprovalDecision struct {
	ApprovalID string `json:"approval_id"`
	Approved   *bool  `json:"approved"`
}

// GetApproval reports the caller's stored decision for an approval.
// Approvals of other users read as unknown.
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := r.URL.Query().Get("approval_id")
	if id == "" {
		h.Error(w, http.StatusBadRequest, "approval_id is required")
		return
	}

	approved, err := h.broker.Lookup(r.Context(), id, user.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("approval_id", id).Msg("approval lookup failed")
		h.Error(w, http.StatusInternalServerError, "failed to read approval")
		return
	}
	h.JSON(w, http.StatusOK, ApprovalStatus{ApprovalID: id, Approved: approved})
}

// PostApproval records the user's decision. Later decisions for the same id
// replace earlier ones until the waiting run consumes one. Decisions for
// approvals that expired or belong to another user are dropped with 404.
func (h *Handler) PostApproval(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req ApprovalDecision
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ApprovalID == "" {
		h.Error(w, http.StatusBadRequest, "approval_id is required")
		return
	}
	if req.Approved == nil {
		h.Error(w, http.StatusBadRequest, "approved must be true or false")
		return
	}

	logger := h.logger.With().Str("approval_id", req.ApprovalID).Str("user_id", user.ID).Logger()

	err := h.broker.Decide(r.Context(), req.ApprovalID, user.ID, *req.Approved)
	if errors.Is(err, approval.ErrNotFound) {
		logger.Warn().Msg("decision for unknown approval dropped")
		h.Error(w, http.StatusNotFound, "approval not found")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("approval decision failed")
		h.Error(w, http.StatusInternalServerError, "failed to store decision")
		return
	}

	logger.Info().Bool("approved", *req.Approved).Msg("approval decided")
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
