package handlers

import (
	"net/http"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalConversations int64          `json:"total_conversations"`
	Tools              []string       `json:"tools"`
	SensitiveTools     []string       `json:"sensitive_tools"`
	Live               map[string]int `json:"live"`
}

// Stats returns service statistics: stored conversations, offered tools and
// the size of in-memory coordination state.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	total, err := h.store.CountConversations(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to count conversations")
		h.Error(w, http.StatusInternalServerError, "failed to count conversations")
		return
	}

	resp := StatsResponse{
		TotalConversations: total,
		Tools:              []string{},
		SensitiveTools:     []string{},
		Live:               make(map[string]int, len(h.gauges)),
	}
	for _, t := range h.tools.List() {
		resp.Tools = append(resp.Tools, t.Name)
		if t.Sensitive {
			resp.SensitiveTools = append(resp.SensitiveTools, t.Name)
		}
	}
	for _, g := range h.gauges {
		resp.Live[g.Name] = g.Len()
	}

	h.JSON(w, http.StatusOK, resp)
}
