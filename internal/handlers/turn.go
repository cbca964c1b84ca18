package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/eldtechnologies/concierge/internal/api/middleware"
	"github.com/eldtechnologies/concierge/internal/intent"
	"github.com/eldtechnologies/concierge/internal/metrics"
)

// Turn classifies a message and forwards the request, body unchanged, to
// the run handler of the selected path. The run handler writes straight to
// w, so its status and stream reach the caller as is.
func (h *Handler) Turn(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	in, keyword := h.classify(req.Message)
	metrics.TurnsRouted.WithLabelValues(string(in)).Inc()
	h.logger.Info().
		Str("user_id", user.ID).
		Str("intent", string(in)).
		Str("keyword", keyword).
		Msg("turn routed")

	target, path := h.RunQA, "/runs/qa"
	if in == intent.Calendar {
		target, path = h.RunCalendar, "/runs/calendar"
	}
	target(w, forward(r, path, body))
}

// classify returns the intent and, for the keyword classifier, the keyword
// that decided it.
func (h *Handler) classify(message string) (intent.Intent, string) {
	if _, ok := h.classifier.(intent.KeywordClassifier); ok {
		return intent.Match(message)
	}
	return h.classifier.Classify(message), ""
}

// forward clones r for path with a fresh reader over body. Headers, cookies
// and the authenticated context carry over.
func forward(r *http.Request, path string, body []byte) *http.Request {
	out := r.Clone(r.Context())
	out.URL.Path = path
	out.URL.RawPath = ""
	out.RequestURI = path
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return out
}
