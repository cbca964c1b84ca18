package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/concierge/internal/agent"
	"github.com/eldtechnologies/concierge/internal/approval"
	"github.com/eldtechnologies/concierge/internal/intent"
	"github.com/eldtechnologies/concierge/internal/prompt"
	"github.com/eldtechnologies/concierge/internal/store"
	"github.com/eldtechnologies/concierge/internal/tools"
)

// Deps are the collaborators of the HTTP handlers. Redis and Gauges may be
// nil.
type Deps struct {
	Store      store.DataStore
	Redis      *store.RedisStore
	Broker     *approval.Broker
	Calendar   *agent.Runner
	QA         *agent.Runner
	Tools      *tools.Registry
	Prompts    *prompt.Builder
	Classifier intent.Classifier
	Gauges     []Gauge

	SystemPrompt string // base prompt for new conversations
	Model        string // recorded on new conversations
	Logger       zerolog.Logger
}

// Gauge reports the size of an in-memory structure for /stats.
type Gauge struct {
	Name string
	Len  func() int
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store      store.DataStore
	redis      *store.RedisStore
	broker     *approval.Broker
	calendar   *agent.Runner
	qa         *agent.Runner
	tools      *tools.Registry
	prompts    *prompt.Builder
	classifier intent.Classifier
	gauges     []Gauge

	systemPrompt string
	model        string
	logger       zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	if d.Classifier == nil {
		d.Classifier = intent.KeywordClassifier{}
	}
	if d.Prompts == nil {
		d.Prompts = prompt.NewBuilder(nil, nil, d.Logger)
	}
	return &Handler{
		store:        d.Store,
		redis:        d.Redis,
		broker:       d.Broker,
		calendar:     d.Calendar,
		qa:           d.QA,
		tools:        d.Tools,
		prompts:      d.Prompts,
		classifier:   d.Classifier,
		gauges:       d.Gauges,
		systemPrompt: d.SystemPrompt,
		model:        d.Model,
		logger:       d.Logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// titleFrom derives a conversation title from its first message: control
// characters removed, whitespace collapsed, at most 60 runes.
func titleFrom(message string) string {
	message = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, message)
	title := strings.Join(strings.Fields(message), " ")

	runes := []rune(title)
	if len(runes) > 60 {
		title = strings.TrimSpace(string(runes[:57])) + "..."
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}
