package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/concierge/internal/agent"
	"github.com/eldtechnologies/concierge/internal/api/middleware"
	"github.com/eldtechnologies/concierge/internal/ids"
	"github.com/eldtechnologies/concierge/internal/metrics"
	"github.com/eldtechnologies/concierge/internal/models"
	"github.com/eldtechnologies/concierge/internal/store"
	"github.com/eldtechnologies/concierge/internal/thread"
	"github.com/eldtechnologies/concierge/internal/tools"
)

const (
	pathCalendar = "calendar"
	pathQA       = "qa"

	// StreamErrorCode tags error frames sent after a stream has started.
	StreamErrorCode = "stream.error"

	maxImages      = 4
	persistTimeout = 10 * time.Second
)

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

var errInvalidConversationID = errors.New("invalid conversation id")

// ImageInput is an inline image attached to a turn.
type ImageInput struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64, no data: prefix
}

// RunRequest is the body of /turn and /runs/*.
type RunRequest struct {
	Message        string       `json:"message"`
	Images         []ImageInput `json:"images,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
}

func (req *RunRequest) validate() error {
	if strings.TrimSpace(req.Message) == "" {
		return errors.New("message is required")
	}
	if len(req.Images) > maxImages {
		return fmt.Errorf("at most %d images per message", maxImages)
	}
	for i, img := range req.Images {
		if !allowedImageTypes[img.MediaType] {
			return fmt.Errorf("image %d: unsupported media type %q", i, img.MediaType)
		}
		if img.Data == "" {
			return fmt.Errorf("image %d: data is required", i)
		}
		if _, err := base64.StdEncoding.DecodeString(img.Data); err != nil {
			return fmt.Errorf("image %d: data must be base64", i)
		}
	}
	return nil
}

func (req *RunRequest) userMessage() models.Message {
	content := []models.ContentBlock{models.TextBlock(strings.TrimSpace(req.Message))}
	for _, img := range req.Images {
		content = append(content, models.ImageBlock(img.MediaType, img.Data))
	}
	return models.Message{
		ID:        ids.NewULID(),
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// RunCalendar streams a turn through the tool-calling calendar agent.
func (h *Handler) RunCalendar(w http.ResponseWriter, r *http.Request) {
	h.serveRun(w, r, pathCalendar, h.calendar)
}

// RunQA streams a turn through the question-answering model.
func (h *Handler) RunQA(w http.ResponseWriter, r *http.Request) {
	h.serveRun(w, r, pathQA, h.qa)
}

func (h *Handler) serveRun(w http.ResponseWriter, r *http.Request, path string, runner *agent.Runner) {
	ctx := r.Context()
	user := middleware.GetUserFromContext(ctx)
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	req, ok := h.decodeRunRequest(w, r)
	if !ok {
		return
	}
	if !runner.Configured() {
		h.logger.Error().Str("path", path).Msg("agent backend not configured")
		h.Error(w, http.StatusInternalServerError, "agent backend not configured")
		return
	}

	logger := h.logger.With().Str("user_id", user.ID).Str("path", path).Logger()

	conv, created, err := h.conversation(ctx, user.ID, req)
	if err != nil {
		switch {
		case errors.Is(err, errInvalidConversationID):
			h.Error(w, http.StatusBadRequest, "invalid conversation id")
		case errors.Is(err, store.ErrNotFound):
			h.Error(w, http.StatusNotFound, "conversation not found")
		default:
			logger.Error().Err(err).Msg("failed to load conversation")
			h.Error(w, http.StatusInternalServerError, "failed to load conversation")
		}
		return
	}
	logger = logger.With().Str("conversation_id", conv.ID.String()).Logger()

	userMsg := req.userMessage()
	history := make([]models.Message, 0, len(conv.Messages)+1)
	history = append(history, conv.Messages...)
	history = append(history, userMsg)
	system := h.prompts.Build(ctx, user.ID, conv.SystemPrompt)

	// Headers are committed from here on; failures become error frames.
	sse := thread.NewWriter(w, logger)
	if created {
		_ = sse.Send(thread.NewThreadCreated(thread.ConversationToThread(conv)))
	}
	turn := thread.NewTurn(sse, conv.ID.String())
	turn.Begin(userMsg)

	start := time.Now()
	var final string
	cb := h.callbacks(turn, logger)
	cb.OnComplete = func(text string) { final = text }

	err = runner.Run(ctx, agent.RunInput{
		UserID:       user.ID,
		SystemPrompt: system,
		History:      history,
	}, cb)
	metrics.RunDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			metrics.Runs.WithLabelValues(path, "canceled").Inc()
			logger.Info().Err(err).Msg("run canceled by client")
		} else {
			metrics.Runs.WithLabelValues(path, "error").Inc()
			logger.Error().Err(err).Msg("run failed")
		}
		turn.Fail(StreamErrorCode, failureMessage(err))
		return
	}

	reply := turn.Finish(final)
	metrics.Runs.WithLabelValues(path, "completed").Inc()
	h.persist(ctx, logger, conv.ID, userMsg, reply)
}

func (h *Handler) decodeRunRequest(w http.ResponseWriter, r *http.Request) (*RunRequest, bool) {
	body, ok := h.readBody(w, r)
	if !ok {
		return nil, false
	}
	var req RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := req.validate(); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &req, true
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		h.Error(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

// conversation loads the conversation named by req or creates a new one.
// The bool reports whether it was created.
func (h *Handler) conversation(ctx context.Context, userID string, req *RunRequest) (*models.Conversation, bool, error) {
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			return nil, false, errInvalidConversationID
		}
		conv, err := h.store.GetConversation(ctx, userID, id)
		if err != nil {
			return nil, false, err
		}
		return conv, false, nil
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:           ids.NewUUIDv7(),
		UserID:       userID,
		Title:        titleFrom(req.Message),
		Model:        h.model,
		SystemPrompt: h.systemPrompt,
		Messages:     []models.Message{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	return conv, true, nil
}

// callbacks maps runner progress onto the turn's wire events.
func (h *Handler) callbacks(turn *thread.Turn, logger zerolog.Logger) agent.Callbacks {
	return agent.Callbacks{
		OnText: turn.AppendText,
		OnToolUse: func(call tools.Call) {
			if tool, ok := h.tools.Lookup(call.Name); ok && tool.Progress != "" {
				turn.Progress(tool.Icon, tool.Progress)
			}
			args, err := json.Marshal(tools.RedactArguments(call.Input))
			if err != nil {
				args = nil
			}
			turn.ToolCallStarted(call.ID, call.Name, args)
		},
		OnToolApproval: func(ctx context.Context, call tools.Call) bool {
			return h.awaitApproval(ctx, turn, call, logger)
		},
		OnToolResult: func(call tools.Call, res agent.ToolResult) {
			status, outcome := thread.ToolCallCompleted, "ok"
			switch {
			case res.Declined:
				status, outcome = thread.ToolCallRejected, "declined"
			case res.IsError:
				status, outcome = thread.ToolCallFailed, "error"
			}
			name := call.Name
			if _, ok := h.tools.Lookup(name); !ok {
				name = "unknown"
			}
			metrics.ToolCalls.WithLabelValues(name, outcome).Inc()
			turn.ToolCallFinished(call.ID, status, res.Content)
		},
	}
}

// awaitApproval asks the client to approve call and blocks until it answers,
// the approval times out or the request ends.
func (h *Handler) awaitApproval(ctx context.Context, turn *thread.Turn, call tools.Call, logger zerolog.Logger) bool {
	if h.broker == nil {
		return false
	}
	id, err := h.broker.Request(ctx, call.UserID)
	if err != nil {
		metrics.Approvals.WithLabelValues("error").Inc()
		logger.Error().Err(err).Str("tool", call.Name).Msg("approval request failed")
		return false
	}

	turn.RequestApproval(id, call.Name, tools.RedactArguments(call.Input), h.broker.Timeout())
	outcome := h.broker.Await(ctx, id, call.UserID)

	metrics.Approvals.WithLabelValues(string(outcome)).Inc()
	logger.Info().
		Str("approval_id", id).
		Str("tool", call.Name).
		Str("outcome", string(outcome)).
		Msg("approval resolved")
	return outcome.Approved()
}

// persist appends the turn to the conversation. It runs after the stream
// finished, so a failure is only logged.
func (h *Handler) persist(ctx context.Context, logger zerolog.Logger, convID uuid.UUID, msgs ...models.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := h.store.AppendMessages(ctx, convID, msgs...); err != nil {
		logger.Error().Err(err).Msg("failed to save conversation turn")
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, agent.ErrMaxIterations):
		return "The assistant needed too many steps to finish. Please try again."
	case errors.Is(err, context.Canceled):
		return "The request was canceled."
	default:
		return "The assistant failed to respond. Please try again."
	}
}
