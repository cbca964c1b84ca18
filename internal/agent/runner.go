package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/concierge/internal/models"
	"github.com/eldtechnologies/concierge/internal/tools"
)

const (
	// DefaultMaxIterations bounds the number of model rounds per run.
	DefaultMaxIterations = 8
	// DefaultMaxTokens is the completion cap per model round.
	DefaultMaxTokens = 4096

	roundSeparator = "\n\n"
	declinedResult = "The user declined this action. It was not performed."
)

// ToolResult is the outcome of one tool call as fed back to the model.
type ToolResult struct {
	Content  string
	IsError  bool
	Declined bool
}

// Callbacks receive the progress of a run. All fields are optional except
// that a nil OnToolApproval denies every sensitive tool.
type Callbacks struct {
	// OnText receives each text fragment in arrival order.
	OnText func(delta string)
	// OnToolUse fires before a tool runs or is sent for approval.
	OnToolUse func(call tools.Call)
	// OnToolApproval blocks until the user decides on a sensitive tool.
	OnToolApproval func(ctx context.Context, call tools.Call) bool
	// OnToolResult fires once per tool call, after it ran or was declined.
	OnToolResult func(call tools.Call, result ToolResult)
	// OnComplete fires once with the final reply text.
	OnComplete func(finalText string)
	// OnError fires at most once. Nothing fires after it.
	OnError func(err error)
}

// RunInput is the conversation a run answers. History ends with the new
// user message.
type RunInput struct {
	UserID       string
	SystemPrompt string
	History      []models.Message
}

// Options configures a Runner.
type Options struct {
	MaxIterations int
	MaxTokens     int
}

// Runner executes the tool-calling loop.
type Runner struct {
	model   Model
	tools   *tools.Registry
	maxIter int
	maxTok  int
	logger  zerolog.Logger
}

// NewRunner returns a Runner for model offering reg. reg may be nil for a
// runner without tools.
func NewRunner(model Model, reg *tools.Registry, opts Options, logger zerolog.Logger) *Runner {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Runner{
		model:   model,
		tools:   reg,
		maxIter: opts.MaxIterations,
		maxTok:  opts.MaxTokens,
		logger:  logger.With().Str("component", "agent").Logger(),
	}
}

// Configured reports whether the runner has a model backend.
func (r *Runner) Configured() bool {
	return r != nil && r.model != nil
}

// Run drives the loop until the model stops calling tools. The returned
// error is the one passed to OnError, if any.
func (r *Runner) Run(ctx context.Context, in RunInput, cb Callbacks) error {
	if !r.Configured() {
		return r.fail(cb, ErrNotConfigured)
	}

	req := &Request{
		System:    in.SystemPrompt,
		Messages:  FromModels(in.History),
		Tools:     r.definitions(),
		MaxTokens: r.maxTok,
	}
	var final strings.Builder

	for iter := 0; iter < r.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return r.fail(cb, err)
		}

		text, calls, err := r.round(ctx, req, &final, cb)
		if err != nil {
			return r.fail(cb, err)
		}

		assistant := Message{Role: models.RoleAssistant}
		if text != "" {
			assistant.Parts = append(assistant.Parts, TextPart{Text: text})
		}
		for _, call := range calls {
			assistant.Parts = append(assistant.Parts, call)
		}
		if len(assistant.Parts) > 0 {
			req.Messages = append(req.Messages, assistant)
		}

		if len(calls) == 0 {
			if cb.OnComplete != nil {
				cb.OnComplete(final.String())
			}
			return nil
		}

		results := Message{Role: models.RoleUser}
		for _, use := range calls {
			res, err := r.execute(ctx, in.UserID, use, cb)
			if err != nil {
				return r.fail(cb, err)
			}
			results.Parts = append(results.Parts, ToolResultPart{
				ToolUseID: use.ID,
				Content:   res.Content,
				IsError:   res.IsError,
			})
		}
		req.Messages = append(req.Messages, results)
	}

	return r.fail(cb, fmt.Errorf("%w (%d)", ErrMaxIterations, r.maxIter))
}

// round streams one model response. Text deltas are forwarded as they
// arrive; a separator precedes the first delta of a round when earlier
// rounds produced text.
func (r *Runner) round(ctx context.Context, req *Request, final *strings.Builder, cb Callbacks) (string, []ToolUsePart, error) {
	stream, err := r.model.Stream(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("model stream: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	var calls []ToolUsePart
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", nil, ctxErr
			}
			return "", nil, fmt.Errorf("model stream: %w", err)
		}
		switch chunk.Type {
		case ChunkText:
			if chunk.Text == "" {
				continue
			}
			if text.Len() == 0 && final.Len() > 0 {
				r.emit(final, roundSeparator, cb)
			}
			text.WriteString(chunk.Text)
			r.emit(final, chunk.Text, cb)
		case ChunkToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case ChunkStop:
			r.logger.Debug().Str("stop_reason", chunk.StopReason).Int("tool_calls", len(calls)).Msg("Model round finished")
		}
	}
	return text.String(), calls, nil
}

func (r *Runner) emit(final *strings.Builder, delta string, cb Callbacks) {
	final.WriteString(delta)
	if cb.OnText != nil {
		cb.OnText(delta)
	}
}

// execute runs one tool call. Tool failures become error results; only
// cancellation aborts the run.
func (r *Runner) execute(ctx context.Context, userID string, use ToolUsePart, cb Callbacks) (ToolResult, error) {
	input := use.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	call := tools.Call{ID: use.ID, Name: use.Name, Input: input, UserID: userID}
	if cb.OnToolUse != nil {
		cb.OnToolUse(call)
	}

	var res ToolResult
	tool, ok := r.tools.Lookup(use.Name)
	switch {
	case !ok:
		res = ToolResult{Content: fmt.Sprintf("unknown tool %q", use.Name), IsError: true}
	case tool.Sensitive && !approve(ctx, call, cb):
		if err := ctx.Err(); err != nil {
			return ToolResult{}, err
		}
		res = ToolResult{Content: declinedResult, IsError: true, Declined: true}
	default:
		out, err := tool.Run(ctx, call)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ToolResult{}, ctxErr
			}
			r.logger.Warn().Err(err).Str("tool", use.Name).Str("user_id", userID).Msg("Tool call failed")
			res = ToolResult{Content: err.Error(), IsError: true}
			break
		}
		data, err := json.Marshal(out)
		if err != nil {
			res = ToolResult{Content: fmt.Sprintf("encode result: %v", err), IsError: true}
			break
		}
		res = ToolResult{Content: string(data)}
	}

	if cb.OnToolResult != nil {
		cb.OnToolResult(call, res)
	}
	return res, nil
}

func approve(ctx context.Context, call tools.Call, cb Callbacks) bool {
	if cb.OnToolApproval == nil {
		return false
	}
	return cb.OnToolApproval(ctx, call)
}

func (r *Runner) definitions() []ToolDefinition {
	list := r.tools.List()
	defs := make([]ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

func (r *Runner) fail(cb Callbacks, err error) error {
	if cb.OnError != nil {
		cb.OnError(err)
	}
	return err
}
