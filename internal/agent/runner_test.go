package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/concierge/internal/models"
	"github.com/eldtechnologies/concierge/internal/tools"
)

// scriptedModel replays one chunk list per round.
type scriptedModel struct {
	mu       sync.Mutex
	rounds   [][]Chunk
	requests []*Request
	err      error
}

func (m *scriptedModel) Stream(_ context.Context, req *Request) (Streamer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	cp.Messages = append([]Message(nil), req.Messages...)
	m.requests = append(m.requests, &cp)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.rounds) == 0 {
		return &sliceStream{}, nil
	}
	round := m.rounds[0]
	m.rounds = m.rounds[1:]
	return &sliceStream{chunks: round}, nil
}

type sliceStream struct {
	chunks []Chunk
	err    error
}

func (s *sliceStream) Recv() (Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error { return nil }

func text(s string) Chunk { return Chunk{Type: ChunkText, Text: s} }

func toolCall(id, name, input string) Chunk {
	return Chunk{Type: ChunkToolCall, ToolCall: &ToolUsePart{ID: id, Name: name, Input: json.RawMessage(input)}}
}

type recorder struct {
	deltas    []string
	uses      []string
	results   []ToolResult
	completed []string
	errs      []error
	approve   bool
	asked     int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnText:    func(d string) { r.deltas = append(r.deltas, d) },
		OnToolUse: func(c tools.Call) { r.uses = append(r.uses, c.Name) },
		OnToolApproval: func(context.Context, tools.Call) bool {
			r.asked++
			return r.approve
		},
		OnToolResult: func(_ tools.Call, res ToolResult) { r.results = append(r.results, res) },
		OnComplete:   func(s string) { r.completed = append(r.completed, s) },
		OnError:      func(err error) { r.errs = append(r.errs, err) },
	}
}

func testRegistry(ran *[]string) *tools.Registry {
	run := func(name string) func(context.Context, tools.Call) (any, error) {
		return func(_ context.Context, c tools.Call) (any, error) {
			*ran = append(*ran, name)
			if name == "broken" {
				return nil, errors.New("backend down")
			}
			return map[string]any{"ok": true, "user": c.UserID}, nil
		}
	}
	return tools.NewRegistry(
		&tools.Tool{Name: "list_events", Description: "list", InputSchema: map[string]any{"type": "object"}, Run: run("list_events")},
		&tools.Tool{Name: "delete_event", Description: "delete", InputSchema: map[string]any{"type": "object"}, Sensitive: true, Run: run("delete_event")},
		&tools.Tool{Name: "broken", Description: "fails", InputSchema: map[string]any{"type": "object"}, Run: run("broken")},
	)
}

func input(msg string) RunInput {
	return RunInput{
		UserID:       "u1",
		SystemPrompt: "be helpful",
		History: []models.Message{{
			ID:      "m1",
			Role:    models.RoleUser,
			Content: []models.ContentBlock{models.TextBlock(msg)},
		}},
	}
}

func TestRunTextOnly(t *testing.T) {
	model := &scriptedModel{rounds: [][]Chunk{{text("Hel"), text("lo"), {Type: ChunkStop}}}}
	r := NewRunner(model, nil, Options{}, zerolog.Nop())
	rec := &recorder{}

	require.NoError(t, r.Run(context.Background(), input("hi"), rec.callbacks()))
	require.Equal(t, []string{"Hel", "lo"}, rec.deltas)
	require.Equal(t, []string{"Hello"}, rec.completed)
	require.Empty(t, rec.errs)
	require.Equal(t, "be helpful", model.requests[0].System)
	require.Empty(t, model.requests[0].Tools)
}

func TestRunToolLoopSeparatesRounds(t *testing.T) {
	var ran []string
	model := &scriptedModel{rounds: [][]Chunk{
		{text("Let me check."), toolCall("t1", "list_events", `{}`)},
		{text("You are free.")},
	}}
	r := NewRunner(model, testRegistry(&ran), Options{}, zerolog.Nop())
	rec := &recorder{}

	require.NoError(t, r.Run(context.Background(), input("am I free?"), rec.callbacks()))
	require.Equal(t, []string{"list_events"}, ran)
	require.Equal(t, []string{"list_events"}, rec.uses)
	require.Equal(t, []string{"Let me check.", "\n\n", "You are free."}, rec.deltas)
	require.Equal(t, strings.Join(rec.deltas, ""), rec.completed[0])
	require.Equal(t, 0, rec.asked)

	second := model.requests[1]
	require.Len(t, second.Messages, 3)
	require.Equal(t, models.RoleAssistant, second.Messages[1].Role)
	result := second.Messages[2].Parts[0].(ToolResultPart)
	require.Equal(t, "t1", result.ToolUseID)
	require.False(t, result.IsError)
	require.JSONEq(t, `{"ok":true,"user":"u1"}`, result.Content)
}

func TestRunDeclinedToolNeverExecutes(t *testing.T) {
	var ran []string
	model := &scriptedModel{rounds: [][]Chunk{
		{toolCall("t1", "delete_event", `{"id":"e1"}`)},
		{text("Okay, I left it.")},
	}}
	r := NewRunner(model, testRegistry(&ran), Options{}, zerolog.Nop())
	rec := &recorder{approve: false}

	require.NoError(t, r.Run(context.Background(), input("delete it"), rec.callbacks()))
	require.Empty(t, ran)
	require.Equal(t, 1, rec.asked)
	require.Len(t, rec.results, 1)
	require.True(t, rec.results[0].Declined)
	require.True(t, rec.results[0].IsError)

	result := model.requests[1].Messages[2].Parts[0].(ToolResultPart)
	require.True(t, result.IsError)
	require.Contains(t, result.Content, "declined")
}

func TestRunApprovedToolExecutes(t *testing.T) {
	var ran []string
	model := &scriptedModel{rounds: [][]Chunk{
		{toolCall("t1", "delete_event", `{"id":"e1"}`)},
		{text("Deleted.")},
	}}
	r := NewRunner(model, testRegistry(&ran), Options{}, zerolog.Nop())
	rec := &recorder{approve: true}

	require.NoError(t, r.Run(context.Background(), input("delete it"), rec.callbacks()))
	require.Equal(t, []string{"delete_event"}, ran)
	require.False(t, rec.results[0].Declined)
}

func TestRunNilApprovalDenies(t *testing.T) {
	var ran []string
	model := &scriptedModel{rounds: [][]Chunk{
		{toolCall("t1", "delete_event", `{}`)},
		{text("ok")},
	}}
	r := NewRunner(model, testRegistry(&ran), Options{}, zerolog.Nop())

	require.NoError(t, r.Run(context.Background(), input("delete"), Callbacks{}))
	require.Empty(t, ran)
}

func TestRunToolErrorsFeedBack(t *testing.T) {
	var ran []string
	model := &scriptedModel{rounds: [][]Chunk{
		{toolCall("t1", "broken", `{}`), toolCall("t2", "nope", `{}`)},
		{text("Sorry.")},
	}}
	r := NewRunner(model, testRegistry(&ran), Options{}, zerolog.Nop())
	rec := &recorder{}

	require.NoError(t, r.Run(context.Background(), input("x"), rec.callbacks()))
	require.Len(t, rec.results, 2)
	assert.Equal(t, "backend down", rec.results[0].Content)
	assert.True(t, rec.results[0].IsError)
	assert.Contains(t, rec.results[1].Content, "unknown tool")
	require.Equal(t, []string{"Sorry."}, rec.completed)
}

func TestRunMaxIterations(t *testing.T) {
	var ran []string
	loop := make([][]Chunk, 5)
	for i := range loop {
		loop[i] = []Chunk{toolCall("t", "list_events", `{}`)}
	}
	model := &scriptedModel{rounds: loop}
	r := NewRunner(model, testRegistry(&ran), Options{MaxIterations: 3}, zerolog.Nop())
	rec := &recorder{}

	err := r.Run(context.Background(), input("x"), rec.callbacks())
	require.ErrorIs(t, err, ErrMaxIterations)
	require.Len(t, rec.errs, 1)
	require.Empty(t, rec.completed)
	require.Len(t, ran, 3)
}

func TestRunModelErrors(t *testing.T) {
	model := &scriptedModel{err: errors.New("overloaded")}
	r := NewRunner(model, nil, Options{}, zerolog.Nop())
	rec := &recorder{}

	require.Error(t, r.Run(context.Background(), input("x"), rec.callbacks()))
	require.Len(t, rec.errs, 1)
	require.Empty(t, rec.completed)
}

func TestRunNotConfigured(t *testing.T) {
	r := NewRunner(nil, nil, Options{}, zerolog.Nop())
	require.False(t, r.Configured())
	rec := &recorder{}
	require.ErrorIs(t, r.Run(context.Background(), input("x"), rec.callbacks()), ErrNotConfigured)
	require.Len(t, rec.errs, 1)
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{rounds: [][]Chunk{{text("never")}}}
	r := NewRunner(model, nil, Options{}, zerolog.Nop())
	rec := &recorder{}

	require.ErrorIs(t, r.Run(ctx, input("x"), rec.callbacks()), context.Canceled)
	require.Empty(t, rec.deltas)
	require.Empty(t, model.requests)
}

func TestFromModels(t *testing.T) {
	msgs := FromModels([]models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{
			models.TextBlock("look"),
			models.ImageBlock("image/png", "AAAA"),
		}},
		{Role: models.RoleAssistant, Content: []models.ContentBlock{models.TextBlock("")}},
	})
	require.Len(t, msgs, 1)
	require.Equal(t, []Part{TextPart{Text: "look"}, ImagePart{MediaType: "image/png", Data: "AAAA"}}, msgs[0].Parts)
}
