package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/concierge/internal/agent"
	"github.com/eldtechnologies/concierge/internal/api/middleware"
	"github.com/eldtechnologies/concierge/internal/approval"
	"github.com/eldtechnologies/concierge/internal/models"
	"github.com/eldtechnologies/concierge/internal/prompt"
	"github.com/eldtechnologies/concierge/internal/serializer"
	"github.com/eldtechnologies/concierge/internal/store"
	"github.com/eldtechnologies/concierge/internal/thread"
	"github.com/eldtechnologies/concierge/internal/tools"
)

// scriptedModel replays one chunk list per round and records requests.
type scriptedModel struct {
	mu       sync.Mutex
	rounds   [][]agent.Chunk
	requests []*agent.Request
	err      error
}

func (m *scriptedModel) Stream(_ context.Context, req *agent.Request) (agent.Streamer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	cp.Messages = append([]agent.Message(nil), req.Messages...)
	m.requests = append(m.requests, &cp)
	if m.err != nil {
		return nil, m.err
	}
	var round []agent.Chunk
	if len(m.rounds) > 0 {
		round, m.rounds = m.rounds[0], m.rounds[1:]
	}
	return &sliceStream{chunks: round}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type sliceStream struct {
	chunks []agent.Chunk
}

func (s *sliceStream) Recv() (agent.Chunk, error) {
	if len(s.chunks) == 0 {
		return agent.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error { return nil }

func text(s string) agent.Chunk { return agent.Chunk{Type: agent.ChunkText, Text: s} }

func toolCall(id, name, input string) agent.Chunk {
	return agent.Chunk{Type: agent.ChunkToolCall, ToolCall: &agent.ToolUsePart{ID: id, Name: name, Input: json.RawMessage(input)}}
}

type env struct {
	h         *Handler
	store     *store.SQLiteStore
	approvals *approval.MemoryStore
	calendar  *scriptedModel
	qa        *scriptedModel
}

func newEnv(t *testing.T, approvalTimeout time.Duration) *env {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)

	logger := zerolog.Nop()
	mu := serializer.NewLocal()
	reg := tools.Calendar(st, mu)
	approvals := approval.NewMemoryStore(0)
	broker := approval.NewBroker(approvals, approval.Config{Timeout: approvalTimeout, PollInterval: 10 * time.Millisecond}, logger)

	e := &env{store: st, approvals: approvals, calendar: &scriptedModel{}, qa: &scriptedModel{}}
	e.h = NewHandler(Deps{
		Store:    st,
		Broker:   broker,
		Calendar: agent.NewRunner(e.calendar, reg, agent.Options{}, logger),
		QA:       agent.NewRunner(e.qa, nil, agent.Options{}, logger),
		Tools:    reg,
		Prompts:  prompt.NewBuilder(st, time.UTC, logger),
		Gauges: []Gauge{
			{Name: "pending_approvals", Len: approvals.Len},
			{Name: "serializer_chains", Len: mu.Len},
		},
		Model:  "test-model",
		Logger: logger,
	})
	return e
}

func asUser(r *http.Request, user string) *http.Request {
	if user == "" {
		return r
	}
	return r.WithContext(middleware.WithUser(r.Context(), &models.User{ID: user}))
}

func call(handler http.HandlerFunc, method, target, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler(rec, asUser(req, user))
	return rec
}

// router mounts the handlers with every request authenticated as user.
func (e *env) router(user string) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, asUser(req, user))
		})
	})
	r.Post("/turn", e.h.Turn)
	r.Post("/runs/calendar", e.h.RunCalendar)
	r.Post("/runs/qa", e.h.RunQA)
	r.Get("/approvals", e.h.GetApproval)
	r.Post("/approvals", e.h.PostApproval)
	r.Get("/threads", e.h.ListThreads)
	r.Get("/threads/{id}", e.h.GetThread)
	return r
}

// frames decodes an SSE body.
func frames(t *testing.T, body string) []thread.Event {
	t.Helper()
	var out []thread.Event
	for _, chunk := range strings.Split(body, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), "frame %q", chunk)
		ev, err := thread.DecodeEvent([]byte(strings.TrimPrefix(chunk, "data: ")))
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func types(events []thread.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType()
	}
	return out
}

func toolItem(t *testing.T, events []thread.Event) *thread.ClientToolCallItem {
	t.Helper()
	for _, ev := range events {
		if done, ok := ev.(thread.ItemDone); ok {
			if item, ok := done.Item.(*thread.ClientToolCallItem); ok {
				return item
			}
		}
	}
	t.Fatal("no finished tool call item")
	return nil
}
