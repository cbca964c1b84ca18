package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/concierge/internal/ids"
	"github.com/eldtechnologies/concierge/internal/models"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSQLiteConversations(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	conv := &models.Conversation{
		ID:     ids.NewUUIDv7(),
		UserID: "u1",
		Title:  "Planning",
		Messages: []models.Message{{
			ID:      ids.NewULID(),
			Role:    models.RoleUser,
			Content: []models.ContentBlock{models.TextBlock("hi"), models.ImageBlock("image/png", "AAAA")},
		}},
	}
	require.NoError(t, s.CreateConversation(ctx, conv))

	reply := models.Message{ID: ids.NewULID(), Role: models.RoleAssistant, Content: []models.ContentBlock{models.TextBlock("hello")}}
	require.NoError(t, s.AppendMessages(ctx, conv.ID, reply))

	got, err := s.GetConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Equal(t, "Planning", got.Title)
	require.Len(t, got.Messages, 2)
	require.Equal(t, conv.Messages[0].Content, got.Messages[0].Content)
	require.Equal(t, "hello", got.Messages[1].Text())

	_, err = s.GetConversation(ctx, "u2", conv.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.AppendMessages(ctx, ids.NewUUIDv7(), reply), ErrNotFound)

	list, err := s.ListConversations(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, conv.ID, list[0].ID)
	require.Empty(t, list[0].Messages)

	count, err := s.CountConversations(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestSQLiteEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	start := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)

	e := &models.Event{ID: ids.NewULID(), UserID: "u1", Title: "Dentist", StartsAt: start, EndsAt: start.Add(time.Hour)}
	require.NoError(t, s.CreateEvent(ctx, e))

	events, err := s.ListEvents(ctx, "u1", start.Add(-24*time.Hour), start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].StartsAt.Equal(start))

	events, err = s.ListEvents(ctx, "u1", start.Add(2*time.Hour), start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, events)

	title := "Dentist (moved)"
	later := start.Add(2 * time.Hour)
	updated, err := s.UpdateEvent(ctx, "u1", e.ID, models.EventPatch{Title: &title, StartsAt: &later, EndsAt: ptr(later.Add(30 * time.Minute))})
	require.NoError(t, err)
	require.Equal(t, title, updated.Title)

	before := start.Add(-time.Hour)
	_, err = s.UpdateEvent(ctx, "u1", e.ID, models.EventPatch{EndsAt: &before})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = s.UpdateEvent(ctx, "u2", e.ID, models.EventPatch{Title: &title})
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.DeleteEvent(ctx, "u2", e.ID), ErrNotFound)
	require.NoError(t, s.DeleteEvent(ctx, "u1", e.ID))
	require.ErrorIs(t, s.DeleteEvent(ctx, "u1", e.ID), ErrNotFound)
}

func TestSQLiteTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	due := time.Date(2026, 10, 21, 17, 0, 0, 0, time.UTC)

	a := &models.Task{ID: ids.NewULID(), UserID: "u1", Title: "Pay rent", DueAt: &due}
	b := &models.Task{ID: ids.NewULID(), UserID: "u1", Title: "Call mum"}
	require.NoError(t, s.CreateTask(ctx, a))
	require.NoError(t, s.CreateTask(ctx, b))

	done, err := s.CompleteTask(ctx, "u1", a.ID)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	require.True(t, done.DueAt.Equal(due))

	open, err := s.ListTasks(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "Call mum", open[0].Title)

	all, err := s.ListTasks(ctx, "u1", true)
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = s.CompleteTask(ctx, "u2", b.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteTask(ctx, "u1", b.ID))
	require.ErrorIs(t, s.DeleteTask(ctx, "u1", b.ID), ErrNotFound)
}

func ptr[T any](v T) *T { return &v }
