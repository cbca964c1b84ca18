package prompt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/concierge/internal/models"
)

type fakeSource struct {
	events    []models.Event
	tasks     []models.Task
	eventsErr error
}

func (f *fakeSource) ListEvents(context.Context, string, time.Time, time.Time) ([]models.Event, error) {
	return f.events, f.eventsErr
}

func (f *fakeSource) ListTasks(context.Context, string, bool) ([]models.Task, error) {
	return f.tasks, nil
}

func fixedBuilder(src Source) *Builder {
	b := NewBuilder(src, time.UTC, zerolog.Nop())
	b.now = func() time.Time { return time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC) }
	return b
}

func TestBuildIncludesSchedule(t *testing.T) {
	due := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		events: []models.Event{{
			ID: "e1", Title: "Standup", Location: "Room 4",
			StartsAt: time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC),
			EndsAt:   time.Date(2026, 10, 16, 10, 15, 0, 0, time.UTC),
		}},
		tasks: []models.Task{{ID: "t1", Title: "Pay rent", DueAt: &due}},
	}
	got := fixedBuilder(src).Build(context.Background(), "u1", "Base prompt.")

	require.Contains(t, got, "Base prompt.\n\nCurrent time: Friday, 16 October 2026 09:30 UTC (2026-10-16T09:30:00Z).")
	require.Contains(t, got, "- Standup [e1] 2026-10-16T10:00:00Z to 2026-10-16T10:15:00Z at Room 4")
	require.Contains(t, got, "- Pay rent [t1] due 2026-10-18T12:00:00Z")
}

func TestBuildDefaults(t *testing.T) {
	got := fixedBuilder(nil).Build(context.Background(), "u1", "  ")
	require.Contains(t, got, DefaultBase)
	require.NotContains(t, got, "Open tasks")
}

func TestBuildSkipsFailedLookup(t *testing.T) {
	got := fixedBuilder(&fakeSource{eventsErr: errors.New("db down")}).Build(context.Background(), "u1", "Base.")
	require.NotContains(t, got, "Upcoming events")
	require.Contains(t, got, "Open tasks:\n- none")
}
