// Package prompt builds the system prompt sent with each agent run.
package prompt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/concierge/internal/models"
)

// DefaultBase is used when no system prompt is configured.
const DefaultBase = `You are a personal assistant that manages the user's calendar and tasks.
Use the tools to read and change events and tasks. Always pass times as RFC 3339.
Deleting an event or a task requires the user's approval; if they decline, say so and do not retry.
Be brief.`

const (
	upcomingWindow = 7 * 24 * time.Hour
	maxListed      = 20
)

// Source provides the user's schedule.
type Source interface {
	ListEvents(ctx context.Context, userID string, from, to time.Time) ([]models.Event, error)
	ListTasks(ctx context.Context, userID string, includeCompleted bool) ([]models.Task, error)
}

// Builder appends the current time and the user's schedule to a base prompt.
type Builder struct {
	source Source
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

// NewBuilder returns a Builder. A nil source yields prompts with the time only.
func NewBuilder(source Source, loc *time.Location, logger zerolog.Logger) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{source: source, loc: loc, now: time.Now, logger: logger}
}

// Build returns base enhanced with context for userID. Schedule lookups
// that fail are left out.
func (b *Builder) Build(ctx context.Context, userID, base string) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultBase
	}
	now := b.now().In(b.loc)

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(base, "\n"))
	fmt.Fprintf(&sb, "\n\nCurrent time: %s (%s).", now.Format("Monday, 2 January 2006 15:04 MST"), now.Format(time.RFC3339))

	if b.source == nil {
		return sb.String()
	}

	events, err := b.source.ListEvents(ctx, userID, now, now.Add(upcomingWindow))
	if err != nil {
		b.logger.Warn().Err(err).Str("user_id", userID).Msg("Prompt: failed to load events")
	} else {
		sb.WriteString("\n\nUpcoming events (next 7 days):")
		if len(events) == 0 {
			sb.WriteString("\n- none")
		}
		for i, e := range events {
			if i == maxListed {
				fmt.Fprintf(&sb, "\n- and %d more", len(events)-maxListed)
				break
			}
			fmt.Fprintf(&sb, "\n- %s [%s] %s to %s", e.Title, e.ID,
				e.StartsAt.In(b.loc).Format(time.RFC3339), e.EndsAt.In(b.loc).Format(time.RFC3339))
			if e.Location != "" {
				fmt.Fprintf(&sb, " at %s", e.Location)
			}
		}
	}

	tasks, err := b.source.ListTasks(ctx, userID, false)
	if err != nil {
		b.logger.Warn().Err(err).Str("user_id", userID).Msg("Prompt: failed to load tasks")
		return sb.String()
	}
	sb.WriteString("\n\nOpen tasks:")
	if len(tasks) == 0 {
		sb.WriteString("\n- none")
	}
	for i, t := range tasks {
		if i == maxListed {
			fmt.Fprintf(&sb, "\n- and %d more", len(tasks)-maxListed)
			break
		}
		fmt.Fprintf(&sb, "\n- %s [%s]", t.Title, t.ID)
		if t.DueAt != nil {
			fmt.Fprintf(&sb, " due %s", t.DueAt.In(b.loc).Format(time.RFC3339))
		}
	}
	return sb.String()
}
