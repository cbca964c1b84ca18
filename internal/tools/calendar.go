package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eldtechnologies/concierge/internal/ids"
	"github.com/eldtechnologies/concierge/internal/models"
	"github.com/eldtechnologies/concierge/internal/serializer"
)

// Backend is the downstream account the tools read and write.
type Backend interface {
	ListEvents(ctx context.Context, userID string, from, to time.Time) ([]models.Event, error)
	CreateEvent(ctx context.Context, e *models.Event) error
	UpdateEvent(ctx context.Context, userID, id string, patch models.EventPatch) (*models.Event, error)
	DeleteEvent(ctx context.Context, userID, id string) error

	ListTasks(ctx context.Context, userID string, includeCompleted bool) ([]models.Task, error)
	CreateTask(ctx context.Context, t *models.Task) error
	CompleteTask(ctx context.Context, userID, id string) (*models.Task, error)
	DeleteTask(ctx context.Context, userID, id string) error
}

const defaultEventLength = time.Hour

// Calendar builds the event and task tools on top of backend. Writes run
// through mu keyed by the calling user.
func Calendar(backend Backend, mu serializer.Serializer) *Registry {
	c := &calendarTools{backend: backend, mu: mu, now: time.Now}
	return NewRegistry(
		c.listEvents(),
		c.createEvent(),
		c.updateEvent(),
		c.deleteEvent(),
		c.listTasks(),
		c.createTask(),
		c.completeTask(),
		c.deleteTask(),
	)
}

type calendarTools struct {
	backend Backend
	mu      serializer.Serializer
	now     func() time.Time
}

func (c *calendarTools) listEvents() *Tool {
	type input struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	return &Tool{
		Name:        "list_events",
		Description: "List calendar events between two RFC 3339 timestamps. Defaults to the next 7 days.",
		InputSchema: object(nil, map[string]any{
			"from": str("Start of the range, RFC 3339"),
			"to":   str("End of the range, RFC 3339"),
		}),
		Icon:     "calendar",
		Progress: "Checking your calendar",
		Run: func(ctx context.Context, call Call) (any, error) {
			in, err := decode[input](call.Input)
			if err != nil {
				return nil, err
			}
			from := c.now()
			to := from.Add(7 * 24 * time.Hour)
			if in.From != "" {
				if from, err = parseTime("from", in.From); err != nil {
					return nil, err
				}
			}
			if in.To != "" {
				if to, err = parseTime("to", in.To); err != nil {
					return nil, err
				}
			}
			events, err := c.backend.ListEvents(ctx, call.UserID, from, to)
			if err != nil {
				return nil, err
			}
			return map[string]any{"events": events}, nil
		},
	}
}

func (c *calendarTools) createEvent() *Tool {
	type input struct {
		Title       string `json:"title"`
		StartsAt    string `json:"starts_at"`
		EndsAt      string `json:"ends_at"`
		Description string `json:"description"`
		Location    string `json:"location"`
	}
	return &Tool{
		Name:        "create_event",
		Description: "Create a calendar event. ends_at defaults to one hour after starts_at.",
		InputSchema: object([]string{"title", "starts_at"}, map[string]any{
			"title":       str("Event title"),
			"starts_at":   str("Start time, RFC 3339"),
			"ends_at":     str("End time, RFC 3339"),
			"description": str("Optional notes"),
			"location":    str("Optional location"),
		}),
		Icon:     "calendar-plus",
		Progress: "Adding to your calendar",
		Run: func(ctx context.Context, call Call) (any, error) {
			in, err := decode[input](call.Input)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(in.Title) == "" {
				return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
			}
			start, err := parseTime("starts_at", in.StartsAt)
			if err != nil {
				return nil, err
			}
			end := start.Add(defaultEventLength)
			if in.EndsAt != "" {
				if end, err = parseTime("ends_at", in.EndsAt); err != nil {
					return nil, err
				}
			}
			if !end.After(start) {
				return nil, fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidInput)
			}
			event := &models.Event{
				ID:          ids.NewULID(),
				UserID:      call.UserID,
				Title:       strings.TrimSpace(in.Title),
				Description: in.Description,
				Location:    in.Location,
				StartsAt:    start,
				EndsAt:      end,
			}
			err = c.mu.Do(ctx, call.UserID, func(ctx context.Context) error {
				return c.backend.CreateEvent(ctx, event)
			})
			if err != nil {
				return nil, err
			}
			return event, nil
		},
	}
}

func (c *calendarTools) updateEvent() *Tool {
	type input struct {
		ID          string  `json:"id"`
		Title       *string `json:"title"`
		StartsAt    *string `json:"starts_at"`
		EndsAt      *string `json:"ends_at"`
		Description *string `json:"description"`
		Location    *string `json:"location"`
	}
	return &Tool{
		Name:        "update_event",
		Description: "Change an existing calendar event. Only the given fields are updated.",
		InputSchema: object([]string{"id"}, map[string]any{
			"id":          str("Event id"),
			"title":       str("New title"),
			"starts_at":   str("New start time, RFC 3339"),
			"ends_at":     str("New end time, RFC 3339"),
			"description": str("New notes"),
			"location":    str("New location"),
		}),
		Icon:     "calendar",
		Progress: "Updating your calendar",
		Run: func(ctx context.Context, call Call) (any, error) {
			in, err := decode[input](call.Input)
			if err != nil {
				return nil, err
			}
			if in.ID == "" {
				return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
			}
			patch := models.EventPatch{Title: in.Title, Description: in.Description, Location: in.Location}
			if in.StartsAt != nil {
				t, err := parseTime("starts_at", *in.StartsAt)
				if err != nil {
					return nil, err
				}
				patch.StartsAt = &t
			}
			if in.EndsAt != nil {
				t, err := parseTime("ends_at", *in.EndsAt)
				if err != nil {
					return nil, err
				}
				patch.EndsAt = &t
			}
			return serializer.WithUserMutex(ctx, c.mu, call.UserID, func(ctx context.Context) (*models.Event, error) {
				return c.backend.UpdateEvent(ctx, call.UserID, in.ID, patch)
			})
		},
	}
}

func (c *calendarTools) deleteEvent() *Tool {
	type input struct {
		ID string `json:"id"`
	}
	return &Tool{
		Name:        "delete_event",
		Description: "Delete a calendar event. The user is asked to approve first.",
		InputSchema: object([]string{"id"}, map[string]any{"id": str("Event id")}),
		Sensitive:   true,
		Icon:        "calendar-x",
		Progress:    "Removing the event",
		Run: func(ctx context.Context, call Call) (any, error) {
			in, err := decode[input](call.Input)
			if err != nil {
				return nil, err
			}
			if in.ID == "" {
				return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
			}
			err = c.mu.Do(ctx, call.UserID, func(ctx context.Context) error {
				return c.backend.DeleteEvent(ctx, call.UserID, in.ID)
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"deleted": in.ID}, nil
		},
	}
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339", ErrInvalidInput, field)
	}
	return t, nil
}
