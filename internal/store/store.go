package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/concierge/internal/models"
)

// ErrNotFound is returned when a record does not exist or belongs to another
// user.
var ErrNotFound = errors.New("not found")

// ErrInvalidEvent is returned when an update would leave an event ending
// before it starts.
var ErrInvalidEvent = errors.New("event must end after it starts")

// DataStore defines the interface for persistent storage of conversations,
// calendar events and tasks. Both PostgresStore and SQLiteStore implement
// this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Conversation operations. Messages are append-only.
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, userID string, id uuid.UUID) (*models.Conversation, error)
	AppendMessages(ctx context.Context, id uuid.UUID, msgs ...models.Message) error
	ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error)
	CountConversations(ctx context.Context) (int64, error)

	// Event operations
	ListEvents(ctx context.Context, userID string, from, to time.Time) ([]models.Event, error)
	CreateEvent(ctx context.Context, e *models.Event) error
	UpdateEvent(ctx context.Context, userID, id string, patch models.EventPatch) (*models.Event, error)
	DeleteEvent(ctx context.Context, userID, id string) error

	// Task operations
	ListTasks(ctx context.Context, userID string, includeCompleted bool) ([]models.Task, error)
	CreateTask(ctx context.Context, t *models.Task) error
	CompleteTask(ctx context.Context, userID, id string) (*models.Task, error)
	DeleteTask(ctx context.Context, userID, id string) error
}

const defaultListLimit = 50

func listLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return defaultListLimit
	}
	return limit
}

// applyPatch returns e with the non-nil fields of p applied.
func applyPatch(e models.Event, p models.EventPatch, now time.Time) (models.Event, error) {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Location != nil {
		e.Location = *p.Location
	}
	if p.StartsAt != nil {
		e.StartsAt = *p.StartsAt
	}
	if p.EndsAt != nil {
		e.EndsAt = *p.EndsAt
	}
	if !e.EndsAt.After(e.StartsAt) {
		return e, ErrInvalidEvent
	}
	e.UpdatedAt = now
	return e, nil
}
