package models

import "time"

// Task is a to-do item.
type Task struct {
	ID          string     `json:"id"` // ULID
	UserID      string     `json:"-"`
	Title       string     `json:"title"`
	Notes       string     `json:"notes,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
