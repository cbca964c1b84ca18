// Package ids generates identifiers for conversations, messages and approvals.
package ids

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewULID returns a lexically sortable ULID string.
func NewULID() string {
	return ulid.Make().String()
}
