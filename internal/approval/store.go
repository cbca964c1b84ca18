// Package approval implements the human-in-the-loop handshake for sensitive
// tool calls.
//
// The streaming request that wants to run a sensitive tool creates a pending
// record and waits on it. A second, independent request from the client
// stores the user's decision under the same id. Records are ephemeral: they
// live for a fixed TTL whether or not they were resolved, and belong to the
// user whose run created them.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTTL bounds how long any record, resolved or not, is kept.
const DefaultTTL = 60 * time.Second

// ErrNotFound is returned by Resolve when no live record with that id
// belongs to the caller. Nothing is stored in that case.
var ErrNotFound = errors.New("approval not found")

// Store holds approval decisions keyed by approval id. Records are created
// only by Create; a decision for an id that is unknown, expired or owned by
// another user is dropped.
type Store interface {
	Create(ctx context.Context, id, owner string) error
	// Get returns the decision, or nil when the approval is pending, unknown,
	// expired or owned by another user.
	Get(ctx context.Context, id, owner string) (*bool, error)
	Resolve(ctx context.Context, id, owner string, approved bool) error
}

// Notifier is implemented by stores that can push decisions to waiters.
// Waiters on stores without it fall back to polling.
type Notifier interface {
	// Subscribe returns a channel that receives the decision for id once it
	// is resolved, and a function that releases the subscription.
	Subscribe(id string) (<-chan bool, func())
}

type record struct {
	owner     string
	value     *bool
	createdAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]record
	waiters map[string]map[chan bool]struct{}
}

// NewMemoryStore creates a MemoryStore that forgets records after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]record),
		waiters: make(map[string]map[chan bool]struct{}),
	}
}

// Create stores a pending record for id owned by owner.
func (s *MemoryStore) Create(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = record{owner: owner, createdAt: s.now()}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id, owner string) (*bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.owner != owner || rec.value == nil {
		return nil, nil
	}
	v := *rec.value
	return &v, nil
}

// Resolve stores the decision for an existing record with a fresh
// timestamp. The last write wins. Ids that were never created, were swept
// or belong to someone else yield ErrNotFound.
func (s *MemoryStore) Resolve(_ context.Context, id, owner string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.owner != owner {
		return ErrNotFound
	}
	v := approved
	rec.value = &v
	rec.createdAt = s.now()
	s.records[id] = rec
	for ch := range s.waiters[id] {
		select {
		case ch <- approved:
		default:
		}
	}
	return nil
}

// Subscribe implements Notifier.
func (s *MemoryStore) Subscribe(id string) (<-chan bool, func()) {
	ch := make(chan bool, 1)

	s.mu.Lock()
	if rec, ok := s.records[id]; ok && rec.value != nil {
		ch <- *rec.value
	}
	set, ok := s.waiters[id]
	if !ok {
		set = make(map[chan bool]struct{})
		s.waiters[id] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.waiters[id], ch)
		if len(s.waiters[id]) == 0 {
			delete(s.waiters, id)
		}
	}
}

// Sweep removes every record older than the TTL and returns how many were
// removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if now.Sub(rec.createdAt) > s.ttl {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of records currently held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Run sweeps expired records every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.Sweep(t)
		}
	}
}
