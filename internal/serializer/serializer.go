// Package serializer orders mutations against a user's downstream account.
//
// Every write a tool or handler issues for a user goes through a Serializer
// keyed by user id. Operations for one user run one at a time in the order
// they were submitted; operations for different users run concurrently.
package serializer

import (
	"context"
	"fmt"
	"sync"
)

// Serializer runs operations one at a time per key.
type Serializer interface {
	Do(ctx context.Context, userID string, op func(ctx context.Context) error) error
}

// WithUserMutex runs op through s and returns its result.
func WithUserMutex[T any](ctx context.Context, s Serializer, userID string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, userID, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// chain is the FIFO state for one key. tail is closed when the most
// recently queued operation has finished; version identifies that operation.
type chain struct {
	tail    chan struct{}
	version uint64
}

// Local is an in-process Serializer.
type Local struct {
	mu     sync.Mutex
	seq    uint64 // versions are unique across all chains
	chains map[string]*chain
}

// NewLocal returns an empty Local serializer.
func NewLocal() *Local {
	return &Local{chains: make(map[string]*chain)}
}

// Do queues op behind every operation previously submitted for userID and
// blocks until op has run. If ctx is cancelled while waiting, Do returns
// ctx.Err() without running op; operations queued behind it still wait for
// the predecessor so ordering is preserved.
func (l *Local) Do(ctx context.Context, userID string, op func(ctx context.Context) error) error {
	prev, done, version := l.enqueue(userID)

	select {
	case <-prev:
	case <-ctx.Done():
		go func() {
			<-prev
			l.release(userID, done, version)
		}()
		return ctx.Err()
	}

	defer l.release(userID, done, version)
	return run(ctx, op)
}

// Len reports the number of users with queued or running operations.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chains)
}

func (l *Local) enqueue(userID string) (prev <-chan struct{}, done chan struct{}, version uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.chains[userID]
	if !ok {
		settled := make(chan struct{})
		close(settled)
		c = &chain{tail: settled}
		l.chains[userID] = c
	}
	prev = c.tail
	done = make(chan struct{})
	l.seq++
	c.tail = done
	c.version = l.seq
	return prev, done, c.version
}

// release signals the next operation and drops the chain when no newer
// operation replaced this one as the tail.
func (l *Local) release(userID string, done chan struct{}, version uint64) {
	close(done)

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.chains[userID]; ok && c.version == version {
		delete(l.chains, userID)
	}
}

func run(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serializer: operation panicked: %v", r)
		}
	}()
	return op(ctx)
}
