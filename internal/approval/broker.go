package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/concierge/internal/ids"
)

const (
	// DefaultTimeout is how long a tool call waits for a decision before it
	// is treated as denied.
	DefaultTimeout = 30 * time.Second
	// DefaultPollInterval is the poll period for stores without push support.
	DefaultPollInterval = 500 * time.Millisecond
)

// Outcome describes how a wait for a decision ended.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeCanceled Outcome = "canceled"
)

// Approved reports whether the tool call may run. Only an explicit approval
// lets it run.
func (o Outcome) Approved() bool {
	return o == OutcomeApproved
}

// Config tunes a Broker. Zero values select the defaults.
type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Broker creates approval requests and waits for their decisions.
type Broker struct {
	store   Store
	timeout time.Duration
	poll    time.Duration
	logger  zerolog.Logger
}

// NewBroker creates a Broker on top of store.
func NewBroker(store Store, cfg Config, logger zerolog.Logger) *Broker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Broker{
		store:   store,
		timeout: cfg.Timeout,
		poll:    cfg.PollInterval,
		logger:  logger,
	}
}

// Timeout returns the wait budget advertised to clients.
func (b *Broker) Timeout() time.Duration {
	return b.timeout
}

// Request stores a new pending approval owned by userID and returns its id.
func (b *Broker) Request(ctx context.Context, userID string) (string, error) {
	id := ids.NewUUIDv7().String()
	if err := b.store.Create(ctx, id, userID); err != nil {
		return "", fmt.Errorf("create approval: %w", err)
	}
	return id, nil
}

// Lookup returns userID's current decision for id without side effects.
func (b *Broker) Lookup(ctx context.Context, id, userID string) (*bool, error) {
	return b.store.Get(ctx, id, userID)
}

// Decide records userID's decision for id. It returns ErrNotFound when the
// approval expired or belongs to another user.
func (b *Broker) Decide(ctx context.Context, id, userID string, approved bool) error {
	return b.store.Resolve(ctx, id, userID, approved)
}

// Await blocks until userID's approval id is resolved, the timeout elapses
// or ctx is done. Anything other than an explicit approval denies the call.
func (b *Broker) Await(ctx context.Context, id, userID string) Outcome {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	if n, ok := b.store.(Notifier); ok {
		ch, release := n.Subscribe(id)
		defer release()
		select {
		case v := <-ch:
			return decision(v)
		case <-timer.C:
			return OutcomeTimeout
		case <-ctx.Done():
			return OutcomeCanceled
		}
	}

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		v, err := b.store.Get(ctx, id, userID)
		if err != nil {
			b.logger.Warn().Err(err).Str("approval_id", id).Msg("approval poll failed")
		} else if v != nil {
			return decision(*v)
		}

		select {
		case <-ticker.C:
		case <-timer.C:
			return OutcomeTimeout
		case <-ctx.Done():
			return OutcomeCanceled
		}
	}
}

func decision(approved bool) Outcome {
	if approved {
		return OutcomeApproved
	}
	return OutcomeDenied
}
