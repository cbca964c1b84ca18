package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const localSweepEvery = 1024

// LocalCounter keeps one token bucket per key in memory. A bucket holds
// limit tokens and refills completely over window.
type LocalCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*bucket
	calls   int
}

type bucket struct {
	limiter  *rate.Limiter
	window   time.Duration
	lastSeen time.Time
}

// NewLocalCounter creates an in-memory Counter.
func NewLocalCounter() *LocalCounter {
	return &LocalCounter{now: time.Now, buckets: make(map[string]*bucket)}
}

// CheckAndIncrement implements Counter.
func (c *LocalCounter) CheckAndIncrement(_ context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.calls%localSweepEvery == 0 {
		c.sweep(now)
	}

	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			window:  window,
		}
		c.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	missing := float64(limit) - tokens
	resetAt := now.Add(time.Duration(missing * float64(window) / float64(limit)))

	return allowed, remaining, resetAt
}

// sweep drops buckets that have refilled completely; they are
// indistinguishable from new ones.
func (c *LocalCounter) sweep(now time.Time) {
	for key, b := range c.buckets {
		if now.Sub(b.lastSeen) > b.window {
			delete(c.buckets, key)
		}
	}
}

// LocalBlocker is an in-memory Blocker.
type LocalBlocker struct {
	mu         sync.Mutex
	now        func() time.Time
	blocked    map[string]time.Time // ip -> blocked until
	violations map[string]violation
}

type violation struct {
	count   int64
	expires time.Time
}

// NewLocalBlocker creates an in-memory Blocker.
func NewLocalBlocker() *LocalBlocker {
	return &LocalBlocker{
		now:        time.Now,
		blocked:    make(map[string]time.Time),
		violations: make(map[string]violation),
	}
}

// IsBlocked implements Blocker.
func (b *LocalBlocker) IsBlocked(_ context.Context, ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.blocked[ip]
	if !ok {
		return false
	}
	if b.now().After(until) {
		delete(b.blocked, ip)
		return false
	}
	return true
}

// Block implements Blocker.
func (b *LocalBlocker) Block(_ context.Context, ip string, duration time.Duration, _ string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[ip] = b.now().Add(duration)
	delete(b.violations, ip)
}

// TrackViolation implements Blocker.
func (b *LocalBlocker) TrackViolation(_ context.Context, ip string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	v := b.violations[ip]
	if now.After(v.expires) {
		v = violation{}
	}
	v.count++
	v.expires = now.Add(time.Hour)
	b.violations[ip] = v
	return v.count
}
