package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/concierge/internal/approval"
)

const (
	// SessionTTL is the lifetime of a session minted without an explicit TTL.
	SessionTTL = 30 * 24 * time.Hour

	approvalPending  = "pending"
	approvalApproved = "1"
	approvalDenied   = "0"
)

// RedisStore handles Redis operations for sessions, approvals and rate
// limiting.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// sessionKey returns the key holding the user id for a session token.
func sessionKey(token string) string {
	return fmt.Sprintf("session:%s", token)
}

// approvalKey returns the key holding an approval decision.
func approvalKey(id string) string {
	return fmt.Sprintf("approval:%s", id)
}

// CreateSession maps token to userID for ttl.
func (s *RedisStore) CreateSession(ctx context.Context, token, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = SessionTTL
	}
	return s.client.Set(ctx, sessionKey(token), userID, ttl).Err()
}

// LookupSession returns the user id for token, or "" when the session does
// not exist.
func (s *RedisStore) LookupSession(ctx context.Context, token string) (string, error) {
	userID, err := s.client.Get(ctx, sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return userID, err
}

// DeleteSession removes a session.
func (s *RedisStore) DeleteSession(ctx context.Context, token string) error {
	return s.client.Del(ctx, sessionKey(token)).Err()
}

// RedisApprovals stores approvals as approval:<id> hashes holding the owner
// and the decision. Redis expiry replaces the sweep of the in-memory store.
type RedisApprovals struct {
	client *redis.Client
	ttl    time.Duration
}

var _ approval.Store = (*RedisApprovals)(nil)

// Approvals returns an approval store whose records live for ttl.
func (s *RedisStore) Approvals(ttl time.Duration) *RedisApprovals {
	return &RedisApprovals{client: s.client, ttl: ttl}
}

// resolveApproval updates the decision only when the key still exists and
// belongs to the caller, so an expired approval is never recreated.
var resolveApproval = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// Create records a pending approval owned by owner.
func (a *RedisApprovals) Create(ctx context.Context, id, owner string) error {
	key := approvalKey(id)
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "owner", owner, "state", approvalPending)
		pipe.PExpire(ctx, key, a.ttl)
		return nil
	})
	return err
}

// Get returns the decision, or nil while pending, once expired or when the
// approval belongs to someone else.
func (a *RedisApprovals) Get(ctx context.Context, id, owner string) (*bool, error) {
	vals, err := a.client.HMGet(ctx, approvalKey(id), "owner", "state").Result()
	if err != nil {
		return nil, err
	}
	if o, _ := vals[0].(string); o != owner {
		return nil, nil
	}
	state, _ := vals[1].(string)
	switch state {
	case approvalApproved:
		v := true
		return &v, nil
	case approvalDenied:
		v := false
		return &v, nil
	}
	return nil, nil
}

// Resolve stores a decision with a fresh TTL. The last write wins. Missing,
// expired or foreign approvals yield approval.ErrNotFound.
func (a *RedisApprovals) Resolve(ctx context.Context, id, owner string, approved bool) error {
	val := approvalDenied
	if approved {
		val = approvalApproved
	}
	n, err := resolveApproval.Run(ctx, a.client, []string{approvalKey(id)}, owner, val, a.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return approval.ErrNotFound
	}
	return nil
}
