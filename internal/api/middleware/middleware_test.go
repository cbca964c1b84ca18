package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/concierge/internal/models"
)

type fakeSessions struct {
	users map[string]string
	err   error
}

func (f fakeSessions) LookupSession(_ context.Context, token string) (string, error) {
	return f.users[token], f.err
}

func hash(t *testing.T, token string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func whoami(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetUserFromContext(r.Context()).ID))
}

func TestRequireSession(t *testing.T) {
	resolver := NewSessionResolver(
		fakeSessions{users: map[string]string{"redis-token": "bob"}},
		map[string]string{"alice": hash(t, "static-token")},
		zerolog.Nop(),
	)
	h := resolver.RequireSession(http.HandlerFunc(whoami))

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"bearer static", func(r *http.Request) { r.Header.Set("Authorization", "Bearer static-token") }, http.StatusOK, "alice"},
		{"bearer lookup", func(r *http.Request) { r.Header.Set("Authorization", "bearer redis-token") }, http.StatusOK, "bob"},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "static-token"}) }, http.StatusOK, "alice"},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic static-token") }, http.StatusUnauthorized, ""},
		{"unknown", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/threads", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestSessionResolverCachesStaticTokens(t *testing.T) {
	resolver := NewSessionResolver(nil, map[string]string{"alice": hash(t, "tok")}, zerolog.Nop())
	ctx := context.Background()

	user, err := resolver.Resolve(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, "alice", user.ID)
	require.Len(t, resolver.known, 1)

	// The cached entry answers even after the static table changes.
	resolver.static = nil
	user, err = resolver.Resolve(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, "alice", user.ID)
}

func TestRequireSessionLookupFailure(t *testing.T) {
	resolver := NewSessionResolver(fakeSessions{err: errors.New("redis down")}, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	req.Header.Set("Authorization", "Bearer x")
	rec := httptest.NewRecorder()
	resolver.RequireSession(http.HandlerFunc(whoami)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func limited(rl *RateLimiter, user string) http.Handler {
	next := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), &models.User{ID: user})))
	})
}

func post(h http.Handler, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("X-Real-IP", ip)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLocalRateLimiter(t *testing.T) {
	rl := NewLocalRateLimiter(zerolog.Nop(), RateLimiterConfig{})
	rl.limits = map[string]RateLimit{"POST /turn": {3, time.Minute, userKey}}

	alice := limited(rl, "alice")
	for i := 0; i < 3; i++ {
		rec := post(alice, "/turn", "10.0.0.1")
		require.Equal(t, http.StatusNoContent, rec.Code, "request %d", i)
		require.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := post(alice, "/turn", "10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// Other users and unlimited routes are unaffected.
	require.Equal(t, http.StatusNoContent, post(limited(rl, "bob"), "/turn", "10.0.0.1").Code)
	require.Equal(t, http.StatusNoContent, post(alice, "/health", "10.0.0.1").Code)
}

func TestRateLimiterWhitelist(t *testing.T) {
	rl := NewLocalRateLimiter(zerolog.Nop(), RateLimiterConfig{Whitelist: []string{"192.168.0.0/16", "127.0.0.1", "bad/cidr"}})
	rl.limits = map[string]RateLimit{"POST /turn": {1, time.Minute, userKey}}

	h := limited(rl, "alice")
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusNoContent, post(h, "/turn", "192.168.1.7").Code)
		require.Equal(t, http.StatusNoContent, post(h, "/turn", "127.0.0.1").Code)
	}
	assert.True(t, rl.isWhitelisted("192.168.200.1"))
	assert.False(t, rl.isWhitelisted("10.1.1.1"))
}

func TestRateLimiterAutoBlock(t *testing.T) {
	rl := NewLocalRateLimiter(zerolog.Nop(), RateLimiterConfig{AutoBlockEnabled: true})
	rl.limits = map[string]RateLimit{"POST /turn": {1, time.Hour, ipKey}}
	h := limited(rl, "mallory")

	require.Equal(t, http.StatusNoContent, post(h, "/turn", "10.9.9.9").Code)
	for i := 0; i < autoBlockThreshold; i++ {
		require.Equal(t, http.StatusTooManyRequests, post(h, "/turn", "10.9.9.9").Code)
	}
	rec := post(h, "/health", "10.9.9.9")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "temporarily blocked")
}

func TestLocalCounterRefills(t *testing.T) {
	c := NewLocalCounter()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	allowed, remaining, _ := c.CheckAndIncrement(ctx, "k", 2, time.Minute)
	require.True(t, allowed)
	require.Equal(t, 1, remaining)
	allowed, _, _ = c.CheckAndIncrement(ctx, "k", 2, time.Minute)
	require.True(t, allowed)
	allowed, _, resetAt := c.CheckAndIncrement(ctx, "k", 2, time.Minute)
	require.False(t, allowed)
	require.True(t, resetAt.After(now))

	now = now.Add(31 * time.Second)
	allowed, _, _ = c.CheckAndIncrement(ctx, "k", 2, time.Minute)
	require.True(t, allowed)

	now = now.Add(2 * time.Minute)
	c.sweep(now)
	require.Empty(t, c.buckets)
}

func TestMetricsKeepsStreamingWriter(t *testing.T) {
	h := Metrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {}\n\n"))
		require.NoError(t, http.NewResponseController(w).Flush())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/qa", nil))
	assert.True(t, rec.Flushed)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/threads/:id", normalizePath("/threads/0192d1c4-0000-7000-8000-000000000000"))
	assert.Equal(t, "/threads/", normalizePath("/threads/"))
	assert.Equal(t, "/turn", normalizePath("/turn"))
}

func TestValidateRequest(t *testing.T) {
	h := SecurityHeaders(ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodPost, "/turn", strings.NewReader(`message=hi`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/threads?q=<script>", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/turn", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateRequestQueryAndPath(t *testing.T) {
	h := ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	cases := []struct {
		target string
		want   int
	}{
		{"/approvals?approval_id=0192d1c4-0000-7000-8000-000000000000", http.StatusOK},
		{"/approvals?approval_id=a1&return=https://example.com//x", http.StatusOK},
		{"/threads?limit=20", http.StatusOK},
		{"/approvals?approval_id=%3Cscript%3Ealert(1)", http.StatusBadRequest},
		{"/approvals?approval_id=a%0Ab", http.StatusBadRequest},
		{"/approvals?approval_id=a%3Bb;c", http.StatusBadRequest},
		{"/threads/../approvals", http.StatusBadRequest},
		{"/threads//t1", http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		u, err := url.Parse(tc.target)
		require.NoError(t, err)
		req.URL = u
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, tc.target)
		if tc.want != http.StatusOK {
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), tc.target)
		}
	}
}

func TestLoggerLevelsAndRoute(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	r := chi.NewRouter()
	r.Use(Logger(logger))
	r.Get("/approvals", func(w http.ResponseWriter, r *http.Request) {})
	r.Get("/threads/{threadID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	r.Post("/turn", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {}\n\n"))
	})

	lines := func(method, target string) map[string]any {
		buf.Reset()
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, target, nil))
		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		return entry
	}

	entry := lines(http.MethodGet, "/approvals?approval_id=a1")
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "/approvals", entry["route"])
	assert.Equal(t, float64(200), entry["status"])

	entry = lines(http.MethodGet, "/threads/t1")
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "/threads/{threadID}", entry["route"])
	assert.Equal(t, "/threads/t1", entry["path"])

	entry = lines(http.MethodPost, "/turn")
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, true, entry["stream"])
}
