package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/concierge/internal/models"
)

type contextKey string

const UserContextKey contextKey = "user"

// SessionCookie is the cookie read when no Authorization header is sent.
const SessionCookie = "session"

// SessionLookup resolves server-side session tokens. It returns "" for
// unknown or expired tokens.
type SessionLookup interface {
	LookupSession(ctx context.Context, token string) (string, error)
}

// SessionResolver maps a request's session token to a user.
type SessionResolver struct {
	sessions SessionLookup
	static   map[string]string // user id -> bcrypt hash of the token
	logger   zerolog.Logger

	mu    sync.Mutex
	known map[[32]byte]string // sha256(token) -> user id, verified static tokens
}

// NewSessionResolver creates a resolver. sessions may be nil, in which case
// only the static tokens are accepted.
func NewSessionResolver(sessions SessionLookup, static map[string]string, logger zerolog.Logger) *SessionResolver {
	return &SessionResolver{
		sessions: sessions,
		static:   static,
		logger:   logger,
		known:    make(map[[32]byte]string),
	}
}

// Resolve returns the user owning token, or nil when there is none.
func (m *SessionResolver) Resolve(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, nil
	}

	if m.sessions != nil {
		userID, err := m.sessions.LookupSession(ctx, token)
		if err != nil {
			return nil, err
		}
		if userID != "" {
			return &models.User{ID: userID, SessionToken: token}, nil
		}
	}

	sum := sha256.Sum256([]byte(token))
	m.mu.Lock()
	userID, ok := m.known[sum]
	m.mu.Unlock()
	if ok {
		return &models.User{ID: userID, SessionToken: token}, nil
	}

	for id, hash := range m.static {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			m.mu.Lock()
			m.known[sum] = id
			m.mu.Unlock()
			return &models.User{ID: id, SessionToken: token}, nil
		}
	}
	return nil, nil
}

// RequireSession rejects requests without a valid session and stores the
// user in the request context.
func (m *SessionResolver) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := SessionToken(r)
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "missing session")
			return
		}

		user, err := m.Resolve(r.Context(), token)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.logger.Error().Err(err).Msg("session lookup failed")
			jsonError(w, http.StatusServiceUnavailable, "session lookup failed")
			return
		}
		if user == nil {
			m.logger.Warn().
				Str("type", "security").
				Str("event", "invalid_session").
				Str("ip", RealIP(r)).
				Str("endpoint", r.URL.Path).
				Msg("request with unknown session")
			jsonError(w, http.StatusUnauthorized, "invalid session")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionToken extracts the bearer token or the session cookie.
func SessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

// WithUser returns ctx carrying user.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}
