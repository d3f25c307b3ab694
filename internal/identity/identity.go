// Package identity validates bearer session tokens and carries the caller
// identity through request contexts.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/relay-chat/internal/domain"
	"github.com/ashureev/relay-chat/internal/store"
)

const (
	// CookieName is the cookie a browser client may carry the token in.
	CookieName = "token"
	// QueryParam is used by WebSocket clients that cannot set headers.
	QueryParam = "token"

	sessionKeyPrefix = "auth_"
)

type contextKey int

const (
	userIDKey contextKey = iota
	tokenKey
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9._~+/=-]{16,512}$`)

// SessionStore resolves opaque tokens to identities.
type SessionStore interface {
	// Lookup returns the identity for token, or "" when no live session exists.
	Lookup(ctx context.Context, token string) (string, error)
	// Revoke deletes the session for token.
	Revoke(ctx context.Context, token string) error
}

// RedisSessionStore keeps sessions as auth_<token> keys with an expiry.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore creates a session store on client.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func sessionKey(token string) string {
	return sessionKeyPrefix + token
}

// Lookup returns the identity stored for token.
func (s *RedisSessionStore) Lookup(ctx context.Context, token string) (string, error) {
	userID, err := s.client.Get(ctx, sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	return userID, nil
}

// Revoke deletes the session for token.
func (s *RedisSessionStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Issue stores a session for userID. Token issuance normally belongs to the
// login service; this exists for the developer CLI and tests.
func (s *RedisSessionStore) Issue(ctx context.Context, token, userID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, sessionKey(token), userID, ttl).Err(); err != nil {
		return fmt.Errorf("issue session: %w", err)
	}
	return nil
}

// Authenticator validates bearer tokens against a SessionStore.
type Authenticator struct {
	sessions SessionStore
	timeout  time.Duration
}

// NewAuthenticator creates an Authenticator. timeout bounds each session lookup.
func NewAuthenticator(sessions SessionStore, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Authenticator{sessions: sessions, timeout: timeout}
}

// Validate resolves token to an identity. It has no side effects and is safe
// to call from request handlers and WebSocket handshakes alike.
func (a *Authenticator) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		slog.Debug("Authentication rejected", "reason", "token missing")
		return "", fmt.Errorf("%w: token missing", domain.ErrUnauthenticated)
	}
	if !tokenPattern.MatchString(token) {
		slog.Debug("Authentication rejected", "reason", "token malformed")
		return "", fmt.Errorf("%w: token malformed", domain.ErrUnauthenticated)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	userID, err := a.sessions.Lookup(lookupCtx, token)
	if err != nil {
		slog.Warn("Session lookup failed", "error", err)
		return "", fmt.Errorf("%w: session lookup failed", domain.ErrUnauthenticated)
	}
	if userID == "" {
		slog.Info("Authentication rejected", "reason", "token not found in session store")
		return "", fmt.Errorf("%w: token not found in session store", domain.ErrUnauthenticated)
	}
	if !domain.IsValidIdentity(userID) {
		slog.Warn("Session maps to malformed identity", "user_id", userID)
		return "", fmt.Errorf("%w: session identity malformed", domain.ErrUnauthenticated)
	}
	return userID, nil
}

// Revoke ends the session for token.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.sessions.Revoke(ctx, token)
}

// EnsureUser records userID in the user table so it is a known recipient,
// refreshing last_seen_at when it already exists.
func EnsureUser(ctx context.Context, repo store.Repository, userID string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now()
	if user != nil {
		return repo.UpdateLastSeen(ctx, userID, now)
	}

	return repo.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Username:   userID,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// GenerateToken returns a random opaque token suitable for a session.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// the token cookie, or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get(QueryParam)
}

// WithUser returns a context carrying the authenticated identity and token.
func WithUser(ctx context.Context, userID, token string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, tokenKey, token)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// TokenFromContext extracts the session token from the request context.
func TokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tokenKey).(string); ok {
		return v
	}
	return ""
}

// Middleware rejects requests without a live session and injects the
// caller identity into the request context.
func Middleware(auth *Authenticator, repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			userID, err := auth.Validate(r.Context(), token)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}

			if err := EnsureUser(r.Context(), repo, userID); err != nil {
				slog.Error("Failed to record authenticated user", "user_id", userID, "error", err)
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, token)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	reason := strings.TrimPrefix(err.Error(), domain.ErrUnauthenticated.Error()+": ")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
