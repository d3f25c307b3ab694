package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/relay-chat/internal/cache"
	"github.com/ashureev/relay-chat/internal/config"
	"github.com/ashureev/relay-chat/internal/domain"
	"github.com/ashureev/relay-chat/internal/identity"
	"github.com/ashureev/relay-chat/internal/presence"
	"github.com/ashureev/relay-chat/internal/registry"
	"github.com/ashureev/relay-chat/internal/relay"
	"github.com/ashureev/relay-chat/internal/store"
)

type apiEnv struct {
	router   http.Handler
	relay    *relay.Relay
	presence *presence.Tracker
	mr       *miniredis.Miniredis
	tokens   map[string]string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	sessions := identity.NewRedisSessionStore(client)
	auth := identity.NewAuthenticator(sessions, time.Second)
	c := cache.NewRedisCache(client, 100, time.Hour, nil)
	tracker := presence.NewTracker(client)
	rl := relay.New(repo, c, tracker, registry.New(4), relay.Options{}, nil)

	tokens := make(map[string]string)
	for _, id := range []string{"alice", "bob", "carol"} {
		token, err := identity.GenerateToken()
		if err != nil {
			t.Fatalf("GenerateToken failed: %v", err)
		}
		if err := sessions.Issue(ctx, token, id, time.Hour); err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if err := identity.EnsureUser(ctx, repo, id); err != nil {
			t.Fatalf("EnsureUser failed: %v", err)
		}
		tokens[id] = token
	}

	cfg := &config.Config{}
	cfg.Timeout.HealthCheck = time.Second

	r := chi.NewRouter()
	NewHealthHandlerWithConfig(repo, c, cfg).RegisterHealth(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(auth, repo))
		NewChatHandler(NewHandler(repo, rl, auth)).RegisterRoutes(r)
	})

	return &apiEnv{router: r, relay: rl, presence: tracker, mr: mr, tokens: tokens}
}

func (e *apiEnv) do(t *testing.T, method, path, user string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	r := httptest.NewRequest(method, path, nil)
	if user != "" {
		r.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return w, body
}

func TestChatRequiresSession(t *testing.T) {
	e := newAPIEnv(t)
	w, body := e.do(t, http.MethodGet, "/api/me", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if body["error"] != "token missing" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestGetHistory(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()
	for _, msg := range []string{"one", "two", "three"} {
		if _, err := e.relay.Send(ctx, relay.SendRequest{Sender: "alice", To: "bob", Body: msg}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	w, body := e.do(t, http.MethodGet, "/api/conversations/dm:alice:bob/messages?limit=2", "bob")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", w.Code, body)
	}
	msgs := body["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if got := msgs[1].(map[string]interface{})["message"]; got != "three" {
		t.Errorf("expected newest last, got %v", got)
	}

	w, body = e.do(t, http.MethodGet, "/api/conversations/dm%3Aalice%3Abob/messages?page=2&limit=2", "alice")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", w.Code, body)
	}
	msgs = body["messages"].([]interface{})
	if len(msgs) != 1 || msgs[0].(map[string]interface{})["message"] != "one" {
		t.Errorf("unexpected second page %v", msgs)
	}

	w, _ = e.do(t, http.MethodGet, "/api/conversations/dm:alice:bob/messages", "carol")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for outsider, got %d", w.Code)
	}

	w, _ = e.do(t, http.MethodGet, "/api/conversations/garbage/messages", "alice")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed key, got %d", w.Code)
	}

	w, body = e.do(t, http.MethodGet, "/api/conversations/room:empty/messages", "alice")
	if w.Code != http.StatusOK || len(body["messages"].([]interface{})) != 0 {
		t.Errorf("expected empty page, got %d %v", w.Code, body)
	}
}

func TestGetDirectHistory(t *testing.T) {
	e := newAPIEnv(t)
	if _, err := e.relay.Send(context.Background(), relay.SendRequest{Sender: "bob", To: "alice", Body: "yo"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	w, body := e.do(t, http.MethodGet, "/api/messages/direct/bob", "alice")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body["key"] != domain.DirectKey("alice", "bob") {
		t.Errorf("unexpected key %v", body["key"])
	}
	if n := len(body["messages"].([]interface{})); n != 1 {
		t.Errorf("expected 1 message, got %d", n)
	}

	w, _ = e.do(t, http.MethodGet, "/api/messages/direct/mallory", "alice")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown peer, got %d", w.Code)
	}
}

func TestGetLastMessage(t *testing.T) {
	e := newAPIEnv(t)

	w, _ := e.do(t, http.MethodGet, "/api/conversations/room:r1/last", "alice")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	if _, err := e.relay.Send(context.Background(), relay.SendRequest{Sender: "bob", Room: "r1", Body: "latest"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	w, body := e.do(t, http.MethodGet, "/api/conversations/room:r1/last", "alice")
	if w.Code != http.StatusOK || body["message"] != "latest" || body["sender"] != "bob" {
		t.Errorf("unexpected last message %d %v", w.Code, body)
	}
}

func TestRoomsAndMembers(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		if _, _, err := e.presence.Join(ctx, "r1", id); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}

	w, body := e.do(t, http.MethodGet, "/api/rooms/r1/members", "carol")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if members := body["members"].([]interface{}); len(members) != 2 || members[0] != "alice" {
		t.Errorf("unexpected members %v", members)
	}

	_, body = e.do(t, http.MethodGet, "/api/rooms", "alice")
	if rooms := body["rooms"].([]interface{}); len(rooms) != 1 || rooms[0] != "r1" {
		t.Errorf("unexpected rooms %v", rooms)
	}

	w, _ = e.do(t, http.MethodGet, "/api/rooms/bad%20room/members", "alice")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed room, got %d", w.Code)
	}

	w, body = e.do(t, http.MethodGet, "/api/presence/online", "alice")
	if w.Code != http.StatusOK || body["count"] != float64(0) {
		t.Errorf("unexpected presence %d %v", w.Code, body)
	}
}

func TestLogout(t *testing.T) {
	e := newAPIEnv(t)

	w, body := e.do(t, http.MethodGet, "/api/me", "alice")
	if w.Code != http.StatusOK || body["user_id"] != "alice" {
		t.Fatalf("unexpected /api/me %d %v", w.Code, body)
	}

	w, _ = e.do(t, http.MethodPost, "/api/auth/logout", "alice")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w, body = e.do(t, http.MethodGet, "/api/me", "alice")
	if w.Code != http.StatusUnauthorized || body["error"] != "token not found in session store" {
		t.Errorf("expected revoked session to be rejected, got %d %v", w.Code, body)
	}
}

func TestHealth(t *testing.T) {
	e := newAPIEnv(t)

	w, body := e.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("unexpected health %d %v", w.Code, body)
	}

	e.mr.Close()
	w, body = e.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	checks := body["checks"].(map[string]interface{})
	if checks["redis"] != "unreachable" || checks["database"] != "ok" {
		t.Errorf("unexpected checks %v", checks)
	}
}
