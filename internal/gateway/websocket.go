// Package gateway serves the WebSocket endpoint clients keep open to send
// and receive messages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/relay-chat/internal/domain"
	"github.com/ashureev/relay-chat/internal/identity"
	"github.com/ashureev/relay-chat/internal/registry"
	"github.com/ashureev/relay-chat/internal/relay"
	"github.com/ashureev/relay-chat/internal/store"
)

const pingInterval = 30 * time.Second

// Client message types.
const (
	typeJoin    = "join"
	typeLeave   = "leave"
	typeSend    = "send"
	typeHistory = "history"
	typeOnline  = "online"
	typePing    = "ping"
)

// clientMessage is a client-to-server frame.
type clientMessage struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Room    string `json:"room,omitempty"`
	To      string `json:"to,omitempty"`
	Key     string `json:"key,omitempty"`
	Message string `json:"message,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Options configure the WebSocket handler.
type Options struct {
	AllowedOrigins  []string
	IsDevelopment   bool
	SendQueueSize   int
	MaxMessageBytes int
}

// WebSocketHandler authenticates WebSocket clients and dispatches their
// frames to the relay.
type WebSocketHandler struct {
	auth   *identity.Authenticator
	repo   store.Repository
	relay  *relay.Relay
	opts   Options
	logger *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(auth *identity.Authenticator, repo store.Repository, r *relay.Relay, opts Options) *WebSocketHandler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 4096
	}
	return &WebSocketHandler{
		auth:   auth,
		repo:   repo,
		relay:  r,
		opts:   opts,
		logger: slog.Default(),
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	// JSON escaping can grow a body several times over.
	ws.SetReadLimit(int64(h.opts.MaxMessageBytes)*6 + 1024)

	token := identity.TokenFromRequest(r)
	userID, err := h.auth.Validate(r.Context(), token)
	if err != nil {
		h.reject(ws, err.Error())
		return
	}
	if err := identity.EnsureUser(r.Context(), h.repo, userID); err != nil {
		h.logger.Error("Failed to record connecting user", "user_id", userID, "error", err)
		h.reject(ws, "internal error")
		return
	}

	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	handle := newHandle(ws, userID, h.opts.SendQueueSize, h.logger)
	conn := registry.NewConnection(userID, handle)
	h.logger.Info("WebSocket connected", "user_id", userID, "handle_id", handle.ID(), "ip", r.RemoteAddr)

	h.relay.Connect(r.Context(), conn)
	defer func() {
		// The request context is gone by now; cleanup must still reach Redis.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.relay.Disconnect(ctx, conn)
		handle.Close()
		if err := h.repo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			h.logger.Warn("Failed to update last seen", "user_id", userID, "error", err)
		}
		h.logger.Info("WebSocket disconnected", "user_id", userID, "handle_id", handle.ID())
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		select {
		case <-handle.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	go h.keepalive(ctx, ws, cancel)

	h.readLoop(ctx, ws, conn)
}

// reject reports a failed handshake and closes the connection.
func (h *WebSocketHandler) reject(ws *websocket.Conn, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, relay.ErrorEvent(reason, "")); err != nil {
		h.logger.Debug("Failed to send handshake error", "error", err)
	}
	_ = ws.Close(websocket.StatusPolicyViolation, "unauthenticated")
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDevelopment {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigins)
	return false
}

func (h *WebSocketHandler) keepalive(ctx context.Context, ws *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				h.logger.Debug("WebSocket ping failed", "error", err)
				cancel()
				return
			}
		}
	}
}

// readLoop handles client frames one at a time, so sends from one
// connection reach the store in the order they were written.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *registry.Connection) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "user_id", conn.Identity)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", conn.Identity)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, conn, relay.ErrorEvent("malformed frame", ""))
			continue
		}
		h.dispatch(ctx, conn, msg)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, conn *registry.Connection, msg clientMessage) {
	switch msg.Type {
	case typeJoin:
		if _, err := h.relay.Join(ctx, conn, msg.Room); err != nil {
			h.fail(ctx, conn, msg, err)
		}
	case typeLeave:
		if _, err := h.relay.Leave(ctx, conn, msg.Room); err != nil {
			h.fail(ctx, conn, msg, err)
		}
	case typeSend:
		_, err := h.relay.Send(ctx, relay.SendRequest{
			Sender:       conn.Identity,
			OriginHandle: conn.Handle.ID(),
			To:           msg.To,
			Room:         msg.Room,
			Body:         msg.Message,
		})
		if err != nil {
			h.fail(ctx, conn, msg, err)
		}
	case typeHistory:
		h.history(ctx, conn, msg)
	case typeOnline:
		count, users := h.relay.Online()
		h.encodeReply(ctx, conn, relay.Event{Type: relay.EventOnline, Count: &count, Users: users, Ref: msg.Ref})
	case typePing:
		h.encodeReply(ctx, conn, relay.Event{Type: relay.EventPong, Ref: msg.Ref})
	default:
		h.reply(ctx, conn, relay.ErrorEvent("unknown message type", msg.Ref))
	}
}

func (h *WebSocketHandler) history(ctx context.Context, conn *registry.Connection, msg clientMessage) {
	offset, limit := relay.ClampPage(msg.Offset, msg.Limit)

	var (
		msgs []domain.Message
		key  = msg.Key
		err  error
	)
	switch {
	case msg.To != "":
		key = domain.DirectKey(conn.Identity, msg.To)
		msgs, err = h.relay.DirectHistory(ctx, conn.Identity, msg.To, offset, limit)
	case msg.Room != "":
		key = domain.RoomKey(msg.Room)
		msgs, err = h.relay.History(ctx, conn.Identity, key, offset, limit)
	default:
		msgs, err = h.relay.History(ctx, conn.Identity, key, offset, limit)
	}
	if err != nil {
		h.fail(ctx, conn, msg, err)
		return
	}

	h.encodeReply(ctx, conn, relay.Event{
		Type:     relay.EventHistory,
		Key:      key,
		Offset:   &offset,
		Messages: msgs,
		Ref:      msg.Ref,
	})
}

// fail reports err to the client. Storage details stay in the server log.
func (h *WebSocketHandler) fail(ctx context.Context, conn *registry.Connection, msg clientMessage, err error) {
	var text string
	switch {
	case errors.Is(err, domain.ErrInvalidRecipient), errors.Is(err, domain.ErrInvalidMessage):
		text = err.Error()
	case errors.Is(err, domain.ErrNotFound):
		text = "not found"
	case errors.Is(err, domain.ErrPersistence):
		text = "message could not be stored"
	default:
		text = "internal error"
		h.logger.Error("Request failed", "type", msg.Type, "user_id", conn.Identity, "error", err)
	}
	h.reply(ctx, conn, relay.ErrorEvent(text, msg.Ref))
}

func (h *WebSocketHandler) encodeReply(ctx context.Context, conn *registry.Connection, ev relay.Event) {
	data, err := relay.Encode(ev)
	if err != nil {
		h.logger.Error("Failed to encode reply", "type", ev.Type, "error", err)
		return
	}
	h.reply(ctx, conn, data)
}

func (h *WebSocketHandler) reply(ctx context.Context, conn *registry.Connection, data []byte) {
	if err := conn.Handle.Send(ctx, data); err != nil {
		h.logger.Debug("Failed to queue reply", "user_id", conn.Identity, "error", err)
	}
}
