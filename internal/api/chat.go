package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/relay-chat/internal/domain"
	"github.com/ashureev/relay-chat/internal/identity"
)

// ChatHandler serves history, presence and session endpoints.
// All routes expect identity.Middleware in front of them.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Post("/auth/logout", h.Logout)
		r.Get("/conversations/{key}/messages", h.GetHistory)
		r.Get("/conversations/{key}/last", h.GetLastMessage)
		r.Get("/messages/direct/{peer}", h.GetDirectHistory)
		r.Get("/rooms", h.GetMyRooms)
		r.Get("/rooms/{room}/members", h.GetRoomMembers)
		r.Get("/presence/online", h.GetOnline)
	})
}

// urlParam returns a path parameter with percent-escapes removed, so keys
// like dm%3Aalice%3Abob work as well as the raw form.
func urlParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// GetMe returns the current user's information.
func (h *ChatHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.DisplayName(),
		"last_seen_at": user.LastSeenAt,
		"online":       h.relay.Registry().IsOnline(userID),
	})
}

// Logout revokes the session the request was authenticated with.
func (h *ChatHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := identity.TokenFromContext(r.Context())
	if err := h.auth.Revoke(r.Context(), token); err != nil {
		writeDomainError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     identity.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	JSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// GetHistory returns one page of a conversation, oldest to newest.
func (h *ChatHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pageParams(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	key := urlParam(r, "key")
	userID := identity.UserIDFromContext(r.Context())
	msgs, err := h.relay.History(r.Context(), userID, key, offset, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"key":      key,
		"offset":   offset,
		"limit":    limit,
		"messages": msgs,
	})
}

// GetDirectHistory returns a page of the caller's conversation with a peer.
func (h *ChatHandler) GetDirectHistory(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pageParams(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	peer := urlParam(r, "peer")
	userID := identity.UserIDFromContext(r.Context())
	msgs, err := h.relay.DirectHistory(r.Context(), userID, peer, offset, limit)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRecipient) {
			Error(w, http.StatusNotFound, err.Error())
			return
		}
		writeDomainError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"key":      domain.DirectKey(userID, peer),
		"offset":   offset,
		"limit":    limit,
		"messages": msgs,
	})
}

// GetLastMessage returns the newest message of a conversation.
func (h *ChatHandler) GetLastMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	msg, err := h.relay.LastMessage(r.Context(), userID, urlParam(r, "key"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, msg)
}

// GetMyRooms lists the rooms the caller is present in.
func (h *ChatHandler) GetMyRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.relay.RoomsFor(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms})
}

// GetRoomMembers lists the identities present in a room.
func (h *ChatHandler) GetRoomMembers(w http.ResponseWriter, r *http.Request) {
	room := urlParam(r, "room")
	members, err := h.relay.Members(r.Context(), room)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"room":    room,
		"members": members,
	})
}

// GetOnline returns the identities connected to this process.
func (h *ChatHandler) GetOnline(w http.ResponseWriter, r *http.Request) {
	count, users := h.relay.Online()
	JSON(w, http.StatusOK, map[string]interface{}{
		"count": count,
		"users": users,
	})
}
