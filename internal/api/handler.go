// Package api provides HTTP handlers for the relay API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/relay-chat/internal/domain"
	"github.com/ashureev/relay-chat/internal/identity"
	"github.com/ashureev/relay-chat/internal/relay"
	"github.com/ashureev/relay-chat/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo  store.Repository
	relay *relay.Relay
	auth  *identity.Authenticator
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, r *relay.Relay, auth *identity.Authenticator) *Handler {
	return &Handler{
		repo:  repo,
		relay: r,
		auth:  auth,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a relay error onto an HTTP status. Storage failures
// are logged and reported generically.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		Error(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidRecipient), errors.Is(err, domain.ErrInvalidMessage):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"user_id", identity.UserIDFromContext(r.Context()),
			"error", err,
		)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// pageParams reads offset and limit from the query. A 1-based page number
// may be given instead of an offset.
func pageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 0)
	if err != nil {
		return 0, 0, errors.New("limit must be an integer")
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		return 0, 0, errors.New("offset must be an integer")
	}
	if p := q.Get("page"); p != "" && q.Get("offset") == "" {
		page, err := strconv.Atoi(p)
		if err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
		_, l := relay.ClampPage(0, limit)
		offset = (page - 1) * l
	}
	offset, limit = relay.ClampPage(offset, limit)
	return offset, limit, nil
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
