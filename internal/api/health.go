package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/relay-chat/internal/config"
	"github.com/ashureev/relay-chat/internal/store"
)

// Pinger is anything whose connectivity can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo  store.Repository
	redis Pinger
	cfg   *config.Config
}

// NewHealthHandlerWithConfig creates a new health handler with configuration.
func NewHealthHandlerWithConfig(repo store.Repository, redis Pinger, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, redis: redis, cfg: cfg}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := 5 * time.Second
	if h.cfg != nil {
		healthCheckTimeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "database", "error", err)
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if err := h.redis.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "redis", "error", err)
		checks["redis"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["redis"] = "ok"
	}

	if statusCode != http.StatusOK {
		status["status"] = "degraded"
	}
	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
