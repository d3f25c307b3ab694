// Relay chat server: WebSocket messaging with durable history.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/relay-chat/internal/api"
	"github.com/ashureev/relay-chat/internal/cache"
	"github.com/ashureev/relay-chat/internal/config"
	"github.com/ashureev/relay-chat/internal/gateway"
	"github.com/ashureev/relay-chat/internal/identity"
	"github.com/ashureev/relay-chat/internal/middleware"
	"github.com/ashureev/relay-chat/internal/presence"
	"github.com/ashureev/relay-chat/internal/registry"
	"github.com/ashureev/relay-chat/internal/relay"
	"github.com/ashureev/relay-chat/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "postgres", cfg.UsePostgres())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			slog.Error("Failed to close Redis client", "error", closeErr)
		}
	}()
	slog.Info("Redis connected")

	// Initialize services.
	sessions := identity.NewRedisSessionStore(rdb)
	auth := identity.NewAuthenticator(sessions, cfg.Timeout.Cache)
	messageCache := cache.NewRedisCache(rdb, cfg.Cache.MaxMessages, cfg.Cache.TTL, logger)
	tracker := presence.NewTracker(rdb)
	reg := registry.New(0)

	rl := relay.New(repo, messageCache, tracker, reg, relay.Options{
		RoomEchoToSender: cfg.Relay.RoomEchoToSender,
		MaxMessageBytes:  cfg.Relay.MaxMessageBytes,
		StoreTimeout:     cfg.Timeout.Store,
		CacheTimeout:     cfg.Timeout.Cache,
	}, logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, rl, auth)
	chatHandler := api.NewChatHandler(baseHandler)
	healthHandler := api.NewHealthHandlerWithConfig(repo, messageCache, cfg)
	wsHandler := gateway.NewWebSocketHandler(auth, repo, rl, gateway.Options{
		AllowedOrigins:  cfg.AllowedOrigins(),
		IsDevelopment:   cfg.IsDevelopment(),
		SendQueueSize:   cfg.Relay.SendQueueSize,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	// /ws authenticates during the upgrade and reports failures as an error event.
	r.Get("/ws", wsHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(auth, repo))
		chatHandler.RegisterRoutes(r)
	})

	// No WriteTimeout: WebSocket connections are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func openRepository(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	if cfg.UsePostgres() {
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	}
	return store.NewSQLite(cfg.DBPath)
}
