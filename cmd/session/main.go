// Command session issues a bearer session for local development.
//
//	go run ./cmd/session -user alice
//
// It records the user in the durable store so the identity is a valid
// direct-message recipient, then prints the token.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/relay-chat/internal/config"
	"github.com/ashureev/relay-chat/internal/domain"
	"github.com/ashureev/relay-chat/internal/identity"
	"github.com/ashureev/relay-chat/internal/store"
)

func main() {
	userID := flag.String("user", "", "identity to issue the session for")
	ttl := flag.Duration("ttl", 0, "session lifetime (defaults to SESSION_TTL)")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*userID, *ttl); err != nil {
		slog.Error("Failed to issue session", "error", err)
		os.Exit(1)
	}
}

func run(userID string, ttl time.Duration) error {
	if !domain.IsValidIdentity(userID) {
		return fmt.Errorf("invalid -user %q", userID)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cfg.Session.TTL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var repo store.Repository
	if cfg.UsePostgres() {
		repo, err = store.NewPostgres(ctx, cfg.DatabaseURL)
	} else {
		repo, err = store.NewSQLite(cfg.DBPath)
	}
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	if err := identity.EnsureUser(ctx, repo, userID); err != nil {
		return fmt.Errorf("record user: %w", err)
	}

	token, err := identity.GenerateToken()
	if err != nil {
		return err
	}
	if err := identity.NewRedisSessionStore(rdb).Issue(ctx, token, userID, ttl); err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
