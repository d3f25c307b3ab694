package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/ashureev/relay-chat/internal/codec"
	"github.com/ashureev/relay-chat/internal/domain"
)

// PostgresStore implements Repository on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL-backed repository with a connection pool.
func NewPostgres(ctx context.Context, databaseURL string) (Repository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		conversation_key TEXT NOT NULL,
		sender TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_key, seq);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	user := &domain.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = $1
	`, userID).Scan(&user.UserID, &user.Username, &user.LastSeenAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// UpsertUser creates or updates a user record.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *domain.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			username = EXCLUDED.username,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at
	`, user.UserID, user.Username, user.LastSeenAt, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *PostgresStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET last_seen_at = $1, updated_at = now() WHERE user_id = $2`, lastSeen, userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// UserExists reports whether userID is a known identity.
func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return exists, nil
}

// AppendMessage durably stores msg and fills in its ID and Seq.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *domain.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_key, sender, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`, msg.ID, msg.ConversationKey, msg.Sender, codec.EncodeString(msg.Body), msg.CreatedAt).Scan(&msg.Seq)
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return msg.ID, nil
}

// RangeMessages returns one page of a conversation, oldest to newest.
func (s *PostgresStore) RangeMessages(ctx context.Context, conversationKey string, offset, limit int) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, conversation_key, sender, payload, created_at
		FROM messages WHERE conversation_key = $1
		ORDER BY seq DESC LIMIT $2 OFFSET $3
	`, conversationKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.Message, 0, limit)
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if len(msgs) == 0 {
		n, err := s.CountMessages(ctx, conversationKey)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, domain.ErrNotFound
		}
		return msgs, nil
	}

	reversePage(msgs)
	return msgs, nil
}

// LastMessage returns the newest message in a conversation.
func (s *PostgresStore) LastMessage(ctx context.Context, conversationKey string) (*domain.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT seq, id, conversation_key, sender, payload, created_at
		FROM messages WHERE conversation_key = $1
		ORDER BY seq DESC LIMIT 1
	`, conversationKey)

	msg, err := scanPgMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// CountMessages returns the number of stored messages in a conversation.
func (s *PostgresStore) CountMessages(ctx context.Context, conversationKey string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_key = $1`, conversationKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func scanPgMessage(row pgx.Row) (domain.Message, error) {
	var msg domain.Message
	var payload string

	if err := row.Scan(&msg.Seq, &msg.ID, &msg.ConversationKey, &msg.Sender, &payload, &msg.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return msg, err
		}
		return msg, fmt.Errorf("scan message row: %w", err)
	}

	body, err := codec.DecodeString(payload)
	if err != nil {
		return msg, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	msg.Body = body
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}
