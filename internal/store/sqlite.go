package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/ashureev/relay-chat/internal/codec"
	"github.com/ashureev/relay-chat/internal/domain"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets history reads proceed while a send is appending.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_key TEXT NOT NULL,
		sender TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_key, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return withBusyRetry(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		return err
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`

	var rows int64
	err := withBusyRetry(ctx, "update last_seen", func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// UserExists reports whether userID is a known identity.
func (s *SQLiteStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return true, nil
}

// AppendMessage durably stores msg and fills in its ID and Seq.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	query := `
	INSERT INTO messages (id, conversation_key, sender, payload, created_at)
	VALUES (?, ?, ?, ?, ?)`

	err := withBusyRetry(ctx, "append message", func() error {
		result, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.ConversationKey, msg.Sender,
			codec.EncodeString(msg.Body), msg.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		msg.Seq, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// RangeMessages returns one page of a conversation, oldest to newest.
func (s *SQLiteStore) RangeMessages(ctx context.Context, conversationKey string, offset, limit int) ([]domain.Message, error) {
	query := `
		SELECT seq, id, conversation_key, sender, payload, created_at
		FROM messages WHERE conversation_key = ?
		ORDER BY seq DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, conversationKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	msgs := make([]domain.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
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
func (s *SQLiteStore) LastMessage(ctx context.Context, conversationKey string) (*domain.Message, error) {
	query := `
		SELECT seq, id, conversation_key, sender, payload, created_at
		FROM messages WHERE conversation_key = ?
		ORDER BY seq DESC LIMIT 1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// CountMessages returns the number of stored messages in a conversation.
func (s *SQLiteStore) CountMessages(ctx context.Context, conversationKey string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_key = ?`, conversationKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var msg domain.Message
	var payload string
	var createdAt int64

	if err := row.Scan(&msg.Seq, &msg.ID, &msg.ConversationKey, &msg.Sender, &payload, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return msg, err
		}
		return msg, fmt.Errorf("scan message row: %w", err)
	}

	body, err := codec.DecodeString(payload)
	if err != nil {
		return msg, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	msg.Body = body
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	return msg, nil
}
