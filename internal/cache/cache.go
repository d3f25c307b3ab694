// Package cache keeps the most recent messages of each conversation in a
// bounded, expiring Redis sorted set in front of the durable store.
//
// Each entry is scored by its durable sequence number, so the cached order
// is the commit order no matter which write-through reaches Redis first.
// Reads walk the set from the highest score down and reverse the window, so
// callers always receive oldest to newest, which is the same order the
// durable store returns.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/relay-chat/internal/codec"
	"github.com/ashureev/relay-chat/internal/domain"
)

const (
	keyPrefix  = "messages:"
	DefaultTTL = 24 * time.Hour
)

// entry is the cached form of a message. The body is encoded on its own so
// the entry stays text-safe even before the outer encoding.
type entry struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq,omitempty"`
	Key       string `json:"key"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// RedisCache is the recent-message cache.
type RedisCache struct {
	client    *redis.Client
	maxLen    int64
	trimAfter int64
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRedisCache creates a cache holding up to maxLen messages per
// conversation, each set expiring ttl after its last write.
func NewRedisCache(client *redis.Client, maxLen int, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	if maxLen <= 0 {
		maxLen = 100
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	slack := int64(maxLen / 10)
	if slack < 1 {
		slack = 1
	}
	return &RedisCache{
		client:    client,
		maxLen:    int64(maxLen),
		trimAfter: int64(maxLen) + slack,
		ttl:       ttl,
		logger:    logger,
	}
}

// Key returns the Redis key for a conversation's sorted set.
func Key(conversationKey string) string {
	return keyPrefix + conversationKey
}

func encodeEntry(msg domain.Message) (redis.Z, error) {
	token, err := codec.Marshal(entry{
		ID:        msg.ID,
		Seq:       msg.Seq,
		Key:       msg.ConversationKey,
		Sender:    msg.Sender,
		Message:   codec.EncodeString(msg.Body),
		Timestamp: msg.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return redis.Z{}, err
	}
	return redis.Z{Score: float64(msg.Seq), Member: token}, nil
}

func decodeEntry(token string) (domain.Message, error) {
	var e entry
	if err := codec.Unmarshal(token, &e); err != nil {
		return domain.Message{}, err
	}
	body, err := codec.DecodeString(e.Message)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:              e.ID,
		Seq:             e.Seq,
		ConversationKey: e.Key,
		Sender:          e.Sender,
		Body:            body,
		CreatedAt:       time.UnixMilli(e.Timestamp).UTC(),
	}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrCacheUnavailable, op, err)
}

// Get returns up to limit messages starting offset entries back from the
// newest, ordered oldest to newest. An absent or expired set yields an
// empty slice. Entries that fail to decode or repeat an earlier ID are
// skipped, which shortens the page and makes the caller fall back to the
// durable store.
func (c *RedisCache) Get(ctx context.Context, conversationKey string, offset, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	start := int64(offset)
	end := start + int64(limit) - 1

	raw, err := c.client.ZRevRange(ctx, Key(conversationKey), start, end).Result()
	if err != nil {
		return nil, unavailable("zrevrange", err)
	}

	msgs := make([]domain.Message, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		msg, err := decodeEntry(raw[i])
		if err != nil {
			c.logger.Warn("Dropping undecodable cache entry", "conversation_key", conversationKey, "error", err)
			continue
		}
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Put adds msg at its sequence position and slides the expiry. Once the set
// grows past the trim threshold the lowest sequences are cut back to maxLen.
func (c *RedisCache) Put(ctx context.Context, msg domain.Message) error {
	z, err := encodeEntry(msg)
	if err != nil {
		return err
	}
	key := Key(msg.ConversationKey)

	var size *redis.IntCmd
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, z)
		size = p.ZCard(ctx, key)
		p.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return unavailable("zadd", err)
	}

	if size.Val() >= c.trimAfter {
		if err := c.client.ZRemRangeByRank(ctx, key, 0, -(c.maxLen + 1)).Err(); err != nil {
			return unavailable("zremrangebyrank", err)
		}
	}
	return nil
}

// PutBatch warms an absent conversation set with msgs. If the set already
// exists, or a concurrent Put creates it while the batch is being written,
// the batch is dropped so the cache never holds anything but a contiguous
// tail of the durable store.
func (c *RedisCache) PutBatch(ctx context.Context, conversationKey string, msgs []domain.Message) (bool, error) {
	if len(msgs) == 0 {
		return false, nil
	}

	members := make([]redis.Z, 0, len(msgs))
	for _, msg := range msgs {
		z, err := encodeEntry(msg)
		if err != nil {
			return false, err
		}
		members = append(members, z)
	}
	key := Key(conversationKey)

	warmed := false
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, key, members...)
			p.ZRemRangeByRank(ctx, key, 0, -(c.maxLen + 1))
			p.Expire(ctx, key, c.ttl)
			return nil
		})
		if err == nil {
			warmed = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		c.logger.Debug("Cache warm skipped, set changed concurrently", "conversation_key", conversationKey)
		return false, nil
	}
	if err != nil {
		return false, unavailable("warm", err)
	}
	return warmed, nil
}

// Len returns the number of cached entries for a conversation.
func (c *RedisCache) Len(ctx context.Context, conversationKey string) (int64, error) {
	n, err := c.client.ZCard(ctx, Key(conversationKey)).Result()
	if err != nil {
		return 0, unavailable("zcard", err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
