package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/relay-chat/internal/domain"
	"github.com/ashureev/relay-chat/internal/metrics"
)

// Page size limits for history reads.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// ClampPage normalizes a requested offset and limit.
func ClampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return offset, limit
}

// authorize checks that requester may read key. Direct conversations are
// private to their two participants; for anyone else they do not exist.
func authorize(requester, key string) error {
	if !domain.IsValidConversationKey(key) {
		return fmt.Errorf("%w: malformed conversation key %q", domain.ErrInvalidRecipient, key)
	}
	if !domain.IsDirectKey(key) {
		return nil
	}
	a, b, _ := domain.Participants(key)
	if requester != a && requester != b {
		return fmt.Errorf("%w: conversation %q", domain.ErrNotFound, key)
	}
	return nil
}

// History returns one page of a conversation, oldest to newest. Offset 0 is
// the newest page. A full page from the cache is served directly; anything
// else is read from the durable store, and a durable first page warms an
// absent cache entry. A conversation with no messages yields an empty page.
func (r *Relay) History(ctx context.Context, requester, key string, offset, limit int) ([]domain.Message, error) {
	if err := authorize(requester, key); err != nil {
		return nil, err
	}
	offset, limit = ClampPage(offset, limit)

	if msgs, ok := r.cachedPage(ctx, key, offset, limit); ok {
		return msgs, nil
	}

	msgs, err := r.durablePage(ctx, key, offset, limit)
	if errors.Is(err, domain.ErrNotFound) {
		return []domain.Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	if offset == 0 && len(msgs) > 0 {
		r.warm(ctx, key, msgs)
	}
	return msgs, nil
}

// DirectHistory returns a page of the direct conversation between requester
// and peer. An unknown peer is an invalid recipient.
func (r *Relay) DirectHistory(ctx context.Context, requester, peer string, offset, limit int) ([]domain.Message, error) {
	if !domain.IsValidIdentity(peer) {
		return nil, fmt.Errorf("%w: malformed peer %q", domain.ErrInvalidRecipient, peer)
	}
	if err := r.requireUser(ctx, peer); err != nil {
		return nil, err
	}
	return r.History(ctx, requester, domain.DirectKey(requester, peer), offset, limit)
}

// LastMessage returns the newest message of a conversation, or ErrNotFound.
func (r *Relay) LastMessage(ctx context.Context, requester, key string) (*domain.Message, error) {
	if err := authorize(requester, key); err != nil {
		return nil, err
	}

	if msgs, ok := r.cachedPage(ctx, key, 0, 1); ok {
		return &msgs[0], nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	msg, err := r.store.LastMessage(ctx, key)
	metrics.StoreLatency.WithLabelValues("last").Observe(time.Since(start).Seconds())
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return msg, nil
}

func (r *Relay) cachedPage(ctx context.Context, key string, offset, limit int) ([]domain.Message, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()

	msgs, err := r.cache.Get(ctx, key, offset, limit)
	if err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		r.logger.Warn("Cache read failed, using durable store", "conversation_key", key, "error", err)
		return nil, false
	}
	if len(msgs) < limit {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return msgs, true
}

func (r *Relay) durablePage(ctx context.Context, key string, offset, limit int) ([]domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	msgs, err := r.store.RangeMessages(ctx, key, offset, limit)
	metrics.StoreLatency.WithLabelValues("range").Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return msgs, err
}

func (r *Relay) warm(ctx context.Context, key string, msgs []domain.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.CacheTimeout)
	defer cancel()

	warmed, err := r.cache.PutBatch(ctx, key, msgs)
	if err != nil {
		r.logger.Warn("Cache warm failed", "conversation_key", key, "error", err)
		return
	}
	if warmed {
		r.logger.Debug("Cache warmed from durable store", "conversation_key", key, "messages", len(msgs))
	}
}
