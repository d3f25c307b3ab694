// Package relay orchestrates message sends, history reads and room
// membership across the durable store, the recent-message cache, the
// presence tracker and the connection registry.
//
// No in-process lock is held while any external store is called. The
// registry locks only for its own snapshot reads.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ashureev/relay-chat/internal/codec"
	"github.com/ashureev/relay-chat/internal/domain"
	"github.com/ashureev/relay-chat/internal/metrics"
	"github.com/ashureev/relay-chat/internal/registry"
)

// MessageStore is the durable side the relay needs.
type MessageStore interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	AppendMessage(ctx context.Context, msg *domain.Message) (string, error)
	RangeMessages(ctx context.Context, key string, offset, limit int) ([]domain.Message, error)
	LastMessage(ctx context.Context, key string) (*domain.Message, error)
}

// MessageCache is the recent-message cache.
type MessageCache interface {
	Get(ctx context.Context, key string, offset, limit int) ([]domain.Message, error)
	Put(ctx context.Context, msg domain.Message) error
	PutBatch(ctx context.Context, key string, msgs []domain.Message) (bool, error)
}

// Presence is the shared room membership.
type Presence interface {
	Join(ctx context.Context, room, identity string) ([]string, bool, error)
	Leave(ctx context.Context, room, identity string) ([]string, bool, error)
	Members(ctx context.Context, room string) ([]string, error)
	RoomsFor(ctx context.Context, identity string) ([]string, error)
}

// Options tune relay behavior.
type Options struct {
	// RoomEchoToSender delivers room messages to the sender's other devices.
	// Direct messages are always echoed.
	RoomEchoToSender bool
	MaxMessageBytes  int
	StoreTimeout     time.Duration
	CacheTimeout     time.Duration
}

// Relay is the message relay.
type Relay struct {
	store    MessageStore
	cache    MessageCache
	presence Presence
	registry *registry.Registry
	opts     Options
	logger   *slog.Logger
}

// New creates a relay.
func New(store MessageStore, cache MessageCache, presence Presence, reg *registry.Registry, opts Options, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 4096
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = 2 * time.Second
	}
	return &Relay{
		store:    store,
		cache:    cache,
		presence: presence,
		registry: reg,
		opts:     opts,
		logger:   logger,
	}
}

// Registry returns the connection registry the relay delivers through.
func (r *Relay) Registry() *registry.Registry {
	return r.registry
}

// SendRequest names a message and its destination. Exactly one of To and
// Room is set.
type SendRequest struct {
	Sender string
	// OriginHandle is the handle the send arrived on. It receives a sent
	// acknowledgement instead of a copy of the message.
	OriginHandle string
	To           string
	Room         string
	Body         string
}

func (r *Relay) validateBody(body string) error {
	if body == "" {
		return fmt.Errorf("%w: message is empty", domain.ErrInvalidMessage)
	}
	if len(body) > r.opts.MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d bytes", domain.ErrInvalidMessage, r.opts.MaxMessageBytes)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: message is not valid UTF-8", domain.ErrInvalidMessage)
	}
	return nil
}

// resolveKey derives the conversation key and checks the named recipient.
func (r *Relay) resolveKey(ctx context.Context, req SendRequest) (string, error) {
	switch {
	case req.To != "" && req.Room != "":
		return "", fmt.Errorf("%w: both recipient and room given", domain.ErrInvalidRecipient)
	case req.To != "":
		if !domain.IsValidIdentity(req.To) {
			return "", fmt.Errorf("%w: malformed recipient %q", domain.ErrInvalidRecipient, req.To)
		}
		if err := r.requireUser(ctx, req.To); err != nil {
			return "", err
		}
		return domain.DirectKey(req.Sender, req.To), nil
	case req.Room != "":
		if !domain.IsValidRoomName(req.Room) {
			return "", fmt.Errorf("%w: malformed room %q", domain.ErrInvalidRecipient, req.Room)
		}
		return domain.RoomKey(req.Room), nil
	default:
		return "", fmt.Errorf("%w: no recipient or room given", domain.ErrInvalidRecipient)
	}
}

func (r *Relay) requireUser(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	ok, err := r.store.UserExists(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: check recipient: %v", domain.ErrPersistence, err)
	}
	if !ok {
		return fmt.Errorf("%w: unknown user %q", domain.ErrInvalidRecipient, userID)
	}
	return nil
}

// Send appends a message, writes it through to the cache and delivers it to
// every resolved live handle. Only the durable append can fail the call;
// cache and delivery problems are logged and the client can recover them
// from history.
func (r *Relay) Send(ctx context.Context, req SendRequest) (*domain.Message, error) {
	if err := r.validateBody(req.Body); err != nil {
		metrics.SendFailures.WithLabelValues("invalid_message").Inc()
		return nil, err
	}
	key, err := r.resolveKey(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			metrics.SendFailures.WithLabelValues("persistence").Inc()
		} else {
			metrics.SendFailures.WithLabelValues("invalid_recipient").Inc()
		}
		return nil, err
	}

	msg := &domain.Message{
		ConversationKey: key,
		Sender:          req.Sender,
		Body:            req.Body,
	}
	if err := r.append(ctx, msg); err != nil {
		metrics.SendFailures.WithLabelValues("persistence").Inc()
		return nil, err
	}

	kind := "room"
	if req.To != "" {
		kind = "direct"
	}
	metrics.MessagesSent.WithLabelValues(kind).Inc()

	// The append is committed; a cancelled caller must not skip the rest.
	ctx = context.WithoutCancel(ctx)

	r.writeThrough(ctx, *msg)

	token, err := codec.Marshal(NewPayload(msg))
	if err != nil {
		r.logger.Error("Failed to encode relay payload", "conversation_key", key, "error", err)
		return msg, nil
	}

	handles := r.resolveHandles(ctx, req, msg.ConversationKey)
	frame, err := Encode(Event{Type: EventMessage, Data: token})
	if err == nil {
		r.deliver(ctx, handles, frame, req.OriginHandle)
	}

	if origin := r.registry.Lookup(req.Sender, req.OriginHandle); origin != nil {
		ack, err := Encode(Event{Type: EventSent, Data: token})
		if err == nil {
			r.deliver(ctx, []registry.Handle{origin.Handle}, ack, "")
		}
	}

	r.logger.Debug("Message relayed",
		"conversation_key", key,
		"sender", req.Sender,
		"message_id", msg.ID,
		"handles", len(handles),
	)
	return msg, nil
}

func (r *Relay) append(ctx context.Context, msg *domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	_, err := r.store.AppendMessage(ctx, msg)
	metrics.StoreLatency.WithLabelValues("append").Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Error("Durable append failed", "conversation_key", msg.ConversationKey, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (r *Relay) writeThrough(ctx context.Context, msg domain.Message) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()

	if err := r.cache.Put(ctx, msg); err != nil {
		metrics.CacheWriteErrors.Inc()
		r.logger.Warn("Cache write-through failed", "conversation_key", msg.ConversationKey, "error", err)
	}
}

// resolveHandles returns the live handles a message must reach, deduplicated.
func (r *Relay) resolveHandles(ctx context.Context, req SendRequest, key string) []registry.Handle {
	var identities []string
	echo := true

	if req.To != "" {
		identities = []string{req.Sender, req.To}
	} else {
		members, err := r.roomMembers(ctx, req.Room)
		if err != nil {
			r.logger.Warn("Room members unavailable, delivering to local subscribers",
				"room", req.Room, "error", err)
			return r.localSubscribers(req.Room, req.Sender)
		}
		identities = members
		echo = r.opts.RoomEchoToSender
	}

	seen := make(map[string]struct{})
	var out []registry.Handle
	for _, id := range identities {
		if id == req.Sender && !echo {
			continue
		}
		for _, h := range r.registry.HandlesFor(id) {
			if _, dup := seen[h.ID()]; dup {
				continue
			}
			seen[h.ID()] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}

// localSubscribers returns handles of this process that joined room.
func (r *Relay) localSubscribers(room, sender string) []registry.Handle {
	var out []registry.Handle
	for _, c := range r.registry.All() {
		if c.Identity == sender && !r.opts.RoomEchoToSender {
			continue
		}
		if c.InRoom(room) {
			out = append(out, c.Handle)
		}
	}
	return out
}

func (r *Relay) roomMembers(ctx context.Context, room string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()
	return r.presence.Members(ctx, room)
}

// deliver queues frame on every handle except skip. A full or closed handle
// only loses this frame.
func (r *Relay) deliver(ctx context.Context, handles []registry.Handle, frame []byte, skip string) {
	for _, h := range handles {
		if skip != "" && h.ID() == skip {
			continue
		}
		if err := h.Send(ctx, frame); err != nil {
			metrics.DroppedDeliveries.Inc()
			r.logger.Warn("Dropped delivery", "handle_id", h.ID(), "error", err)
			continue
		}
		metrics.Deliveries.Inc()
	}
}
