// Package presence keeps room membership in shared Redis sets so every
// process sees the same members. Membership says nothing about whether this
// process can reach a member; callers intersect with the connection registry.
package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	roomUsersPrefix = "room_users:"
	userRoomsPrefix = "user_rooms:"
)

func roomKey(room string) string { return roomUsersPrefix + room }
func userKey(identity string) string { return userRoomsPrefix + identity }

// Tracker is the room presence tracker.
type Tracker struct {
	client *redis.Client
}

// NewTracker creates a tracker on client.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

// Join adds identity to room and returns the resulting members, sorted.
// changed is false when identity was already a member.
func (t *Tracker) Join(ctx context.Context, room, identity string) (members []string, changed bool, err error) {
	var added *redis.IntCmd
	var list *redis.StringSliceCmd
	_, err = t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = p.SAdd(ctx, roomKey(room), identity)
		p.SAdd(ctx, userKey(identity), room)
		list = p.SMembers(ctx, roomKey(room))
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("join room %s: %w", room, err)
	}
	return sorted(list.Val()), added.Val() > 0, nil
}

// Leave removes identity from room and returns the remaining members, sorted.
// changed is false when identity was not a member.
func (t *Tracker) Leave(ctx context.Context, room, identity string) (members []string, changed bool, err error) {
	var removed *redis.IntCmd
	var list *redis.StringSliceCmd
	_, err = t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.SRem(ctx, roomKey(room), identity)
		p.SRem(ctx, userKey(identity), room)
		list = p.SMembers(ctx, roomKey(room))
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("leave room %s: %w", room, err)
	}
	return sorted(list.Val()), removed.Val() > 0, nil
}

// Members returns the identities present in room, sorted.
func (t *Tracker) Members(ctx context.Context, room string) ([]string, error) {
	members, err := t.client.SMembers(ctx, roomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("room members %s: %w", room, err)
	}
	return sorted(members), nil
}

// IsMember reports whether identity is present in room.
func (t *Tracker) IsMember(ctx context.Context, room, identity string) (bool, error) {
	ok, err := t.client.SIsMember(ctx, roomKey(room), identity).Result()
	if err != nil {
		return false, fmt.Errorf("room membership %s: %w", room, err)
	}
	return ok, nil
}

// RoomsFor returns the rooms identity is present in, sorted.
func (t *Tracker) RoomsFor(ctx context.Context, identity string) ([]string, error) {
	rooms, err := t.client.SMembers(ctx, userKey(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("rooms for %s: %w", identity, err)
	}
	return sorted(rooms), nil
}

func sorted(s []string) []string {
	if s == nil {
		return []string{}
	}
	sort.Strings(s)
	return s
}
