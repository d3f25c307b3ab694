package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	directKeyPrefix = "dm:"
	roomKeyPrefix   = "room:"
)

var (
	identityPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,128}$`)
	roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Message is a single immutable chat message. Body always holds plaintext;
// encoding happens at the store, cache and wire boundaries.
type Message struct {
	ID              string    `json:"id"`
	Seq             int64     `json:"seq,omitempty"`
	ConversationKey string    `json:"key"`
	Sender          string    `json:"sender"`
	Body            string    `json:"message"`
	CreatedAt       time.Time `json:"timestamp"`
}

// IsValidIdentity reports whether id has the shape of an identity reference.
func IsValidIdentity(id string) bool {
	return identityPattern.MatchString(id)
}

// IsValidRoomName reports whether name can be used as a room key.
func IsValidRoomName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// DirectKey derives the conversation key for two participants.
// The result does not depend on argument order.
func DirectKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return directKeyPrefix + ids[0] + ":" + ids[1]
}

// RoomKey derives the conversation key for a group room.
func RoomKey(room string) string {
	return roomKeyPrefix + room
}

// IsDirectKey reports whether key addresses a direct conversation.
func IsDirectKey(key string) bool {
	return strings.HasPrefix(key, directKeyPrefix)
}

// Participants returns the two identities of a direct conversation key.
func Participants(key string) (string, string, error) {
	if !IsDirectKey(key) {
		return "", "", fmt.Errorf("%w: %q is not a direct conversation", ErrInvalidRecipient, key)
	}
	rest := strings.TrimPrefix(key, directKeyPrefix)
	a, b, ok := strings.Cut(rest, ":")
	if !ok || !IsValidIdentity(a) || !IsValidIdentity(b) {
		return "", "", fmt.Errorf("%w: malformed direct key %q", ErrInvalidRecipient, key)
	}
	return a, b, nil
}

// RoomName returns the room a room conversation key refers to.
func RoomName(key string) (string, bool) {
	if !strings.HasPrefix(key, roomKeyPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(key, roomKeyPrefix)
	return name, IsValidRoomName(name)
}

// IsValidConversationKey reports whether key is a well-formed direct or room key.
func IsValidConversationKey(key string) bool {
	if IsDirectKey(key) {
		_, _, err := Participants(key)
		return err == nil
	}
	_, ok := RoomName(key)
	return ok
}
