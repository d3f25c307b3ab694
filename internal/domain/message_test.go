package domain

import (
	"errors"
	"testing"
)

func TestDirectKeyOrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"a", "a"},
		{"user-9", "user-10"},
	}
	for _, p := range pairs {
		if DirectKey(p[0], p[1]) != DirectKey(p[1], p[0]) {
			t.Errorf("DirectKey(%q, %q) is order dependent", p[0], p[1])
		}
	}
	if got := DirectKey("bob", "alice"); got != "dm:alice:bob" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestParticipants(t *testing.T) {
	a, b, err := Participants(DirectKey("zed", "amy"))
	if err != nil {
		t.Fatalf("Participants failed: %v", err)
	}
	if a != "amy" || b != "zed" {
		t.Errorf("got %q,%q", a, b)
	}

	if _, _, err := Participants(RoomKey("r1")); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient for room key, got %v", err)
	}
	if _, _, err := Participants("dm:onlyone"); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient for malformed key, got %v", err)
	}
}

func TestIsValidConversationKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"dm:alice:bob", true},
		{"room:r1", true},
		{"room:", false},
		{"dm:alice", false},
		{"other:x", false},
		{"room:has space", false},
	}
	for _, tt := range tests {
		if got := IsValidConversationKey(tt.key); got != tt.want {
			t.Errorf("IsValidConversationKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
