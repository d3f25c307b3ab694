package domain

import "errors"

var (
	// ErrUnauthenticated means the caller presented no usable session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidRecipient means a named participant or room is unknown or malformed.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrPersistence means the durable store rejected or timed out on a write.
	ErrPersistence = errors.New("persistence failure")
	// ErrCacheUnavailable means the recent-message cache could not be reached.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrInvalidMessage means a message body is empty or too large.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotFound means the requested conversation or message does not exist.
	ErrNotFound = errors.New("not found")
)
