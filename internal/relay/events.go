package relay

import (
	"encoding/json"
	"time"

	"github.com/ashureev/relay-chat/internal/codec"
	"github.com/ashureev/relay-chat/internal/domain"
)

// Server event types.
const (
	EventMessage          = "message"
	EventSent             = "sent"
	EventRoomNotification = "roomNotification"
	EventOnline           = "online"
	EventHistory          = "history"
	EventError            = "error"
	EventPong             = "pong"
)

// Membership changes carried by roomNotification events.
const (
	ChangeJoin       = "join"
	ChangeLeave      = "leave"
	ChangeConnect    = "connect"
	ChangeDisconnect = "disconnect"
)

// Event is a server-to-client frame. Only the fields relevant to Type are set.
type Event struct {
	Type     string           `json:"type"`
	Data     string           `json:"data,omitempty"`
	Room     string           `json:"room,omitempty"`
	Change   string           `json:"change,omitempty"`
	UserID   string           `json:"user_id,omitempty"`
	Users    []string         `json:"users,omitempty"`
	Count    *int             `json:"count,omitempty"`
	Key      string           `json:"key,omitempty"`
	Offset   *int             `json:"offset,omitempty"`
	Messages []domain.Message `json:"messages,omitempty"`
	Message  string           `json:"message,omitempty"`
	Ref      string           `json:"ref,omitempty"`
}

// Payload is the relayed message. It travels as one codec token in the
// Data field of message and sent events.
type Payload struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Sender    string `json:"sender"`
	To        string `json:"to,omitempty"`
	Room      string `json:"room,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewPayload builds the relay payload for msg.
func NewPayload(msg *domain.Message) Payload {
	p := Payload{
		ID:        msg.ID,
		Key:       msg.ConversationKey,
		Sender:    msg.Sender,
		Message:   msg.Body,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}
	if room, ok := domain.RoomName(msg.ConversationKey); ok {
		p.Room = room
	} else if a, b, err := domain.Participants(msg.ConversationKey); err == nil {
		p.To = b
		if b == msg.Sender {
			p.To = a
		}
	}
	return p
}

// DecodePayload reverses the token in a message event.
func DecodePayload(token string) (Payload, error) {
	var p Payload
	err := codec.Unmarshal(token, &p)
	return p, err
}

// CreatedAt returns the payload timestamp as a time.
func (p Payload) CreatedAt() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

// Encode serializes ev as a JSON frame.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// ErrorEvent builds an error frame. ref echoes the client request id.
func ErrorEvent(message, ref string) []byte {
	data, _ := json.Marshal(Event{Type: EventError, Message: message, Ref: ref})
	return data
}

func intPtr(n int) *int { return &n }
