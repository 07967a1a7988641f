package chat

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------
// Durable models
// ---------------------------------------------

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// Message is one entry in a room's durable log. The creation fields never
// change after append; edits and deletes only touch EditedAt / Deleted.
type Message struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"dashboard_id"`
	AuthorID   int         `json:"user_id"`
	AuthorName string      `json:"username"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"message_type"`
	CreatedAt  time.Time   `json:"timestamp"`
	EditedAt   *time.Time  `json:"edited_at,omitempty"`
	Deleted    bool        `json:"is_deleted"`
	ReplyTo    *string     `json:"reply_to,omitempty"`
}

// Room is the metadata record for a dashboard's chat room, kept in Redis
// and created lazily on first lookup. Live membership is not stored here.
type Room struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"dashboard_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
	MaxUsers  int       `json:"max_users"`
}

// PresenceUser is the wire shape of one online identity in a room.
type PresenceUser struct {
	UserID      int       `json:"user_id"`
	Username    string    `json:"username"`
	Status      string    `json:"status"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// ---------------------------------------------
// Wire protocol
// ---------------------------------------------

type InboundType string

const (
	InboundChatMessage InboundType = "chat_message"
	InboundTyping      InboundType = "typing"
	InboundEdit        InboundType = "edit"
	InboundDelete      InboundType = "delete"
)

// InboundEnvelope is what clients send over the socket (and what the REST
// handlers synthesize so both paths share the dispatcher).
type InboundEnvelope struct {
	Type InboundType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ChatMessagePayload struct {
	Content string      `json:"content"`
	Kind    MessageKind `json:"message_type,omitempty"`
	ReplyTo *string     `json:"reply_to,omitempty"`
}

type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type EditPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type DeletePayload struct {
	MessageID string `json:"message_id"`
}

type EventType string

const (
	EventChatMessage    EventType = "chat_message"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventUserJoined     EventType = "user_joined"
	EventUserLeft       EventType = "user_left"
	EventTyping         EventType = "typing"
	EventError          EventType = "error"
)

// Event is the outbound envelope fanned out to room members.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// Outbound pairs an event with its fan-out rule. ExcludeUser suppresses
// delivery to every session of that identity (used for typing echoes).
type Outbound struct {
	Event       Event
	ExcludeUser int
}

type PresenceEventPayload struct {
	UserID    int       `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingEventPayload struct {
	UserID    int       `json:"user_id"`
	Username  string    `json:"username"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

type DeletedEventPayload struct {
	MessageID string    `json:"id"`
	RoomID    string    `json:"dashboard_id"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorEventPayload struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender identifies who an inbound event came from. SessionID is empty for
// REST-originated events.
type Sender struct {
	UserID    int
	Username  string
	SessionID string
}
