package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Dispatcher maps one inbound client event to its durable effect and the
// outbound events the hub should fan out. It performs no I/O beyond the
// store gateway calls and holds no room state, so the websocket and REST
// paths share it.
type Dispatcher struct {
	store      MessageStore
	maxContent int
}

func NewDispatcher(store MessageStore, maxContent int) *Dispatcher {
	return &Dispatcher{store: store, maxContent: maxContent}
}

// Dispatch handles a single inbound envelope. On error nothing has been
// broadcast and (except for a failed store call that may have landed) no
// durable effect applied; errors are reported to the sender only.
func (d *Dispatcher) Dispatch(ctx context.Context, roomID string, from Sender, env InboundEnvelope) ([]Outbound, error) {
	switch env.Type {
	case InboundChatMessage:
		return d.chatMessage(ctx, roomID, from, env.Data)
	case InboundTyping:
		return d.typing(from, env.Data)
	case InboundEdit:
		return d.edit(ctx, roomID, from, env.Data)
	case InboundDelete:
		return d.delete(ctx, roomID, from, env.Data)
	default:
		return nil, &ProtocolError{Reason: "unknown event type " + string(env.Type)}
	}
}

func (d *Dispatcher) chatMessage(ctx context.Context, roomID string, from Sender, data json.RawMessage) ([]Outbound, error) {
	var p ChatMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ProtocolError{Reason: "malformed chat_message payload"}
	}

	content, err := d.checkContent(p.Content)
	if err != nil {
		return nil, err
	}

	kind := p.Kind
	if kind == "" {
		kind = KindText
	}
	if !kind.Valid() {
		return nil, &ValidationError{Reason: "unknown message type " + string(kind)}
	}

	if p.ReplyTo != nil {
		if err := d.checkReplyTarget(ctx, roomID, *p.ReplyTo); err != nil {
			return nil, err
		}
	}

	// Durability precedes visibility: the append must land before any
	// broadcast so an immediate history read includes the message.
	msg, err := d.store.Append(ctx, roomID, from.UserID, from.Username, content, kind, p.ReplyTo)
	if err != nil {
		return nil, storeFailure(err)
	}

	return []Outbound{{Event: Event{Type: EventChatMessage, Data: msg}}}, nil
}

func (d *Dispatcher) typing(from Sender, data json.RawMessage) ([]Outbound, error) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ProtocolError{Reason: "malformed typing payload"}
	}

	return []Outbound{{
		Event: Event{Type: EventTyping, Data: TypingEventPayload{
			UserID:    from.UserID,
			Username:  from.Username,
			IsTyping:  p.IsTyping,
			Timestamp: time.Now().UTC(),
		}},
		ExcludeUser: from.UserID,
	}}, nil
}

func (d *Dispatcher) edit(ctx context.Context, roomID string, from Sender, data json.RawMessage) ([]Outbound, error) {
	var p EditPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" {
		return nil, &ProtocolError{Reason: "malformed edit payload"}
	}

	content, err := d.checkContent(p.Content)
	if err != nil {
		return nil, err
	}

	if err := d.requireInRoom(ctx, roomID, p.MessageID); err != nil {
		return nil, err
	}

	msg, err := d.store.Edit(ctx, p.MessageID, from.UserID, content)
	if err != nil {
		return nil, storeFailure(err)
	}

	return []Outbound{{Event: Event{Type: EventMessageEdited, Data: msg}}}, nil
}

func (d *Dispatcher) delete(ctx context.Context, roomID string, from Sender, data json.RawMessage) ([]Outbound, error) {
	var p DeletePayload
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" {
		return nil, &ProtocolError{Reason: "malformed delete payload"}
	}

	if err := d.requireInRoom(ctx, roomID, p.MessageID); err != nil {
		return nil, err
	}

	msg, err := d.store.SoftDelete(ctx, p.MessageID, from.UserID)
	if err != nil {
		return nil, storeFailure(err)
	}

	return []Outbound{{Event: Event{Type: EventMessageDeleted, Data: DeletedEventPayload{
		MessageID: msg.ID,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
	}}}}, nil
}

func (d *Dispatcher) checkContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &ValidationError{Reason: "content is empty"}
	}
	if utf8.RuneCountInString(content) > d.maxContent {
		return "", &ValidationError{Reason: "content exceeds maximum length"}
	}
	return content, nil
}

// requireInRoom guards edits and deletes against a dispatch room that is not
// the message's room. Messages outside the room read as not found, and the
// check happens before any durable effect so a cross-room command mutates
// nothing and mislabels no broadcast.
func (d *Dispatcher) requireInRoom(ctx context.Context, roomID, messageID string) error {
	msg, err := d.store.Get(ctx, messageID)
	if err != nil {
		return storeFailure(err)
	}
	if msg.RoomID != roomID {
		return ErrNotFound
	}
	return nil
}

// checkReplyTarget enforces that a reply points at a live message in the
// same room before the gateway is asked to append.
func (d *Dispatcher) checkReplyTarget(ctx context.Context, roomID, targetID string) error {
	target, err := d.store.Get(ctx, targetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &ValidationError{Reason: "reply target not found"}
		}
		return storeFailure(err)
	}
	if target.RoomID != roomID {
		return &ValidationError{Reason: "reply target belongs to another room"}
	}
	if target.Deleted {
		return &ValidationError{Reason: "reply target was deleted"}
	}
	return nil
}

// storeFailure passes domain sentinels through and wraps everything else
// (timeouts, connectivity) as retryable.
func storeFailure(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		return err
	}
	return &TransientStoreError{Err: err}
}
