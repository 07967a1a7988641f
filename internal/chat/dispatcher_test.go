package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestDispatcher(maxContent int) (*Dispatcher, *fakeStore) {
	store := newFakeStore()
	return NewDispatcher(store, maxContent), store
}

func TestDispatchChatMessageAppendsAndBroadcasts(t *testing.T) {
	d, store := newTestDispatcher(1000)
	from := Sender{UserID: 1, Username: "alice"}

	events, err := d.Dispatch(context.Background(), "r1", from,
		mustEnvelope(t, InboundChatMessage, ChatMessagePayload{Content: "  hello  "}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(events) != 1 || events[0].Event.Type != EventChatMessage {
		t.Fatalf("expected one chat_message event, got %+v", events)
	}

	msg, ok := events[0].Event.Data.(*Message)
	if !ok {
		t.Fatalf("event payload is not a message: %T", events[0].Event.Data)
	}
	if msg.ID == "" || msg.Content != "hello" || msg.Kind != KindText {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.RoomID != "r1" || msg.AuthorID != 1 || msg.AuthorName != "alice" {
		t.Fatalf("message not attributed to sender: %+v", msg)
	}
	if store.appendCount() != 1 {
		t.Fatalf("expected 1 append, got %d", store.appendCount())
	}
}

func TestDispatchRejectsOverlongContent(t *testing.T) {
	d, store := newTestDispatcher(10)
	from := Sender{UserID: 1, Username: "alice"}

	_, err := d.Dispatch(context.Background(), "r1", from,
		mustEnvelope(t, InboundChatMessage, ChatMessagePayload{Content: strings.Repeat("x", 11)}))

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if store.appendCount() != 0 {
		t.Fatal("validation failure must not reach the store")
	}
}

func TestDispatchRejectsEmptyContent(t *testing.T) {
	d, store := newTestDispatcher(1000)

	_, err := d.Dispatch(context.Background(), "r1", Sender{UserID: 1},
		mustEnvelope(t, InboundChatMessage, ChatMessagePayload{Content: "   "}))

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if store.appendCount() != 0 {
		t.Fatal("validation failure must not reach the store")
	}
}

func TestDispatchRejectsUnknownKind(t *testing.T) {
	d, _ := newTestDispatcher(1000)

	_, err := d.Dispatch(context.Background(), "r1", Sender{UserID: 1},
		mustEnvelope(t, InboundChatMessage, ChatMessagePayload{Content: "hi", Kind: "gif"}))

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDispatchReplyTargetValidation(t *testing.T) {
	d, store := newTestDispatcher(1000)
	alice := Sender{UserID: 1, Username: "alice"}

	target, err := store.Append(context.Background(), "r1", 1, "alice", "original", KindText, nil)
	if err != nil {
		t.Fatal(err)
	}
	otherRoom, err := store.Append(context.Background(), "r2", 1, "alice", "elsewhere", KindText, nil)
	if err != nil {
		t.Fatal(err)
	}
	deleted, err := store.Append(context.Background(), "r1", 1, "alice", "gone", KindText, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.SoftDelete(context.Background(), deleted.ID, 1); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		replyTo string
		wantErr bool
	}{
		{"valid target", target.ID, false},
		{"missing target", "nope", true},
		{"target in another room", otherRoom.ID, true},
		{"deleted target", deleted.ID, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			replyTo := tc.replyTo
			_, err := d.Dispatch(context.Background(), "r1", alice,
				mustEnvelope(t, InboundChatMessage, ChatMessagePayload{Content: "reply", ReplyTo: &replyTo}))
			var ve *ValidationError
			if tc.wantErr && !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDispatchTypingExcludesSenderAndSkipsStore(t *testing.T) {
	d, store := newTestDispatcher(1000)
	from := Sender{UserID: 7, Username: "bob"}

	events, err := d.Dispatch(context.Background(), "r1", from,
		mustEnvelope(t, InboundTyping, TypingPayload{IsTyping: true}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(events) != 1 || events[0].Event.Type != EventTyping {
		t.Fatalf("expected one typing event, got %+v", events)
	}
	if events[0].ExcludeUser != 7 {
		t.Fatalf("typing must exclude the sender, got exclude=%d", events[0].ExcludeUser)
	}
	store.mu.Lock()
	total := store.appends + store.edits + store.deletes + store.gets
	store.mu.Unlock()
	if total != 0 {
		t.Fatalf("typing must not touch the store, saw %d calls", total)
	}
}

func TestDispatchEditAuthorMismatch(t *testing.T) {
	d, store := newTestDispatcher(1000)

	m, err := store.Append(context.Background(), "r1", 1, "alice", "hi", KindText, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = d.Dispatch(context.Background(), "r1", Sender{UserID: 2, Username: "bob"},
		mustEnvelope(t, InboundEdit, EditPayload{MessageID: m.ID, Content: "hacked"}))
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	got, err := store.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "hi" || got.EditedAt != nil {
		t.Fatalf("message changed despite forbidden edit: %+v", got)
	}
}

func TestDispatchEditUpdatesContent(t *testing.T) {
	d, store := newTestDispatcher(1000)

	m, err := store.Append(context.Background(), "r1", 1, "alice", "hi", KindText, nil)
	if err != nil {
		t.Fatal(err)
	}

	events, err := d.Dispatch(context.Background(), "r1", Sender{UserID: 1, Username: "alice"},
		mustEnvelope(t, InboundEdit, EditPayload{MessageID: m.ID, Content: "hi2"}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if events[0].Event.Type != EventMessageEdited {
		t.Fatalf("expected message_edited, got %s", events[0].Event.Type)
	}
	edited := events[0].Event.Data.(*Message)
	if edited.Content != "hi2" || edited.EditedAt == nil {
		t.Fatalf("edit overlay not applied: %+v", edited)
	}
}

func TestDispatchDeleteSoftDeletes(t *testing.T) {
	d, store := newTestDispatcher(1000)

	m, err := store.Append(context.Background(), "r1", 1, "alice", "hi", KindText, nil)
	if err != nil {
		t.Fatal(err)
	}

	events, err := d.Dispatch(context.Background(), "r1", Sender{UserID: 1, Username: "alice"},
		mustEnvelope(t, InboundDelete, DeletePayload{MessageID: m.ID}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if events[0].Event.Type != EventMessageDeleted {
		t.Fatalf("expected message_deleted, got %s", events[0].Event.Type)
	}

	// The record survives with the deleted flag set.
	got, err := store.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted {
		t.Fatal("message not marked deleted")
	}

	// Editing a deleted message reads as not found.
	_, err = d.Dispatch(context.Background(), "r1", Sender{UserID: 1, Username: "alice"},
		mustEnvelope(t, InboundEdit, EditPayload{MessageID: m.ID, Content: "again"}))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted message, got %v", err)
	}
}

// Edits and deletes are room-scoped commands: a message living in another
// room reads as not found, nothing is mutated, and no event is produced for
// the wrong room.
func TestDispatchEditDeleteScopedToRoom(t *testing.T) {
	d, store := newTestDispatcher(1000)
	alice := Sender{UserID: 1, Username: "alice"}

	m, err := store.Append(context.Background(), "r2", 1, "alice", "elsewhere", KindText, nil)
	if err != nil {
		t.Fatal(err)
	}

	events, err := d.Dispatch(context.Background(), "r1", alice,
		mustEnvelope(t, InboundEdit, EditPayload{MessageID: m.ID, Content: "rewritten"}))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-room edit: expected ErrNotFound, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("cross-room edit produced events: %+v", events)
	}

	_, err = d.Dispatch(context.Background(), "r1", alice,
		mustEnvelope(t, InboundDelete, DeletePayload{MessageID: m.ID}))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-room delete: expected ErrNotFound, got %v", err)
	}

	got, err := store.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "elsewhere" || got.EditedAt != nil || got.Deleted {
		t.Fatalf("cross-room command mutated the message: %+v", got)
	}

	// The same commands succeed in the message's own room, and the deletion
	// event is stamped with that room.
	if _, err := d.Dispatch(context.Background(), "r2", alice,
		mustEnvelope(t, InboundEdit, EditPayload{MessageID: m.ID, Content: "rewritten"})); err != nil {
		t.Fatalf("in-room edit: %v", err)
	}
	events, err = d.Dispatch(context.Background(), "r2", alice,
		mustEnvelope(t, InboundDelete, DeletePayload{MessageID: m.ID}))
	if err != nil {
		t.Fatalf("in-room delete: %v", err)
	}
	payload := events[0].Event.Data.(DeletedEventPayload)
	if payload.RoomID != "r2" {
		t.Fatalf("message_deleted stamped with room %q, want r2", payload.RoomID)
	}
}

func TestDispatchUnknownTypeIsProtocolError(t *testing.T) {
	d, _ := newTestDispatcher(1000)

	_, err := d.Dispatch(context.Background(), "r1", Sender{UserID: 1},
		InboundEnvelope{Type: "dance"})

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestDispatchStoreFailureIsTransientAndNotBroadcast(t *testing.T) {
	d, store := newTestDispatcher(1000)
	store.failAll = errors.New("connection reset")

	events, err := d.Dispatch(context.Background(), "r1", Sender{UserID: 1, Username: "alice"},
		mustEnvelope(t, InboundChatMessage, ChatMessagePayload{Content: "hi"}))

	var te *TransientStoreError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientStoreError, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("failed dispatch must not produce events, got %+v", events)
	}
}
