package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"boardchat/internal/config"
)

// fakeStore is an in-memory MessageStore so the core tests run without
// Postgres. It mirrors the gateway semantics: NotFound for missing or
// deleted messages, Forbidden on author mismatch, soft delete only.
type fakeStore struct {
	mu      sync.Mutex
	msgs    map[string]*Message
	order   []string
	appends int
	edits   int
	deletes int
	gets    int
	failAll error
}

func newFakeStore() *fakeStore {
	return &fakeStore{msgs: make(map[string]*Message)}
}

func copyMessage(m *Message) *Message {
	cp := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		cp.ReplyTo = &r
	}
	return &cp
}

func (f *fakeStore) Append(ctx context.Context, roomID string, authorID int, authorName, content string, kind MessageKind, replyTo *string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if f.failAll != nil {
		return nil, f.failAll
	}
	m := &Message{
		ID:         fmt.Sprintf("m-%d", len(f.order)+1),
		RoomID:     roomID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
		ReplyTo:    replyTo,
	}
	f.msgs[m.ID] = m
	f.order = append(f.order, m.ID)
	return copyMessage(m), nil
}

func (f *fakeStore) Get(ctx context.Context, messageID string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failAll != nil {
		return nil, f.failAll
	}
	m, ok := f.msgs[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(m), nil
}

func (f *fakeStore) Edit(ctx context.Context, messageID string, authorID int, content string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits++
	if f.failAll != nil {
		return nil, f.failAll
	}
	m, ok := f.msgs[messageID]
	if !ok || m.Deleted {
		return nil, ErrNotFound
	}
	if m.AuthorID != authorID {
		return nil, ErrForbidden
	}
	now := time.Now().UTC()
	m.Content = content
	m.EditedAt = &now
	return copyMessage(m), nil
}

func (f *fakeStore) SoftDelete(ctx context.Context, messageID string, authorID int) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.failAll != nil {
		return nil, f.failAll
	}
	m, ok := f.msgs[messageID]
	if !ok || m.Deleted {
		return nil, ErrNotFound
	}
	if m.AuthorID != authorID {
		return nil, ErrForbidden
	}
	m.Deleted = true
	return copyMessage(m), nil
}

func (f *fakeStore) History(ctx context.Context, roomID string, before *time.Time, limit int) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	var out []*Message
	for i := len(f.order) - 1; i >= 0 && len(out) < limit; i-- {
		m := f.msgs[f.order[i]]
		if m.RoomID != roomID {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (f *fakeStore) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

// ---------------------------------------------
// Shared helpers
// ---------------------------------------------

func testConfig() *config.Config {
	return &config.Config{
		MaxMessageLength:   1000,
		MaxSessionsPerRoom: 100,
		HistoryLimit:       50,
		HistoryMaxLimit:    100,
		SendQueueSize:      256,
		ProtocolErrorLimit: 5,
		StoreTimeout:       time.Second,
		PresenceTTL:        time.Hour,
		WriteWait:          time.Second,
		PongWait:           time.Minute,
		PingPeriod:         54 * time.Second,
		MaxFrameSize:       16384,
	}
}

func newTestRegistry(cfg *config.Config) (*Registry, *fakeStore) {
	store := newFakeStore()
	return NewRegistry(cfg, store, nil), store
}

func mustAdmit(t *testing.T, r *Registry, roomID string, userID int, username string) *Session {
	t.Helper()
	s, err := r.Admit(roomID, userID, username, nil)
	if err != nil {
		t.Fatalf("admit %s/%d: %v", roomID, userID, err)
	}
	return s
}

// recvdEvent is the decoded outbound envelope as a client would see it.
type recvdEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, s *Session) recvdEvent {
	t.Helper()
	select {
	case payload, ok := <-s.send:
		if !ok {
			t.Fatal("send channel closed while waiting for event")
		}
		var ev recvdEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return recvdEvent{}
}

func expectEvent(t *testing.T, s *Session, typ EventType) recvdEvent {
	t.Helper()
	ev := readFrame(t, s)
	if ev.Type != typ {
		t.Fatalf("expected %s event, got %s (%s)", typ, ev.Type, ev.Data)
	}
	return ev
}

func expectNoFrame(t *testing.T, s *Session, wait time.Duration) {
	t.Helper()
	select {
	case payload, ok := <-s.send:
		if ok {
			t.Fatalf("unexpected frame: %s", payload)
		}
	case <-time.After(wait):
	}
}

// drainUntilClosed discards remaining frames until the session's queue is
// closed. Safe to call off the test goroutine.
func drainUntilClosed(s *Session, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-s.send:
			if !ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// expectClosed drains any remaining frames and fails unless the session's
// queue gets closed (i.e. the hub evicted it).
func expectClosed(t *testing.T, s *Session) {
	t.Helper()
	if !drainUntilClosed(s, 2*time.Second) {
		t.Fatal("session was not evicted")
	}
}

func sendEnvelope(t *testing.T, s *Session, typ InboundType, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(InboundEnvelope{Type: typ, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	s.hub.submitInbound(s, raw)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustEnvelope(t *testing.T, typ InboundType, payload interface{}) InboundEnvelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return InboundEnvelope{Type: typ, Data: data}
}
