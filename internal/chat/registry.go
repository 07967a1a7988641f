package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"boardchat/internal/config"
)

// Registry is the process-wide map from room key to live hub. Hubs are
// created lazily on first admit and removed when their last session leaves.
// The registry lock makes hub creation and teardown atomic: concurrent
// admits for an unseen room resolve to exactly one hub, and an admit racing
// a teardown retries against a fresh hub instead of landing in a dying one.
type Registry struct {
	cfg        *config.Config
	store      MessageStore
	mirror     PresenceMirror
	dispatcher *Dispatcher

	mu   sync.Mutex
	hubs map[string]*RoomHub

	sessionCount atomic.Int64
}

func NewRegistry(cfg *config.Config, store MessageStore, mirror PresenceMirror) *Registry {
	return &Registry{
		cfg:        cfg,
		store:      store,
		mirror:     mirror,
		dispatcher: NewDispatcher(store, cfg.MaxMessageLength),
		hubs:       make(map[string]*RoomHub),
	}
}

// Admit joins a connection to a room, creating the hub if needed. The only
// failure modes are capacity refusal and hub teardown races, and the latter
// are retried here until a live hub accepts or refuses the session.
func (r *Registry) Admit(roomID string, userID int, username string, conn *websocket.Conn) (*Session, error) {
	for {
		h := r.getOrCreate(roomID)
		s, err := h.admitSession(userID, username, conn)
		if errors.Is(err, errHubClosed) {
			continue
		}
		return s, err
	}
}

// DispatchExternal routes a REST-originated event through the room's live
// hub so connected clients see the identical broadcast. Rooms with no live
// hub get the durable effect only — there is nobody to broadcast to, and an
// empty hub would tear itself down immediately.
func (r *Registry) DispatchExternal(ctx context.Context, roomID string, from Sender, env InboundEnvelope) ([]Outbound, error) {
	for {
		h, ok := r.lookup(roomID)
		if !ok {
			return r.dispatcher.Dispatch(ctx, roomID, from, env)
		}
		events, err := h.inject(ctx, from, env)
		if errors.Is(err, errHubClosed) {
			continue
		}
		return events, err
	}
}

// Sessions reports the number of live sessions across all rooms.
func (r *Registry) Sessions() int64 {
	return r.sessionCount.Load()
}

// Rooms reports the number of rooms with a live hub.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

func (r *Registry) getOrCreate(roomID string) *RoomHub {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[roomID]; ok {
		return h
	}
	h := newRoomHub(roomID, r)
	r.hubs[roomID] = h
	go h.run()
	return h
}

func (r *Registry) lookup(roomID string) (*RoomHub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[roomID]
	return h, ok
}

// release removes an empty hub from the registry and marks it closed. Called
// by the hub goroutine when its last session leaves; the registry lock makes
// the removal atomic with respect to getOrCreate, so a racing admit either
// reached the hub's command queue (and is drained with errHubClosed) or will
// create a fresh hub.
func (r *Registry) release(h *RoomHub) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hubs[h.roomID] != h {
		return false
	}
	delete(r.hubs, h.roomID)
	close(h.done)
	return true
}
