package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"boardchat/internal/config"
)

// RoomHub owns the live state of one room: its admitted sessions and its
// presence table. A single goroutine (run) processes admits, evictions and
// inbound events in arrival order, which gives every room a total order of
// broadcasts without any locking around membership. Hubs are created by the
// Registry on first admit and release themselves when the last session
// leaves.
type RoomHub struct {
	roomID string

	registry   *Registry
	cfg        *config.Config
	dispatcher *Dispatcher
	mirror     PresenceMirror

	// Owned by the run goroutine.
	sessions map[string]*Session
	presence *presenceTable

	admitCh   chan *admitRequest
	evictCh   chan *Session
	inboundCh chan *inboundFrame
	done      chan struct{}
}

type admitRequest struct {
	userID   int
	username string
	conn     *websocket.Conn
	reply    chan admitResult
}

type admitResult struct {
	sess *Session
	err  error
}

type inboundFrame struct {
	sess *Session // nil for REST-originated events
	from Sender
	raw  []byte           // undecoded frame from the socket, or
	env  *InboundEnvelope // pre-decoded envelope from the REST path
	// reply, when set, receives the dispatch outcome instead of routing
	// errors back to the session.
	reply chan inboundResult
}

type inboundResult struct {
	events []Outbound
	err    error
}

func newRoomHub(roomID string, r *Registry) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		registry:   r,
		cfg:        r.cfg,
		dispatcher: r.dispatcher,
		mirror:     r.mirror,
		sessions:   make(map[string]*Session),
		presence:   newPresenceTable(),
		admitCh:    make(chan *admitRequest),
		evictCh:    make(chan *Session),
		inboundCh:  make(chan *inboundFrame),
		done:       make(chan struct{}),
	}
}

// run is the room's serialized command loop. It exits only after the
// registry has released this hub, then drains any commands that raced the
// teardown so no caller is left blocked.
func (h *RoomHub) run() {
	for {
		var exit bool
		select {
		case req := <-h.admitCh:
			exit = h.handleAdmit(req)
		case s := <-h.evictCh:
			exit = h.removeSession(s)
		case f := <-h.inboundCh:
			exit = h.handleInbound(f)
		}
		if exit {
			h.drain()
			return
		}
	}
}

func (h *RoomHub) drain() {
	for {
		select {
		case req := <-h.admitCh:
			req.reply <- admitResult{err: errHubClosed}
		case <-h.evictCh:
		case f := <-h.inboundCh:
			if f.reply != nil {
				f.reply <- inboundResult{err: errHubClosed}
			}
		default:
			return
		}
	}
}

// admitSession asks the hub goroutine to admit a new session. Returns
// errHubClosed if the hub tore down first; the registry retries with a
// fresh hub.
func (h *RoomHub) admitSession(userID int, username string, conn *websocket.Conn) (*Session, error) {
	req := &admitRequest{
		userID:   userID,
		username: username,
		conn:     conn,
		reply:    make(chan admitResult, 1),
	}
	select {
	case h.admitCh <- req:
	case <-h.done:
		return nil, errHubClosed
	}
	res := <-req.reply
	return res.sess, res.err
}

// requestEvict schedules removal of a session. Safe to call after teardown
// and safe to call more than once for the same session.
func (h *RoomHub) requestEvict(s *Session) {
	select {
	case h.evictCh <- s:
	case <-h.done:
	}
}

// submitInbound hands a raw frame from a session's read pump to the hub.
func (h *RoomHub) submitInbound(s *Session, raw []byte) {
	f := &inboundFrame{
		sess: s,
		from: Sender{UserID: s.UserID, Username: s.Username, SessionID: s.ID},
		raw:  raw,
	}
	select {
	case h.inboundCh <- f:
	case <-h.done:
	}
}

// inject runs a pre-decoded envelope (REST path) through the same dispatch
// and broadcast pipeline as socket traffic.
func (h *RoomHub) inject(ctx context.Context, from Sender, env InboundEnvelope) ([]Outbound, error) {
	f := &inboundFrame{
		from:  from,
		env:   &env,
		reply: make(chan inboundResult, 1),
	}
	select {
	case h.inboundCh <- f:
	case <-h.done:
		return nil, errHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-f.reply:
		return res.events, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---------------------------------------------
// Everything below runs on the hub goroutine.
// ---------------------------------------------

func (h *RoomHub) handleAdmit(req *admitRequest) bool {
	if len(h.sessions) >= h.cfg.MaxSessionsPerRoom {
		req.reply <- admitResult{err: &CapacityError{RoomID: h.roomID, Limit: h.cfg.MaxSessionsPerRoom}}
		return false
	}

	s := &Session{
		ID:        uuid.NewString(),
		RoomID:    h.roomID,
		UserID:    req.userID,
		Username:  req.username,
		hub:       h,
		conn:      req.conn,
		send:      make(chan []byte, h.cfg.SendQueueSize),
		createdAt: time.Now().UTC(),
	}
	s.touch()

	h.sessions[s.ID] = s
	h.registry.sessionCount.Add(1)

	exit := false
	if first := h.presence.join(s.UserID, s.Username); first {
		h.mirrorOnline(s)
		// Identities with another live session in the room do not rejoin.
		exit = h.fanOut(Outbound{Event: Event{Type: EventUserJoined, Data: PresenceEventPayload{
			UserID:    s.UserID,
			Username:  s.Username,
			Timestamp: time.Now().UTC(),
		}}})
	}

	req.reply <- admitResult{sess: s}
	return exit
}

// removeSession takes a session out of the room, updates presence, emits
// user_left when the identity's last session is gone, and releases the hub
// if the room emptied. Returns true when the hub should exit.
func (h *RoomHub) removeSession(s *Session) bool {
	if _, ok := h.sessions[s.ID]; !ok {
		// Normal after a forced eviction: the read pump still reports the
		// transport close afterwards.
		return false
	}
	delete(h.sessions, s.ID)
	h.registry.sessionCount.Add(-1)
	close(s.send)

	exit := false
	if last := h.presence.leave(s.UserID); last {
		h.mirrorOffline(s)
		if h.fanOut(Outbound{Event: Event{Type: EventUserLeft, Data: PresenceEventPayload{
			UserID:    s.UserID,
			Username:  s.Username,
			Timestamp: time.Now().UTC(),
		}}}) {
			exit = true
		}
	}

	if len(h.sessions) == 0 && h.registry.release(h) {
		exit = true
	}
	return exit
}

func (h *RoomHub) handleInbound(f *inboundFrame) bool {
	if f.sess != nil {
		if _, ok := h.sessions[f.sess.ID]; !ok {
			// Frame from a session that was already evicted.
			return false
		}
	}

	env := f.env
	if env == nil {
		var decoded InboundEnvelope
		if err := json.Unmarshal(f.raw, &decoded); err != nil || decoded.Type == "" {
			return h.protocolFailure(f.sess, &ProtocolError{Reason: "malformed envelope"})
		}
		env = &decoded
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	events, err := h.dispatcher.Dispatch(ctx, h.roomID, f.from, *env)
	cancel()

	if err != nil {
		if f.reply != nil {
			f.reply <- inboundResult{err: err}
			return false
		}
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return h.protocolFailure(f.sess, err)
		}
		h.sendError(f.sess, err)
		return false
	}

	exit := false
	for _, out := range events {
		if h.fanOut(out) {
			exit = true
		}
	}
	if f.reply != nil {
		f.reply <- inboundResult{events: events}
	}
	return exit
}

// fanOut delivers one event to every admitted session, skipping the excluded
// identity. Slow consumers are evicted instead of stalling the room; returns
// true when that eviction emptied the room and released the hub.
func (h *RoomHub) fanOut(out Outbound) bool {
	payload, err := json.Marshal(out.Event)
	if err != nil {
		log.Printf("room %s: marshal %s event: %v", h.roomID, out.Event.Type, err)
		return false
	}

	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if out.ExcludeUser != 0 && s.UserID == out.ExcludeUser {
			continue
		}
		targets = append(targets, s)
	}

	var slow []*Session
	for _, s := range targets {
		if !s.enqueue(payload) {
			slow = append(slow, s)
		}
	}

	exit := false
	for _, s := range slow {
		log.Printf("room %s: evicting slow consumer %s (user %d)", h.roomID, s.ID, s.UserID)
		if h.removeSession(s) {
			exit = true
		}
	}
	return exit
}

// protocolFailure reports a malformed frame to the sender and force-evicts
// the session once it crosses the configured threshold.
func (h *RoomHub) protocolFailure(s *Session, err error) bool {
	if s == nil {
		return false
	}
	h.sendError(s, err)
	s.protoErrs++
	if s.protoErrs >= h.cfg.ProtocolErrorLimit {
		log.Printf("room %s: evicting session %s after %d protocol errors", h.roomID, s.ID, s.protoErrs)
		return h.removeSession(s)
	}
	return false
}

// sendError delivers a targeted error event to one session. Errors are never
// broadcast.
func (h *RoomHub) sendError(s *Session, err error) {
	if s == nil {
		return
	}
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	payload, merr := json.Marshal(Event{Type: EventError, Data: ErrorEventPayload{
		Code:      errorCode(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}})
	if merr != nil {
		return
	}
	if !s.enqueue(payload) {
		log.Printf("room %s: dropping error event for session %s (queue full)", h.roomID, s.ID)
	}
}

func (h *RoomHub) mirrorOnline(s *Session) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()
	if err := h.mirror.UserOnline(ctx, h.roomID, s.UserID, s.Username); err != nil {
		log.Printf("room %s: presence mirror online for user %d: %v", h.roomID, s.UserID, err)
	}
}

func (h *RoomHub) mirrorOffline(s *Session) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()
	if err := h.mirror.UserOffline(ctx, h.roomID, s.UserID); err != nil {
		log.Printf("room %s: presence mirror offline for user %d: %v", h.roomID, s.UserID, err)
	}
}
