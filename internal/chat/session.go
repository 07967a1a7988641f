package chat

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one client's live link to a room. The hub owns it exclusively:
// only the hub goroutine adds/removes it from membership, enqueues outbound
// payloads, and closes the send channel. The two pumps below bridge the
// websocket to the hub.
type Session struct {
	ID       string
	RoomID   string
	UserID   int
	Username string

	hub  *RoomHub
	conn *websocket.Conn
	send chan []byte

	createdAt  time.Time
	lastActive atomic.Int64 // unix nanos, touched by the read pump

	// protoErrs counts malformed frames; mutated on the hub goroutine only.
	protoErrs int
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive reports when the session last produced an inbound frame.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// enqueue hands an outbound payload to the session without ever blocking the
// hub's broadcast loop. A false return means the queue is full and the
// session should be treated as a slow consumer.
func (s *Session) enqueue(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// ReadPump pumps frames from the websocket into the hub. It runs in its own
// goroutine and guarantees exactly one eviction request on exit, whatever
// killed the transport.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.requestEvict(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(s.hub.cfg.MaxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("session %s read error: %v", s.ID, err)
			}
			break
		}
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
		s.hub.submitInbound(s, raw)
	}
}

// WritePump pumps queued payloads to the websocket and keeps the connection
// alive with pings. A closed send channel (hub evicted us) ends the pump
// with a close frame.
func (s *Session) WritePump() {
	ticker := time.NewTicker(s.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(payload)

			// Flush whatever else is queued in one frame batch to save
			// syscalls.
			n := len(s.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-s.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
