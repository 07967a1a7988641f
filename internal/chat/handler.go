package chat

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"boardchat/internal/config"
	"boardchat/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// Handler exposes the live protocol (ServeWs) and the REST surface. REST
// sends/edits/deletes are routed through the registry so live members see
// the same broadcasts; history and presence reads bypass the hubs entirely.
type Handler struct {
	registry *Registry
	store    MessageStore
	mirror   PresenceMirror
	cfg      *config.Config
}

func NewHandler(registry *Registry, store MessageStore, mirror PresenceMirror, cfg *config.Config) *Handler {
	return &Handler{registry: registry, store: store, mirror: mirror, cfg: cfg}
}

// ServeWs upgrades the connection, admits it to the room, backfills recent
// history, and starts the pumps. Capacity refusal closes the socket with a
// policy-violation close frame before any pump starts.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID := chi.URLParam(r, "dashboardID")
	if roomID == "" {
		http.Error(w, "missing dashboard id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	sess, err := h.registry.Admit(roomID, userID, username, conn)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errorCode(err))
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
		conn.Close()
		return
	}

	// Backfill before the pumps start: history frames hit the wire first,
	// and anything broadcast meanwhile waits in the send queue.
	msgs, err := h.store.History(r.Context(), roomID, nil, h.cfg.HistoryLimit)
	if err != nil {
		log.Printf("room %s: backfill failed for session %s: %v", roomID, sess.ID, err)
	} else {
		for i := len(msgs) - 1; i >= 0; i-- {
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteJSON(Event{Type: EventChatMessage, Data: msgs[i]}); err != nil {
				break
			}
		}
	}

	go sess.WritePump()
	go sess.ReadPump()
}

// ---------------------------------------------
// REST surface
// ---------------------------------------------

type sendMessageRequest struct {
	Content string      `json:"content"`
	Kind    MessageKind `json:"message_type,omitempty"`
	ReplyTo *string     `json:"reply_to,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type roomInfoResponse struct {
	Room
	ConnectedUsers []PresenceUser `json:"connected_users"`
}

// GetHistory returns a page of messages, newest first. Reads go straight to
// the store gateway; live hub state is never consulted.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "dashboardID")

	limit := h.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, h.cfg.HistoryMaxLimit)
	}

	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid before cursor", http.StatusBadRequest)
			return
		}
		before = &parsed
	}

	msgs, err := h.store.History(r.Context(), roomID, before, limit)
	if err != nil {
		writeError(w, &TransientStoreError{Err: err})
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage appends and broadcasts a message through the same dispatcher
// path the socket uses.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	roomID := chi.URLParam(r, "dashboardID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := h.dispatch(r, roomID, userID, username, InboundChatMessage, ChatMessagePayload{
		Content: req.Content,
		Kind:    req.Kind,
		ReplyTo: req.ReplyTo,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, events[0].Event.Data)
}

// EditMessage updates a message's content and broadcasts message_edited to
// the message's room.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	messageID := chi.URLParam(r, "messageID")

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The room is the message's room, not a caller-supplied one.
	current, err := h.store.Get(r.Context(), messageID)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := h.dispatch(r, current.RoomID, userID, username, InboundEdit, EditPayload{
		MessageID: messageID,
		Content:   req.Content,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, events[0].Event.Data)
}

// DeleteMessage soft-deletes a message and broadcasts message_deleted.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	messageID := chi.URLParam(r, "messageID")

	current, err := h.store.Get(r.Context(), messageID)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := h.dispatch(r, current.RoomID, userID, username, InboundDelete, DeletePayload{
		MessageID: messageID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, events[0].Event.Data)
}

// GetRoom returns room metadata plus the presence snapshot from the mirror.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "dashboardID")

	room, err := h.mirror.RoomInfo(r.Context(), roomID, h.cfg.MaxSessionsPerRoom)
	if err != nil {
		writeError(w, &TransientStoreError{Err: err})
		return
	}
	users, err := h.mirror.OnlineUsers(r.Context(), roomID)
	if err != nil {
		writeError(w, &TransientStoreError{Err: err})
		return
	}

	writeJSON(w, http.StatusOK, roomInfoResponse{Room: *room, ConnectedUsers: users})
}

// GetUsers returns the presence snapshot for a room.
func (h *Handler) GetUsers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "dashboardID")

	users, err := h.mirror.OnlineUsers(r.Context(), roomID)
	if err != nil {
		writeError(w, &TransientStoreError{Err: err})
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) dispatch(r *http.Request, roomID string, userID int, username string, typ InboundType, payload interface{}) ([]Outbound, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	events, err := h.registry.DispatchExternal(r.Context(), roomID,
		Sender{UserID: userID, Username: username},
		InboundEnvelope{Type: typ, Data: data})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.New("dispatch produced no events")
	}
	return events, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "validation_error", "protocol_error":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "forbidden":
		status = http.StatusForbidden
	case "room_full":
		status = http.StatusServiceUnavailable
	case "store_unavailable":
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": err.Error(),
	})
}
