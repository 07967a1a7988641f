package chat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceTable tracks which identities are online in one room. An identity
// is online while it holds at least one live session (multiple tabs count
// once). Owned by the room hub: every call happens on the hub goroutine,
// so no locking is needed here.
type presenceTable struct {
	entries map[int]*presenceEntry
}

type presenceEntry struct {
	username    string
	sessions    int
	connectedAt time.Time
}

func newPresenceTable() *presenceTable {
	return &presenceTable{entries: make(map[int]*presenceEntry)}
}

// join records one more session for the identity and reports whether it just
// came online (first session).
func (t *presenceTable) join(userID int, username string) bool {
	if e, ok := t.entries[userID]; ok {
		e.sessions++
		return false
	}
	t.entries[userID] = &presenceEntry{
		username:    username,
		sessions:    1,
		connectedAt: time.Now().UTC(),
	}
	return true
}

// leave drops one session and reports whether the identity went offline
// (last session gone).
func (t *presenceTable) leave(userID int) bool {
	e, ok := t.entries[userID]
	if !ok {
		return false
	}
	e.sessions--
	if e.sessions > 0 {
		return false
	}
	delete(t.entries, userID)
	return true
}

func (t *presenceTable) online(userID int) bool {
	_, ok := t.entries[userID]
	return ok
}

func (t *presenceTable) count() int {
	return len(t.entries)
}

// PresenceMirror reflects per-room presence into shared storage so REST
// reads never touch live hub state. Writes are best-effort.
type PresenceMirror interface {
	UserOnline(ctx context.Context, roomID string, userID int, username string) error
	UserOffline(ctx context.Context, roomID string, userID int) error
	OnlineUsers(ctx context.Context, roomID string) ([]PresenceUser, error)
	RoomInfo(ctx context.Context, roomID string, maxUsers int) (*Room, error)
}

// RedisPresence keeps presence and room metadata in Redis:
// user:{room}:{id} hashes with a TTL, a connected_users:{room} set, and a
// lazily created room:{room} metadata hash.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

func userKey(roomID string, userID int) string {
	return fmt.Sprintf("user:%s:%d", roomID, userID)
}

func connectedSetKey(roomID string) string {
	return "connected_users:" + roomID
}

func roomKey(roomID string) string {
	return "room:" + roomID
}

func (p *RedisPresence) UserOnline(ctx context.Context, roomID string, userID int, username string) error {
	now := time.Now().UTC()
	key := userKey(roomID, userID)

	pipe := p.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"dashboard_id": roomID,
		"username":     username,
		"status":       "online",
		"connected_at": now.Unix(),
		"last_seen":    now.Unix(),
	})
	pipe.Expire(ctx, key, p.ttl)
	pipe.SAdd(ctx, connectedSetKey(roomID), userID)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) UserOffline(ctx context.Context, roomID string, userID int) error {
	pipe := p.rdb.Pipeline()
	pipe.Del(ctx, userKey(roomID, userID))
	pipe.SRem(ctx, connectedSetKey(roomID), userID)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) OnlineUsers(ctx context.Context, roomID string) ([]PresenceUser, error) {
	ids, err := p.rdb.SMembers(ctx, connectedSetKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	users := make([]PresenceUser, 0, len(ids))
	for _, id := range ids {
		userID, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		data, err := p.rdb.HGetAll(ctx, userKey(roomID, userID)).Result()
		if err != nil || len(data) == 0 {
			// Hash expired but the set entry lingered; skip it.
			continue
		}
		users = append(users, PresenceUser{
			UserID:      userID,
			Username:    data["username"],
			Status:      data["status"],
			ConnectedAt: unixField(data, "connected_at"),
			LastSeen:    unixField(data, "last_seen"),
		})
	}
	return users, nil
}

// RoomInfo fetches the room metadata hash, creating a default record on
// first access.
func (p *RedisPresence) RoomInfo(ctx context.Context, roomID string, maxUsers int) (*Room, error) {
	key := roomKey(roomID)
	data, err := p.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		room := &Room{
			ID:        roomID,
			RoomID:    roomID,
			Name:      "Dashboard " + roomID,
			CreatedAt: time.Now().UTC(),
			IsActive:  true,
			MaxUsers:  maxUsers,
		}
		err := p.rdb.HSet(ctx, key, map[string]interface{}{
			"id":           room.ID,
			"dashboard_id": room.RoomID,
			"name":         room.Name,
			"created_at":   room.CreatedAt.Unix(),
			"is_active":    "1",
			"max_users":    room.MaxUsers,
		}).Err()
		if err != nil {
			return nil, err
		}
		return room, nil
	}

	room := &Room{
		ID:        data["id"],
		RoomID:    data["dashboard_id"],
		Name:      data["name"],
		CreatedAt: unixField(data, "created_at"),
		IsActive:  data["is_active"] == "1",
	}
	if mu, err := strconv.Atoi(data["max_users"]); err == nil {
		room.MaxUsers = mu
	}
	return room, nil
}

func unixField(data map[string]string, field string) time.Time {
	sec, err := strconv.ParseInt(data[field], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
