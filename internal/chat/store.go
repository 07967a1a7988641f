package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageStore is the narrow gateway to the durable message log. The hub and
// dispatcher only ever talk to this interface; the Postgres implementation
// below carries no broadcast or room-membership logic.
type MessageStore interface {
	Append(ctx context.Context, roomID string, authorID int, authorName, content string, kind MessageKind, replyTo *string) (*Message, error)
	Edit(ctx context.Context, messageID string, authorID int, content string) (*Message, error)
	SoftDelete(ctx context.Context, messageID string, authorID int) (*Message, error)
	Get(ctx context.Context, messageID string) (*Message, error)
	// History returns up to limit messages for a room, newest first.
	// A non-nil before restarts the page at messages older than the cursor.
	History(ctx context.Context, roomID string, before *time.Time, limit int) ([]*Message, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const messageColumns = `id, dashboard_id, author_id, author_name, content, kind, created_at, edited_at, is_deleted, reply_to`

func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	m := &Message{}
	var editedAt sql.NullTime
	var replyTo sql.NullString
	err := row.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.AuthorName, &m.Content,
		&m.Kind, &m.CreatedAt, &editedAt, &m.Deleted, &replyTo)
	if err != nil {
		return nil, err
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	if replyTo.Valid {
		m.ReplyTo = &replyTo.String
	}
	return m, nil
}

func (s *PostgresStore) Append(ctx context.Context, roomID string, authorID int, authorName, content string, kind MessageKind, replyTo *string) (*Message, error) {
	m := &Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
		ReplyTo:    replyTo,
	}

	query := `INSERT INTO messages (id, dashboard_id, author_id, author_name, content, kind, created_at, reply_to)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.RoomID, m.AuthorID, m.AuthorName, m.Content, m.Kind, m.CreatedAt, m.ReplyTo)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) Get(ctx context.Context, messageID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) Edit(ctx context.Context, messageID string, authorID int, content string) (*Message, error) {
	current, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, ErrNotFound
	}
	if current.AuthorID != authorID {
		return nil, ErrForbidden
	}

	query := `UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3 AND NOT is_deleted
              RETURNING ` + messageColumns
	now := time.Now().UTC()
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, content, now, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted between the check and the update.
		return nil, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) SoftDelete(ctx context.Context, messageID string, authorID int) (*Message, error) {
	current, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, ErrNotFound
	}
	if current.AuthorID != authorID {
		return nil, ErrForbidden
	}

	query := `UPDATE messages SET is_deleted = TRUE WHERE id = $1 AND NOT is_deleted
              RETURNING ` + messageColumns
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) History(ctx context.Context, roomID string, before *time.Time, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
              WHERE dashboard_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
              ORDER BY created_at DESC
              LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, roomID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
