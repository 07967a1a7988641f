package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

// AutoMigrate creates the schema on startup if it does not exist yet.
// Messages keep an immutable creation record; edits and deletes only touch
// the edited_at / is_deleted overlay.
func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            dashboard_id VARCHAR(64) NOT NULL,
            author_id INT NOT NULL REFERENCES users(id),
            author_name VARCHAR(50) NOT NULL,
            content TEXT NOT NULL,
            kind VARCHAR(10) NOT NULL DEFAULT 'text'
                CHECK (kind IN ('text', 'image', 'file', 'system')),
            created_at TIMESTAMPTZ NOT NULL,
            edited_at TIMESTAMPTZ,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            reply_to UUID REFERENCES messages(id)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_messages_dashboard_created
            ON messages (dashboard_id, created_at DESC)`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
