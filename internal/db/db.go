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

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the document tables. participants, admins and
// attachments are JSONB so a chat or message row reads back as one document.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username VARCHAR(64) NOT NULL,
            display_name VARCHAR(128) NOT NULL,
            avatar TEXT NOT NULL DEFAULT '',
            last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE INDEX IF NOT EXISTS users_username_idx ON users (lower(username))`,

		`CREATE TABLE IF NOT EXISTS chats (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            type VARCHAR(10) NOT NULL CHECK (type IN ('private', 'group', 'channel')),
            description TEXT NOT NULL DEFAULT '',
            avatar TEXT NOT NULL DEFAULT '',
            participants JSONB NOT NULL DEFAULT '[]',
            admins JSONB NOT NULL DEFAULT '[]',
            created_by TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE INDEX IF NOT EXISTS chats_participants_idx ON chats USING GIN (participants)`,

		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            seq BIGSERIAL,
            chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            content TEXT NOT NULL,
            type VARCHAR(10) NOT NULL CHECK (type IN ('text', 'image', 'file', 'voice', 'video')),
            timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
            edited_at TIMESTAMPTZ,
            reply_to TEXT NOT NULL DEFAULT '',
            is_deleted BOOLEAN NOT NULL DEFAULT false,
            attachments JSONB NOT NULL DEFAULT '[]'
        )`,

		`CREATE INDEX IF NOT EXISTS messages_chat_timestamp_idx ON messages (chat_id, timestamp DESC, seq DESC)`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
