package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Repository is the chat/message store. ListMessages returns newest first;
// the service flips the page into chronological order.
type Repository interface {
	CreateChat(ctx context.Context, c *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	ListChatsForUser(ctx context.Context, userID string) ([]Chat, error)

	// AppendMessage stores msg, raising msg.Timestamp to the chat's newest
	// timestamp if the clock went backwards, and bumps the chat's updatedAt.
	// A taken msg.ID yields ErrDuplicate.
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error)
	UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) (*Message, error)
	SoftDeleteMessage(ctx context.Context, id string) (*Message, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const chatColumns = `id, name, type, description, avatar, participants, admins, created_by, created_at, updated_at`

const messageColumns = `id, chat_id, sender_id, content, type, timestamp, edited_at, reply_to, is_deleted, attachments`

func (r *PostgresRepository) CreateChat(ctx context.Context, c *Chat) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	admins, err := json.Marshal(c.Admins)
	if err != nil {
		return fmt.Errorf("encode admins: %w", err)
	}

	query := `INSERT INTO chats (` + chatColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.Name, c.Type, c.Description, c.Avatar,
		participants, admins, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetChat(ctx context.Context, id string) (*Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE id = $1`
	c, err := scanChat(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *PostgresRepository) ListChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	query := `SELECT ` + chatColumns + `
		FROM chats
		WHERE participants @> jsonb_build_array($1::text)
		ORDER BY updated_at DESC, created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

func (r *PostgresRepository) AppendMessage(ctx context.Context, msg *Message) error {
	attachments, err := json.Marshal(nonNilAttachments(msg.Attachments))
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// The row lock serializes appends per chat so timestamps stay ordered.
	var chatID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM chats WHERE id = $1 FOR UPDATE`, msg.ChatID).Scan(&chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock chat: %w", err)
	}

	var newest sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT max(timestamp) FROM messages WHERE chat_id = $1`, msg.ChatID).Scan(&newest)
	if err != nil {
		return fmt.Errorf("newest timestamp: %w", err)
	}
	if newest.Valid && msg.Timestamp.Before(newest.Time) {
		msg.Timestamp = newest.Time
	}

	query := `INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = tx.ExecContext(ctx, query,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.Type, msg.Timestamp,
		nullTime(msg.EditedAt), msg.ReplyTo, msg.IsDeleted, attachments)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
		msg.ChatID, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}

	return tx.Commit()
}

func (r *PostgresRepository) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1 AND is_deleted = false
		ORDER BY timestamp DESC, seq DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) (*Message, error) {
	query := `UPDATE messages SET content = $2, edited_at = $3
		WHERE id = $1 AND is_deleted = false
		RETURNING ` + messageColumns
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id, content, editedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *PostgresRepository) SoftDeleteMessage(ctx context.Context, id string) (*Message, error) {
	query := `UPDATE messages SET is_deleted = true
		WHERE id = $1 AND is_deleted = false
		RETURNING ` + messageColumns
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*Chat, error) {
	var (
		c            Chat
		participants []byte
		admins       []byte
	)
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.Description, &c.Avatar,
		&participants, &admins, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(admins, &c.Admins); err != nil {
		return nil, fmt.Errorf("decode admins: %w", err)
	}
	return &c, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m           Message
		editedAt    sql.NullTime
		attachments []byte
	)
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Type, &m.Timestamp,
		&editedAt, &m.ReplyTo, &m.IsDeleted, &attachments)
	if err != nil {
		return nil, err
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return &m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonNilAttachments(a []Attachment) []Attachment {
	if a == nil {
		return []Attachment{}
	}
	return a
}
