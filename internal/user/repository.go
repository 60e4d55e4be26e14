package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Repository interface {
	// Upsert inserts u or updates its profile fields, keeping createdAt.
	Upsert(ctx context.Context, u *User) (*User, error)
	Get(ctx context.Context, id string) (*User, error)
	Search(ctx context.Context, query string, limit int) ([]User, error)
	// TouchLastSeen is a no-op for ids without a profile.
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, username, display_name, avatar, last_seen, created_at, updated_at`

func (r *PostgresRepository) Upsert(ctx context.Context, u *User) (*User, error) {
	query := `INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			avatar = EXCLUDED.avatar,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + userColumns

	row := r.db.QueryRowContext(ctx, query,
		u.ID, u.Username, u.DisplayName, u.Avatar, u.LastSeen, u.CreatedAt, u.UpdatedAt)
	stored, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return stored, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) Search(ctx context.Context, query string, limit int) ([]User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE username ILIKE $1 ORDER BY username LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (r *PostgresRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_seen = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Avatar, &u.LastSeen, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
