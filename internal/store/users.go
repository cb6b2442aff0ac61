package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/trinitylabs/controlplane/internal/common/apierr"
	"github.com/trinitylabs/controlplane/internal/db"
)

// User is a platform actor: the `owner_username` every Agent, MCPKey, and
// Schedule row attributes itself to. Authentication lives in internal/auth;
// this store only persists the username/password-hash/role triple it checks
// against.
type User struct {
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	CreatedAt    time.Time `db:"created_at"`
}

// UserStore persists User rows.
type UserStore struct {
	pool *db.Pool
}

func (s *UserStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Writer().ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

// Create inserts a new user row. The username is lowercased, matching the
// case-insensitive lookup Get performs.
func (s *UserStore) Create(ctx context.Context, u *User) error {
	u.Username = strings.ToLower(strings.TrimSpace(u.Username))
	if u.Role == "" {
		u.Role = "user"
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)`,
		u.Username, u.PasswordHash, u.Role)
	if err != nil {
		return apierr.Conflict("user '" + u.Username + "' already exists")
	}
	return nil
}

// Get fetches a user by username, case-insensitively.
func (s *UserStore) Get(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.pool.Reader().GetContext(ctx, &u,
		`SELECT * FROM users WHERE username = ?`, strings.ToLower(strings.TrimSpace(username)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("user", username)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// List returns every user row, ordered by username.
func (s *UserStore) List(ctx context.Context) ([]*User, error) {
	users := []*User{}
	err := s.pool.Reader().SelectContext(ctx, &users, `SELECT * FROM users ORDER BY username`)
	return users, err
}

// Count returns the number of registered users, used to decide whether
// first-boot bootstrapping is needed.
func (s *UserStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.Reader().GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}
