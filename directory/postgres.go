package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/segmentio/ksuid"
)

// PostgresStore persists users in a Postgres table via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureTable creates the users table if it does not exist (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email CITEXT UNIQUE NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL DEFAULT 'guest',
  salt TEXT NOT NULL DEFAULT '',
  encrypted_secret TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

const userColumns = `id, email, display_name, role, salt, encrypted_secret, created_at, updated_at`

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// Create inserts a new record. A missing ID is generated; timestamps are set
// server-side by the defaults.
func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	const q = `
INSERT INTO users (id, email, display_name, role, salt, encrypted_secret)
VALUES (:id, :email, :display_name, :role, :salt, :encrypted_secret)`
	_, err := s.db.NamedExecContext(ctx, q, u)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSalt(ctx context.Context, id, salt string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET salt=$1, updated_at=NOW() WHERE id=$2`, salt, id)
	if err != nil {
		return fmt.Errorf("update salt: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) StoreCiphertext(ctx context.Context, id string, ciphertext *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET encrypted_secret=$1, updated_at=NOW() WHERE id=$2`, ciphertext, id)
	if err != nil {
		return fmt.Errorf("store ciphertext: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Connect opens and pings a Postgres pool with sane defaults.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}
