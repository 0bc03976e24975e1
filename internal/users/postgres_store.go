package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists users in PostgreSQL. The credits column is the
// denormalized balance maintained by the ledger's transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens (or reuses) a connection and ensures the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("ensure users schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL DEFAULT '',
			credits    BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_billing_users_email ON billing_users (LOWER(email));
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, credits, created_at, updated_at
		FROM billing_users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, credits, created_at, updated_at
		FROM billing_users WHERE LOWER(email) = LOWER($1)`, email)
	return scanUser(row)
}

func (s *PostgresStore) Put(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_users (id, email, credits, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			updated_at = NOW()`,
		user.ID, user.Email, user.Credits)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	return nil // shared pool is closed by its owner
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Credits, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}
