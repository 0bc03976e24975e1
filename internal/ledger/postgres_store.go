package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists ledger entries in PostgreSQL. Apply runs the entry
// insert and the balance update in one transaction; the partial unique index
// on reference_id rejects webhook replays at the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing pool and ensures the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_credit_transactions (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			amount           BIGINT NOT NULL,
			type             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			payment_order_id TEXT NOT NULL DEFAULT '',
			reference_id     TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_credit_tx_user ON billing_credit_transactions (user_id, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_reference
			ON billing_credit_transactions (reference_id) WHERE reference_id <> '';
	`)
	return err
}

func (s *PostgresStore) Apply(ctx context.Context, tx CreditTransaction) error {
	if !tx.Type.IsValid() {
		return fmt.Errorf("invalid transaction type %q", tx.Type)
	}
	if tx.ID == "" {
		tx.ID = NewTransactionID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer dbTx.Rollback()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO billing_credit_transactions
			(id, user_id, amount, type, description, payment_order_id, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tx.ID, tx.UserID, tx.Amount, string(tx.Type), tx.Description,
		tx.PaymentOrderID, tx.ReferenceID, tx.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	res, err := dbTx.ExecContext(ctx, `
		UPDATE billing_users SET credits = credits + $1, updated_at = NOW()
		WHERE id = $2`, tx.Amount, tx.UserID)
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT credits FROM billing_users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, type, description, payment_order_id, reference_id, created_at
		FROM billing_credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []CreditTransaction
	for rows.Next() {
		var tx CreditTransaction
		var txType string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &txType, &tx.Description,
			&tx.PaymentOrderID, &tx.ReferenceID, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		tx.Type = TxType(txType)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close(ctx context.Context) error {
	return nil // shared pool is closed by its owner
}
