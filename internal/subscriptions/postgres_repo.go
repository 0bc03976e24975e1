package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/orders"
)

// PostgresRepository persists subscriptions in PostgreSQL, one row per user.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an existing pool and ensures the schema.
func NewPostgresRepository(db *sql.DB) (*PostgresRepository, error) {
	r := &PostgresRepository{db: db}
	if err := r.ensureSchema(); err != nil {
		return nil, fmt.Errorf("ensure subscriptions schema: %w", err)
	}
	return r, nil
}

func (r *PostgresRepository) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_subscriptions (
			id              TEXT NOT NULL,
			user_id         TEXT PRIMARY KEY,
			plan_id         TEXT NOT NULL,
			billing_cycle   TEXT NOT NULL,
			status          TEXT NOT NULL,
			provider        TEXT NOT NULL,
			provider_sub_id TEXT NOT NULL DEFAULT '',
			last_order_id   TEXT NOT NULL DEFAULT '',
			monthly_credits BIGINT NOT NULL DEFAULT 0,
			period_start    TIMESTAMPTZ NOT NULL,
			period_end      TIMESTAMPTZ NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (r *PostgresRepository) GetByUser(ctx context.Context, userID string) (Subscription, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, plan_id, billing_cycle, status, provider,
		       provider_sub_id, last_order_id, monthly_credits,
		       period_start, period_end, created_at, updated_at
		FROM billing_subscriptions WHERE user_id = $1`, userID)

	var sub Subscription
	var cycle, status, provider string
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &cycle, &status, &provider,
		&sub.ProviderSubID, &sub.LastOrderID, &sub.MonthlyCredits,
		&sub.PeriodStart, &sub.PeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	sub.BillingCycle = catalog.BillingCycle(cycle)
	sub.Status = Status(status)
	sub.Provider = orders.Provider(provider)
	return sub, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, sub Subscription) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO billing_subscriptions
			(id, user_id, plan_id, billing_cycle, status, provider,
			 provider_sub_id, last_order_id, monthly_credits,
			 period_start, period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			id              = EXCLUDED.id,
			plan_id         = EXCLUDED.plan_id,
			billing_cycle   = EXCLUDED.billing_cycle,
			status          = EXCLUDED.status,
			provider        = EXCLUDED.provider,
			provider_sub_id = EXCLUDED.provider_sub_id,
			last_order_id   = EXCLUDED.last_order_id,
			monthly_credits = EXCLUDED.monthly_credits,
			period_start    = EXCLUDED.period_start,
			period_end      = EXCLUDED.period_end,
			updated_at      = NOW()`,
		sub.ID, sub.UserID, sub.PlanID, string(sub.BillingCycle), string(sub.Status),
		string(sub.Provider), sub.ProviderSubID, sub.LastOrderID, sub.MonthlyCredits,
		sub.PeriodStart, sub.PeriodEnd)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	return nil // shared pool is closed by its owner
}
