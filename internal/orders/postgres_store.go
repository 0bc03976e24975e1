package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/config"
)

// PostgresStore implements Store using PostgreSQL. Terminal transitions use a
// conditional UPDATE ("where status not in terminal set") so concurrent
// webhook deliveries serialize at the database row.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
}

const ordersTable = "billing_orders"

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() error during init cleanup is not actionable; the
		// connection failure is the error the caller needs.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a store over an existing connection pool,
// allowing a single pool to be shared across repositories.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			order_number TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			customer_email TEXT NOT NULL DEFAULT '',
			product_type TEXT NOT NULL,
			product_id TEXT NOT NULL,
			billing_cycle TEXT NOT NULL DEFAULT 'none',
			amount NUMERIC(12,2) NOT NULL,
			currency TEXT NOT NULL,
			provider TEXT NOT NULL,
			checkout_session_id TEXT NOT NULL DEFAULT '',
			payment_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			paid_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expired_at TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		);
		CREATE INDEX IF NOT EXISTS idx_%s_user_created ON %s (user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_%s_session ON %s (provider, checkout_session_id);
		CREATE INDEX IF NOT EXISTS idx_%s_status_expired ON %s (status, expired_at);
	`, ordersTable, ordersTable, ordersTable, ordersTable, ordersTable, ordersTable, ordersTable)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create orders tables: %w", err)
	}
	return nil
}

const orderColumns = `id, order_number, user_id, customer_email, product_type, product_id,
	billing_cycle, amount, currency, provider, checkout_session_id, payment_id,
	status, paid_at, created_at, updated_at, expired_at, metadata`

// Create persists a new order.
func (s *PostgresStore) Create(ctx context.Context, order Order) error {
	if order.Status != StatusPending {
		return fmt.Errorf("orders: new order must be pending, got %s", order.Status)
	}

	metadata, err := json.Marshal(orDefault(order.Metadata))
	if err != nil {
		return fmt.Errorf("marshal order metadata: %w", err)
	}

	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, order_number, user_id, customer_email, product_type,
			product_id, billing_cycle, amount, currency, provider, status,
			paid_at, created_at, updated_at, expired_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, ordersTable)

	_, err = s.db.ExecContext(ctx, query,
		order.ID, order.OrderNumber, order.UserID, order.CustomerEmail,
		string(order.ProductType), order.ProductID, string(order.BillingCycle),
		order.Amount, order.Currency, string(order.Provider), string(order.Status),
		order.PaidAt, order.CreatedAt, now, order.ExpiredAt, metadata)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateOrderNumber
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetByID retrieves an order by its opaque id.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (Order, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", orderColumns, ordersTable)
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// GetByOrderNumber retrieves an order by its human-readable number.
func (s *PostgresStore) GetByOrderNumber(ctx context.Context, orderNumber string) (Order, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE order_number = $1", orderColumns, ordersTable)
	return s.scanOne(s.db.QueryRowContext(ctx, query, orderNumber))
}

// GetBySessionID retrieves an order by the processor's checkout session id.
func (s *PostgresStore) GetBySessionID(ctx context.Context, provider Provider, sessionID string) (Order, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE provider = $1 AND checkout_session_id = $2", orderColumns, ordersTable)
	return s.scanOne(s.db.QueryRowContext(ctx, query, string(provider), sessionID))
}

// AttachSession moves a pending order to created with its session id.
func (s *PostgresStore) AttachSession(ctx context.Context, id, sessionID string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, checkout_session_id = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, ordersTable)

	res, err := s.db.ExecContext(ctx, query, string(StatusCreated), sessionID, id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach session rows: %w", err)
	}
	if affected == 0 {
		// Either missing or no longer pending; disambiguate for the caller
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("orders: attach session requires pending status")
	}
	return nil
}

// TransitionTerminal finalizes an order with a conditional UPDATE.
func (s *PostgresStore) TransitionTerminal(ctx context.Context, id string, next Status, update TerminalUpdate) (Order, error) {
	if !next.IsTerminal() {
		return Order{}, fmt.Errorf("orders: %s is not a terminal status", next)
	}

	metaPatch := map[string]string{}
	if update.Reason != "" {
		metaPatch[MetaFailureReason] = update.Reason
	}
	if update.Payload != "" {
		metaPatch[MetaProviderPayload] = update.Payload
	}
	if update.EventID != "" {
		metaPatch[MetaProviderEventID] = update.EventID
	}
	patch, err := json.Marshal(metaPatch)
	if err != nil {
		return Order{}, fmt.Errorf("marshal metadata patch: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $1,
			paid_at = COALESCE($2, paid_at),
			payment_id = CASE WHEN $3 <> '' THEN $3 ELSE payment_id END,
			metadata = metadata || $4::jsonb,
			updated_at = now()
		WHERE id = $5 AND status NOT IN ($6, $7, $8, $9)
		RETURNING %s
	`, ordersTable, orderColumns)

	row := s.db.QueryRowContext(ctx, query,
		string(next), update.PaidAt, update.PaymentID, patch, id,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), string(StatusExpired))

	order, err := s.scanOne(row)
	if err == ErrNotFound {
		// The row exists but was already terminal, or is genuinely absent.
		current, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return Order{}, getErr
		}
		return current, ErrAlreadyFinal
	}
	return order, err
}

// CountRecent counts a user's orders created at or after since.
func (s *PostgresStore) CountRecent(ctx context.Context, userID string, since time.Time, statuses []Status) (int, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE user_id = $1 AND created_at >= $2 AND status = ANY($3)
	`, ordersTable)

	var count int
	err := s.db.QueryRowContext(ctx, query, userID, since, pq.Array(statusStrings(statuses))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent orders: %w", err)
	}
	return count, nil
}

// FindRecentMatching returns the newest matching order within the window.
func (s *PostgresStore) FindRecentMatching(ctx context.Context, userID string, amount float64, productID string, since time.Time, statuses []Status) (*Order, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1 AND product_id = $2
		  AND ABS(amount - $3) < $4
		  AND created_at >= $5 AND status = ANY($6)
		ORDER BY created_at DESC
		LIMIT 1
	`, orderColumns, ordersTable)

	order, err := s.scanOne(s.db.QueryRowContext(ctx, query,
		userID, productID, amount, amountTolerance, since, pq.Array(statusStrings(statuses))))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ExpireStale transitions time-boxed-out pending/created orders to expired.
func (s *PostgresStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = now()
		WHERE status IN ($2, $3) AND expired_at IS NOT NULL AND expired_at <= $4
	`, ordersTable)

	res, err := s.db.ExecContext(ctx, query, string(StatusExpired), string(StatusPending), string(StatusCreated), now)
	if err != nil {
		return 0, fmt.Errorf("expire stale orders: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying pool when this store owns it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanOne(row rowScanner) (Order, error) {
	var (
		order        Order
		productType  string
		billingCycle string
		provider     string
		status       string
		paidAt       sql.NullTime
		expiredAt    sql.NullTime
		metadata     []byte
	)

	err := row.Scan(&order.ID, &order.OrderNumber, &order.UserID, &order.CustomerEmail,
		&productType, &order.ProductID, &billingCycle, &order.Amount, &order.Currency,
		&provider, &order.CheckoutSessionID, &order.PaymentID, &status,
		&paidAt, &order.CreatedAt, &order.UpdatedAt, &expiredAt, &metadata)
	if err == sql.ErrNoRows {
		return Order{}, ErrNotFound
	}
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("scan order: %w", err)
	}

	order.ProductType = catalog.ProductType(productType)
	order.BillingCycle = catalog.BillingCycle(billingCycle)
	order.Provider = Provider(provider)
	order.Status = Status(status)
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if expiredAt.Valid {
		order.ExpiredAt = &expiredAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &order.Metadata); err != nil {
			return Order{}, fmt.Errorf("unmarshal order metadata: %w", err)
		}
	}
	return order, nil
}

func orDefault(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
