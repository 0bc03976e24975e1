package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixelmuse/billing/internal/config"
)

// ErrNotFound is returned when a requested order is missing from the store.
var ErrNotFound = errors.New("orders: not found")

// ErrAlreadyFinal is returned by TransitionTerminal when the order already
// reached a terminal status. The conditional update that produces it is the
// race defense for concurrent webhook delivery: the losing writer observes
// this error instead of silently double-applying side effects.
var ErrAlreadyFinal = errors.New("orders: order already in terminal status")

// ErrDuplicateOrderNumber is returned when an order number collides.
var ErrDuplicateOrderNumber = errors.New("orders: order number already exists")

// TerminalUpdate carries the fields stamped during a terminal transition.
type TerminalUpdate struct {
	Reason    string     // recorded under MetaFailureReason for failed/cancelled
	PaidAt    *time.Time // set for completed only
	PaymentID string     // provider payment/charge id, if reported
	Payload   string     // raw provider payload for audit (MetaProviderPayload)
	EventID   string     // provider event id (MetaProviderEventID)
}

// Store is the durable record of orders and the single source of truth for
// state transitions.
type Store interface {
	// Create persists a new order. The order's status must be pending.
	Create(ctx context.Context, order Order) error

	GetByID(ctx context.Context, id string) (Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (Order, error)
	GetBySessionID(ctx context.Context, provider Provider, sessionID string) (Order, error)

	// AttachSession moves a pending order to created and records the
	// processor's checkout session id.
	AttachSession(ctx context.Context, id, sessionID string) error

	// TransitionTerminal atomically moves an order to a terminal status,
	// but only if it is not already terminal ("update where status not in
	// terminal set"). Returns the updated order, or ErrAlreadyFinal with
	// the order's current state when the transition lost the race.
	TransitionTerminal(ctx context.Context, id string, next Status, update TerminalUpdate) (Order, error)

	// CountRecent counts a user's orders with the given statuses created
	// at or after since. Used by the order rate limiter.
	CountRecent(ctx context.Context, userID string, since time.Time, statuses []Status) (int, error)

	// FindRecentMatching returns the most recent order for the user with
	// matching amount and product id created at or after since, restricted
	// to the given statuses. Returns nil when there is no match. Used by
	// the duplicate-order detector; amounts are compared in major units.
	FindRecentMatching(ctx context.Context, userID string, amount float64, productID string, since time.Time, statuses []Status) (*Order, error)

	// ExpireStale transitions pending/created orders whose ExpiredAt has
	// passed to expired. Returns the number of orders transitioned.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// amountTolerance is the comparison slack for stored major-unit amounts,
// matching the price validator's one-cent rule.
const amountTolerance = 0.01

// NewStore creates a Store instance based on the provided configuration.
// Backend auto-detection follows connection strings when backend is unset:
// postgres > mongodb > memory.
func NewStore(cfg config.StorageConfig) (Store, error) {
	backend := strings.ToLower(cfg.Backend)
	if backend == "" {
		switch {
		case cfg.PostgresURL != "":
			backend = "postgres"
		case cfg.MongoDBURL != "":
			backend = "mongodb"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "memory":
		// Memory backend loses all orders on restart - dev/test only
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		db := cfg.MongoDBDatabase
		if db == "" {
			db = "pixelmuse_billing"
		}
		return NewMongoDBStore(cfg.MongoDBURL, db)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func statusStrings(set []Status) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}
