package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pixelmuse/billing/internal/catalog"
)

// MongoDBStore implements Store using MongoDB. Terminal transitions use
// FindOneAndUpdate with a non-terminal status filter, the document-level
// equivalent of the SQL conditional UPDATE.
type MongoDBStore struct {
	client *mongo.Client
	orders *mongo.Collection
}

// mongoOrder is the persisted document shape.
type mongoOrder struct {
	ID                string            `bson:"_id"`
	OrderNumber       string            `bson:"order_number"`
	UserID            string            `bson:"user_id"`
	CustomerEmail     string            `bson:"customer_email"`
	ProductType       string            `bson:"product_type"`
	ProductID         string            `bson:"product_id"`
	BillingCycle      string            `bson:"billing_cycle"`
	Amount            float64           `bson:"amount"`
	Currency          string            `bson:"currency"`
	Provider          string            `bson:"provider"`
	CheckoutSessionID string            `bson:"checkout_session_id"`
	PaymentID         string            `bson:"payment_id"`
	Status            string            `bson:"status"`
	PaidAt            *time.Time        `bson:"paid_at,omitempty"`
	CreatedAt         time.Time         `bson:"created_at"`
	UpdatedAt         time.Time         `bson:"updated_at"`
	ExpiredAt         *time.Time        `bson:"expired_at,omitempty"`
	Metadata          map[string]string `bson:"metadata"`
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect() error during init cleanup is not actionable
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	store := &MongoDBStore{
		client: client,
		orders: client.Database(database).Collection("billing_orders"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "order_number", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "checkout_session_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expired_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create order indexes: %w", err)
	}
	return nil
}

// Create persists a new order.
func (s *MongoDBStore) Create(ctx context.Context, order Order) error {
	if order.Status != StatusPending {
		return fmt.Errorf("orders: new order must be pending, got %s", order.Status)
	}

	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	_, err := s.orders.InsertOne(ctx, toMongoOrder(order))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateOrderNumber
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetByID retrieves an order by its opaque id.
func (s *MongoDBStore) GetByID(ctx context.Context, id string) (Order, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// GetByOrderNumber retrieves an order by its human-readable number.
func (s *MongoDBStore) GetByOrderNumber(ctx context.Context, orderNumber string) (Order, error) {
	return s.findOne(ctx, bson.M{"order_number": orderNumber})
}

// GetBySessionID retrieves an order by the processor's checkout session id.
func (s *MongoDBStore) GetBySessionID(ctx context.Context, provider Provider, sessionID string) (Order, error) {
	return s.findOne(ctx, bson.M{"provider": string(provider), "checkout_session_id": sessionID})
}

func (s *MongoDBStore) findOne(ctx context.Context, filter bson.M) (Order, error) {
	var doc mongoOrder
	err := s.orders.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("find order: %w", err)
	}
	return fromMongoOrder(doc), nil
}

// AttachSession moves a pending order to created with its session id.
func (s *MongoDBStore) AttachSession(ctx context.Context, id, sessionID string) error {
	res, err := s.orders.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(StatusPending)},
		bson.M{"$set": bson.M{
			"status":              string(StatusCreated),
			"checkout_session_id": sessionID,
			"updated_at":          time.Now(),
		}})
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("orders: attach session requires pending status")
	}
	return nil
}

// TransitionTerminal finalizes an order with a status-filtered FindOneAndUpdate.
func (s *MongoDBStore) TransitionTerminal(ctx context.Context, id string, next Status, update TerminalUpdate) (Order, error) {
	if !next.IsTerminal() {
		return Order{}, fmt.Errorf("orders: %s is not a terminal status", next)
	}

	set := bson.M{
		"status":     string(next),
		"updated_at": time.Now(),
	}
	if update.PaidAt != nil {
		set["paid_at"] = *update.PaidAt
	}
	if update.PaymentID != "" {
		set["payment_id"] = update.PaymentID
	}
	if update.Reason != "" {
		set["metadata."+MetaFailureReason] = update.Reason
	}
	if update.Payload != "" {
		set["metadata."+MetaProviderPayload] = update.Payload
	}
	if update.EventID != "" {
		set["metadata."+MetaProviderEventID] = update.EventID
	}

	nonTerminal := bson.A{string(StatusPending), string(StatusCreated)}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoOrder
	err := s.orders.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": nonTerminal}},
		bson.M{"$set": set}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return Order{}, getErr
		}
		return current, ErrAlreadyFinal
	}
	if err != nil {
		return Order{}, fmt.Errorf("transition order: %w", err)
	}
	return fromMongoOrder(doc), nil
}

// CountRecent counts a user's orders created at or after since.
func (s *MongoDBStore) CountRecent(ctx context.Context, userID string, since time.Time, statuses []Status) (int, error) {
	count, err := s.orders.CountDocuments(ctx, bson.M{
		"user_id":    userID,
		"created_at": bson.M{"$gte": since},
		"status":     bson.M{"$in": statusStrings(statuses)},
	})
	if err != nil {
		return 0, fmt.Errorf("count recent orders: %w", err)
	}
	return int(count), nil
}

// FindRecentMatching returns the newest matching order within the window.
func (s *MongoDBStore) FindRecentMatching(ctx context.Context, userID string, amount float64, productID string, since time.Time, statuses []Status) (*Order, error) {
	filter := bson.M{
		"user_id":    userID,
		"product_id": productID,
		"amount":     bson.M{"$gt": amount - amountTolerance, "$lt": amount + amountTolerance},
		"created_at": bson.M{"$gte": since},
		"status":     bson.M{"$in": statusStrings(statuses)},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var doc mongoOrder
	err := s.orders.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find matching order: %w", err)
	}
	order := fromMongoOrder(doc)
	return &order, nil
}

// ExpireStale transitions time-boxed-out pending/created orders to expired.
func (s *MongoDBStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.orders.UpdateMany(ctx,
		bson.M{
			"status":     bson.M{"$in": bson.A{string(StatusPending), string(StatusCreated)}},
			"expired_at": bson.M{"$ne": nil, "$lte": now},
		},
		bson.M{"$set": bson.M{"status": string(StatusExpired), "updated_at": now}})
	if err != nil {
		return 0, fmt.Errorf("expire stale orders: %w", err)
	}
	return res.ModifiedCount, nil
}

// Close disconnects the MongoDB client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toMongoOrder(o Order) mongoOrder {
	return mongoOrder{
		ID:                o.ID,
		OrderNumber:       o.OrderNumber,
		UserID:            o.UserID,
		CustomerEmail:     o.CustomerEmail,
		ProductType:       string(o.ProductType),
		ProductID:         o.ProductID,
		BillingCycle:      string(o.BillingCycle),
		Amount:            o.Amount,
		Currency:          o.Currency,
		Provider:          string(o.Provider),
		CheckoutSessionID: o.CheckoutSessionID,
		PaymentID:         o.PaymentID,
		Status:            string(o.Status),
		PaidAt:            o.PaidAt,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
		ExpiredAt:         o.ExpiredAt,
		Metadata:          orDefault(o.Metadata),
	}
}

func fromMongoOrder(d mongoOrder) Order {
	return Order{
		ID:                d.ID,
		OrderNumber:       d.OrderNumber,
		UserID:            d.UserID,
		CustomerEmail:     d.CustomerEmail,
		ProductType:       catalog.ProductType(d.ProductType),
		ProductID:         d.ProductID,
		BillingCycle:      catalog.BillingCycle(d.BillingCycle),
		Amount:            d.Amount,
		Currency:          d.Currency,
		Provider:          Provider(d.Provider),
		CheckoutSessionID: d.CheckoutSessionID,
		PaymentID:         d.PaymentID,
		Status:            Status(d.Status),
		PaidAt:            d.PaidAt,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		ExpiredAt:         d.ExpiredAt,
		Metadata:          d.Metadata,
	}
}
