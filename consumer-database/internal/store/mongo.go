package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
)

// Server error codes that clear up on their own (elections, shutdowns, step downs).
var transientMongoCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	189,   // PrimarySteppedDown
	262,   // ExceededTimeLimit
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
}

// Mongo writes one collection per event kind.
type Mongo struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
}

// NewMongo connects to uri and verifies the primary is reachable.
func NewMongo(ctx context.Context, uri, database string, timeout time.Duration) (*Mongo, error) {
	opts := options.Client().ApplyURI(uri).SetRetryWrites(true)
	if timeout > 0 {
		opts.SetServerSelectionTimeout(timeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &Mongo{client: client, db: client.Database(database), timeout: timeout}, nil
}

// EnsureIndexes creates the lookup indexes the query side relies on. It is idempotent.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	for _, kind := range models.Kinds {
		_, err := m.db.Collection(kind.Collection()).Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "pid", Value: 1}, {Key: "website", Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "pid", Value: 1}, {Key: "timestamp", Value: -1}}},
		})
		if err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", kind.Collection(), err)
		}
	}
	return nil
}

// Apply replaces the record only if the stored one is older. When the filter does not
// match because a newer or equal record exists, the upsert collides on _id, which is
// the no-op case.
func (m *Mongo) Apply(ctx context.Context, event *models.Event) error {
	rec := event.Record()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	filter := bson.M{
		"_id":        rec.Key,
		"updated_at": bson.M{"$lt": rec.UpdatedAt},
	}
	_, err := m.db.Collection(event.Kind.Collection()).ReplaceOne(ctx, filter, rec, options.Replace().SetUpsert(true))
	if err == nil || mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return classifyMongo(rec.Key, err)
}

// Get loads a stored record, for inspection and tests.
func (m *Mongo) Get(ctx context.Context, kind models.Kind, key string) (*models.Record, error) {
	var rec models.Record
	err := m.db.Collection(kind.Collection()).FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func classifyMongo(key string, err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, mongo.ErrClientDisconnected) {
		return NewTransient(key, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError") {
			return NewTransient(key, err)
		}
		for _, code := range transientMongoCodes {
			if se.HasErrorCode(code) {
				return NewTransient(key, err)
			}
		}
	}

	var we mongo.WriteException
	if errors.As(err, &we) && we.WriteConcernError != nil && len(we.WriteErrors) == 0 {
		return NewTransient(key, err)
	}

	return NewPermanent(key, err)
}
