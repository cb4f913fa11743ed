package mongo

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
	"github.com/CDCgov/nhsnlink-sub007/store"
)

// collection returns the collection name for an entity kind.
func collection(kind store.Kind) string { return "querydispatch_" + string(kind) }

var _ store.Store = (*Store)(nil)

// Store is a MongoDB implementation of store.Store.
// The caller owns the client lifecycle; Store never disconnects it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger

	reports     *Repository[*report.ScheduledReport]
	dispatches  *Repository[*patient.Dispatch]
	attempts    *Repository[*retry.Attempt]
	deadLetters *Repository[*dlq.Entry]
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store on db.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reports = NewRepository(db.Collection(collection(store.KindReport)), func() *report.ScheduledReport { return new(report.ScheduledReport) })
	s.dispatches = NewRepository(db.Collection(collection(store.KindDispatch)), func() *patient.Dispatch { return new(patient.Dispatch) })
	s.attempts = NewRepository(db.Collection(collection(store.KindAttempt)), func() *retry.Attempt { return new(retry.Attempt) })
	s.deadLetters = NewRepository(db.Collection(collection(store.KindDeadLetter)), func() *dlq.Entry { return new(dlq.Entry) })
	return s
}

// DB returns the underlying database for advanced usage.
func (s *Store) DB() *mongod.Database {
	return s.db
}

// Reports returns the scheduled report repository.
func (s *Store) Reports() report.Store { return s.reports }

// Dispatches returns the patient dispatch repository.
func (s *Store) Dispatches() patient.Store { return s.dispatches }

// Attempts returns the retry attempt ledger.
func (s *Store) Attempts() retry.Store { return s.attempts }

// DeadLetters returns the dead-letter repository.
func (s *Store) DeadLetters() dlq.Store { return s.deadLetters }

// Migrate creates the facility and due indexes on every collection.
func (s *Store) Migrate(ctx context.Context) error {
	for _, kind := range store.Kinds {
		_, err := s.db.Collection(collection(kind)).Indexes().CreateMany(ctx, []mongod.IndexModel{
			{Keys: bson.D{{Key: "facility_id", Value: 1}, {Key: "_id", Value: 1}}},
			{
				Keys: bson.D{{Key: "facility_id", Value: 1}, {Key: "due_at", Value: 1}, {Key: "_id", Value: 1}},
				Options: options.Index().
					SetName("facility_due").
					SetPartialFilterExpression(bson.M{"due_at": bson.M{"$type": "date"}}),
			},
		})
		if err != nil {
			return fmt.Errorf("%w: mongo %s indexes: %w", querydispatch.ErrMigrationFailed, kind, err)
		}
		s.logger.Debug("ensured indexes", slog.String("collection", collection(kind)))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}
