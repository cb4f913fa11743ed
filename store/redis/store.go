// Package redis implements store.Store on Redis. Each record is a Hash
// holding its version, facility and JSON body; Sorted Sets index keys per
// kind and per facility. Writes run as Lua scripts so the version check and
// the write are atomic.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
	"github.com/CDCgov/nhsnlink-sub007/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements store.Store backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger

	reports     *Repository[*report.ScheduledReport]
	dispatches  *Repository[*patient.Dispatch]
	attempts    *Repository[*retry.Attempt]
	deadLetters *Repository[*dlq.Entry]
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.reports = NewRepository(client, store.KindReport, func() *report.ScheduledReport { return new(report.ScheduledReport) })
	s.dispatches = NewRepository(client, store.KindDispatch, func() *patient.Dispatch { return new(patient.Dispatch) })
	s.attempts = NewRepository(client, store.KindAttempt, func() *retry.Attempt { return new(retry.Attempt) })
	s.deadLetters = NewRepository(client, store.KindDeadLetter, func() *dlq.Entry { return new(dlq.Entry) })
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Reports returns the scheduled report repository.
func (s *Store) Reports() report.Store { return s.reports }

// Dispatches returns the patient dispatch repository.
func (s *Store) Dispatches() patient.Store { return s.dispatches }

// Attempts returns the retry attempt ledger.
func (s *Store) Attempts() retry.Store { return s.attempts }

// DeadLetters returns the dead-letter repository.
func (s *Store) DeadLetters() dlq.Store { return s.deadLetters }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
