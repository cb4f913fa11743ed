// Package memory provides a fully in-memory store. Safe for concurrent
// access. Intended for unit testing and development.
package memory

import (
	"context"

	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
	"github.com/CDCgov/nhsnlink-sub007/store"
)

var _ store.Store = (*Store)(nil)

// Store holds one in-memory repository per entity kind.
type Store struct {
	reports     *Repository[*report.ScheduledReport]
	dispatches  *Repository[*patient.Dispatch]
	attempts    *Repository[*retry.Attempt]
	deadLetters *Repository[*dlq.Entry]
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		reports:     NewRepository(func() *report.ScheduledReport { return new(report.ScheduledReport) }),
		dispatches:  NewRepository(func() *patient.Dispatch { return new(patient.Dispatch) }),
		attempts:    NewRepository(func() *retry.Attempt { return new(retry.Attempt) }),
		deadLetters: NewRepository(func() *dlq.Entry { return new(dlq.Entry) }),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// Reports returns the scheduled report repository.
func (m *Store) Reports() report.Store { return m.reports }

// Dispatches returns the patient dispatch repository.
func (m *Store) Dispatches() patient.Store { return m.dispatches }

// Attempts returns the retry attempt ledger.
func (m *Store) Attempts() retry.Store { return m.attempts }

// DeadLetters returns the dead-letter repository.
func (m *Store) DeadLetters() dlq.Store { return m.deadLetters }
