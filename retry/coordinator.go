package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/keylock"
)

// Attempt is the ledger entry for a message that has failed at least once
// and has not yet been reprocessed successfully. A dead-lettered message
// keeps its entry as a tombstone so that late copies are recognised.
type Attempt struct {
	querydispatch.Entity

	Coordinates   Coordinates `json:"coordinates"`
	FacilityID    string      `json:"facility_id,omitempty"`
	Count         int         `json:"count"`
	FirstFailedAt time.Time   `json:"first_failed_at"`
	LastFailedAt  time.Time   `json:"last_failed_at"`
	LastError     string      `json:"last_error,omitempty"`
	LastDecision  Decision    `json:"last_decision"`

	// Redelivered is the highest attempt whose redelivered copy the source
	// accepted. While it trails Count the last RetryAfter is unconfirmed.
	Redelivered int `json:"redelivered"`

	// DeadLetteredAt is set once the message is in the dead-letter store.
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`
}

// DeadLettered reports whether the dead-letter of the message is confirmed.
func (a *Attempt) DeadLettered() bool { return a.DeadLetteredAt != nil }

// pending reports whether the last decision was never confirmed and must be
// carried out again for a copy with the given delivery number.
func (a *Attempt) pending(delivery int) bool {
	if a.LastDecision.Action == DeadLetter {
		return !a.DeadLettered()
	}
	return a.Redelivered < a.Count && delivery < a.Count
}

// RecordKey implements querydispatch.Record.
func (a *Attempt) RecordKey() string { return a.Coordinates.String() }

// RecordFacility implements querydispatch.Record.
func (a *Attempt) RecordFacility() string { return a.FacilityID }

// Store persists the attempt ledger keyed by coordinates.
type Store = querydispatch.Repository[*Attempt]

// Failure describes one failed processing attempt.
type Failure struct {
	Coordinates Coordinates
	FacilityID  string
	Class       FailureClass
	Err         error
	// Delivery is the number of redeliveries the failing copy had already
	// been through, as carried on the message. A copy whose Delivery is
	// below the ledger count is a duplicate of an attempt already counted.
	Delivery int
}

// Coordinator maintains the attempt ledger and produces decisions.
type Coordinator struct {
	store  Store
	policy *Policy
	locks  keylock.Locker
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithPolicy replaces the policy built from settings.
func WithPolicy(p *Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, s Settings, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		policy: NewPolicy(s),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settings returns the active policy settings.
func (c *Coordinator) Settings() Settings { return c.policy.Settings() }

// RecordFailure counts f against the ledger and returns the decision.
//
// A decision is only final once it is confirmed with MarkRedelivered or
// MarkDeadLettered. Until then a failure of the same copy returns the
// recorded decision again, without counting it, so the caller can finish
// the redelivery or dead-letter it could not complete before. Copies older
// than a confirmed decision are returned as Duplicate.
func (c *Coordinator) RecordFailure(ctx context.Context, f Failure) (Decision, error) {
	key := f.Coordinates.String()
	unlock := c.locks.Lock(key)
	defer unlock()

	now := c.now()
	for range 3 {
		a, err := c.store.Get(ctx, key)
		exists := err == nil
		switch {
		case errors.Is(err, querydispatch.ErrNotFound):
			a = &Attempt{
				Entity:        querydispatch.NewEntity(),
				Coordinates:   f.Coordinates,
				FacilityID:    f.FacilityID,
				FirstFailedAt: now,
			}
		case err != nil:
			return Decision{}, fmt.Errorf("retry: ledger %s: %w", key, err)
		}

		if exists {
			switch {
			case a.pending(f.Delivery):
				c.logger.Info("unconfirmed retry decision reissued",
					slog.String("coordinates", key),
					slog.String("action", string(a.LastDecision.Action)),
					slog.Int("attempt", a.LastDecision.Attempt),
				)
				return a.LastDecision, nil
			case a.DeadLettered() || f.Delivery < a.Count:
				dup := a.LastDecision
				dup.Duplicate = true
				c.logger.Info("duplicate redelivery failure",
					slog.String("coordinates", key),
					slog.Int("delivery", f.Delivery),
					slog.Int("count", a.Count),
				)
				return dup, nil
			}
		}

		d := c.policy.Evaluate(f.Coordinates, a.Count, f.Class)
		if d.Action == RetryAfter {
			d.NextEligibleAt = now.Add(d.Delay)
			a.Count++
		}
		a.LastFailedAt = now
		a.LastDecision = d
		if f.Err != nil {
			a.LastError = f.Err.Error()
		}
		a.Touch(now)

		err = c.store.Upsert(ctx, a, a.RecordVersion())
		if errors.Is(err, querydispatch.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Decision{}, fmt.Errorf("retry: ledger %s: %w", key, err)
		}
		return d, nil
	}
	return Decision{}, fmt.Errorf("retry: ledger %s: %w", key, querydispatch.ErrVersionConflict)
}

// MarkRedelivered confirms that the copy for attempt was handed to the
// source. Copies of earlier deliveries become duplicates.
func (c *Coordinator) MarkRedelivered(ctx context.Context, coords Coordinates, attempt int) error {
	return c.confirm(ctx, coords, func(a *Attempt) bool {
		if a.Redelivered >= attempt {
			return false
		}
		a.Redelivered = attempt
		return true
	})
}

// MarkDeadLettered confirms that the message reached the dead-letter store.
// The ledger entry stays as a tombstone so later copies are acked as
// duplicates.
func (c *Coordinator) MarkDeadLettered(ctx context.Context, coords Coordinates) error {
	return c.confirm(ctx, coords, func(a *Attempt) bool {
		if a.DeadLettered() {
			return false
		}
		now := c.now()
		a.DeadLetteredAt = &now
		return true
	})
}

func (c *Coordinator) confirm(ctx context.Context, coords Coordinates, mutate func(*Attempt) bool) error {
	key := coords.String()
	unlock := c.locks.Lock(key)
	defer unlock()

	for range 3 {
		a, err := c.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("retry: confirm %s: %w", key, err)
		}
		if !mutate(a) {
			return nil
		}
		a.Touch(c.now())
		err = c.store.Upsert(ctx, a, a.RecordVersion())
		if errors.Is(err, querydispatch.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("retry: confirm %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("retry: confirm %s: %w", key, querydispatch.ErrVersionConflict)
}

// Resolve clears the ledger entry of a message that finally succeeded.
func (c *Coordinator) Resolve(ctx context.Context, coords Coordinates) error {
	err := c.store.Delete(ctx, coords.String())
	if err != nil && !errors.Is(err, querydispatch.ErrNotFound) {
		return fmt.Errorf("retry: resolve %s: %w", coords, err)
	}
	return nil
}

// Prune deletes ledger entries of messages dead-lettered before the given
// instant and returns how many were removed.
func (c *Coordinator) Prune(ctx context.Context, before time.Time) (int, error) {
	all, err := c.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("retry: prune: %w", err)
	}
	n := 0
	for _, a := range all {
		if !a.DeadLettered() || !a.DeadLetteredAt.Before(before) {
			continue
		}
		err := c.store.Delete(ctx, a.RecordKey())
		switch {
		case err == nil:
			n++
		case !errors.Is(err, querydispatch.ErrNotFound):
			return n, fmt.Errorf("retry: prune %s: %w", a.RecordKey(), err)
		}
	}
	return n, nil
}

// Attempts returns the ledger entry for coords, if any.
func (c *Coordinator) Attempts(ctx context.Context, coords Coordinates) (*Attempt, error) {
	return c.store.Get(ctx, coords.String())
}
