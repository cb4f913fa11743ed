package dlq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/id"
	"github.com/CDCgov/nhsnlink-sub007/ingest"
	"github.com/CDCgov/nhsnlink-sub007/retry"
)

// ListOpts controls pagination and filtering for list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// FacilityID filters by facility. Empty means all facilities.
	FacilityID string
	// Reason filters by dead-letter reason. Empty means any.
	Reason string
}

// Service provides dead-letter operations over a Store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a dead-letter service.
func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Push records a dead-lettered message. The raw payload and headers are
// preserved so the message can be replayed unchanged.
func (s *Service) Push(ctx context.Context, m *ingest.Message, d retry.Decision, facilityID string, cause error) (*Entry, error) {
	now := s.now()
	e := &Entry{
		Entity:      querydispatch.NewEntity(),
		ID:          id.NewDLQID(),
		Coordinates: d.Coordinates,
		FacilityID:  facilityID,
		Key:         m.Key,
		Payload:     m.Value,
		Headers:     m.Headers,
		Reason:      d.Reason,
		Attempts:    d.Attempt,
		FailedAt:    now,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if err := s.store.Upsert(ctx, e, 0); err != nil {
		return nil, fmt.Errorf("dlq: push: %w", err)
	}
	return e, nil
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, entryID id.DLQID) (*Entry, error) {
	e, err := s.store.Get(ctx, entryID.String())
	if errors.Is(err, querydispatch.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", querydispatch.ErrDLQNotFound, entryID)
	}
	return e, err
}

// List returns entries matching opts, oldest failure first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	var (
		all []*Entry
		err error
	)
	if opts.FacilityID != "" {
		all, err = s.store.ListByFacility(ctx, opts.FacilityID)
	} else {
		all, err = s.store.List(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, e := range all {
		if opts.Reason != "" && e.Reason != opts.Reason {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Count returns the number of entries.
func (s *Service) Count(ctx context.Context) (int64, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(all)), nil
}

// Replay republishes the original message with its retry headers removed and
// marks the entry replayed.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID, pub ingest.Publisher) (*Entry, error) {
	e, err := s.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		switch k {
		case ingest.HeaderDelivery, ingest.HeaderNotBefore,
			ingest.HeaderOriginTopic, ingest.HeaderOriginPartition, ingest.HeaderOriginOffset:
			continue
		}
		headers[k] = v
	}
	m := &ingest.Message{
		Topic:   e.Coordinates.Topic,
		Key:     e.Key,
		Value:   e.Payload,
		Headers: headers,
		Time:    s.now(),
	}
	if err := pub.Publish(ctx, m); err != nil {
		return nil, fmt.Errorf("dlq: replay %s: %w", entryID, err)
	}

	now := s.now()
	e.ReplayedAt = &now
	e.Touch(now)
	if err := s.store.Upsert(ctx, e, e.RecordVersion()); err != nil {
		// Already republished; report the bookkeeping failure.
		return e, fmt.Errorf("dlq: mark replayed %s: %w", entryID, err)
	}
	return e, nil
}

// Purge removes entries that failed before the given instant.
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, e := range all {
		if !e.FailedAt.Before(before) {
			continue
		}
		if err := s.store.Delete(ctx, e.RecordKey()); err != nil && !errors.Is(err, querydispatch.ErrNotFound) {
			return n, fmt.Errorf("dlq: purge %s: %w", e.ID, err)
		}
		n++
	}
	return n, nil
}
