package patient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/id"
	"github.com/CDCgov/nhsnlink-sub007/keylock"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/schedule"
)

// Outcome reports what CreatePatientDispatch did.
type Outcome string

const (
	// Created means a new dispatch was stored.
	Created Outcome = "created"
	// Deduplicated means a dispatch for the same key already existed, or a
	// concurrent writer stored it first.
	Deduplicated Outcome = "deduplicated"
)

// ReleaseResult reports what Release did.
type ReleaseResult string

const (
	// Emitted means the command was sent and the dispatch is now dispatched.
	Emitted ReleaseResult = "emitted"
	// Suppressed means the owning report no longer accepts work.
	Suppressed ReleaseResult = "suppressed"
	// Skipped means nothing was due: already terminal, not yet due, or
	// handled by a concurrent caller.
	Skipped ReleaseResult = "skipped"
)

// ReportReader looks up the owning report. *report.Tracker satisfies it.
type ReportReader interface {
	Get(ctx context.Context, trackingID string) (*report.ScheduledReport, error)
}

// Emitter receives dispatch lifecycle notifications.
type Emitter interface {
	EmitDispatchCreated(ctx context.Context, d *Dispatch)
	EmitDispatchDeduplicated(ctx context.Context, d *Dispatch)
	EmitDispatchEmitted(ctx context.Context, d *Dispatch)
	EmitDispatchSuppressed(ctx context.Context, d *Dispatch, reason string)
}

// SendFunc hands a due dispatch to the outbound sink.
type SendFunc func(ctx context.Context, d *Dispatch) error

// Coordinator creates, deduplicates, releases and suppresses dispatches.
type Coordinator struct {
	store   Store
	reports ReportReader
	locks   keylock.Locker
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEmitter sets the lifecycle emitter.
func WithEmitter(e Emitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, reports ReportReader, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		reports: reports,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRequest identifies the patient event that triggered a dispatch.
type CreateRequest struct {
	FacilityID    string
	PatientID     string
	CorrelationID string
	TriggeredAt   time.Time
}

// CreatePatientDispatch returns the dispatch for (facility, patient,
// r.TrackingID, ds.Event), creating it if it does not exist. A redelivered
// or concurrent trigger yields the existing dispatch and Deduplicated.
func (c *Coordinator) CreatePatientDispatch(ctx context.Context, req CreateRequest, r *report.ScheduledReport, ds schedule.DispatchSchedule) (*Dispatch, Outcome, error) {
	if req.FacilityID == "" || req.PatientID == "" {
		return nil, "", fmt.Errorf("patient: facility and patient ids are required")
	}
	if r == nil {
		return nil, "", fmt.Errorf("%w: no report", querydispatch.ErrReportNotOpen)
	}
	if !r.Status().AcceptsDispatches() {
		return nil, "", fmt.Errorf("%w: %s is %s", querydispatch.ErrReportNotOpen, r.TrackingID, r.Status())
	}

	key := DedupKey(req.FacilityID, req.PatientID, r.TrackingID, ds.Event)
	unlock := c.locks.Lock(key)
	defer unlock()

	existing, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		c.deduplicated(ctx, existing)
		return existing, Deduplicated, nil
	case !errors.Is(err, querydispatch.ErrNotFound):
		return nil, "", fmt.Errorf("patient: lookup %s: %w", key, err)
	}

	triggered := req.TriggeredAt
	if triggered.IsZero() {
		triggered = c.now()
	}
	d := &Dispatch{
		Entity:        querydispatch.NewEntity(),
		ID:            id.NewDispatchID(),
		Key:           key,
		FacilityID:    req.FacilityID,
		PatientID:     req.PatientID,
		EventType:     ds.Event,
		CorrelationID: req.CorrelationID,
		TrackingID:    r.TrackingID,
		ReportTypes:   append([]string(nil), r.ReportTypes...),
		ReportStart:   r.StartDate,
		ReportEnd:     r.EndDate,
		Schedule:      ds,
		TriggeredAt:   triggered.UTC(),
		FireAt:        schedule.ComputeFireTime(ds, triggered).UTC(),
		State:         StatePending,
	}

	err = c.store.Upsert(ctx, d, 0)
	if errors.Is(err, querydispatch.ErrVersionConflict) {
		existing, gerr := c.store.Get(ctx, key)
		if gerr != nil {
			return nil, "", fmt.Errorf("patient: lookup %s: %w", key, gerr)
		}
		c.deduplicated(ctx, existing)
		return existing, Deduplicated, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("patient: create %s: %w", key, err)
	}

	c.logger.Info("patient dispatch created",
		slog.String("facility_id", d.FacilityID),
		slog.String("dispatch_id", d.ID.String()),
		slog.String("event_type", d.EventType),
		slog.String("tracking_id", d.TrackingID),
		slog.Time("fire_at", d.FireAt),
	)
	if c.emitter != nil {
		c.emitter.EmitDispatchCreated(ctx, d)
	}
	return d, Created, nil
}

func (c *Coordinator) deduplicated(ctx context.Context, d *Dispatch) {
	c.logger.Info("duplicate dispatch trigger",
		slog.String("facility_id", d.FacilityID),
		slog.String("dispatch_id", d.ID.String()),
		slog.String("event_type", d.EventType),
		slog.String("tracking_id", d.TrackingID),
	)
	if c.emitter != nil {
		c.emitter.EmitDispatchDeduplicated(ctx, d)
	}
}

// BulkResult summarizes an end-of-period fan-out.
type BulkResult struct {
	Created      int
	Deduplicated int
}

// CreateForPeriodEnd creates one dispatch per patient for a report that has
// reached EndOfPeriod. Failures for individual patients do not stop the
// fan-out; they are joined into the returned error.
func (c *Coordinator) CreateForPeriodEnd(ctx context.Context, r *report.ScheduledReport, ds schedule.DispatchSchedule, patients []string, correlationID string) (BulkResult, error) {
	if r == nil {
		return BulkResult{}, fmt.Errorf("%w: no report", querydispatch.ErrReportNotOpen)
	}
	var (
		res  BulkResult
		errs []error
		seen = make(map[string]struct{}, len(patients))
	)
	triggered := c.now()
	if r.Period.EndedAt != nil {
		triggered = *r.Period.EndedAt
	}
	for _, p := range patients {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}

		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, outcome, err := c.CreatePatientDispatch(ctx, CreateRequest{
			FacilityID:    r.FacilityID,
			PatientID:     p,
			CorrelationID: correlationID,
			TriggeredAt:   triggered,
		}, r, ds)
		if err != nil {
			errs = append(errs, fmt.Errorf("patient %s: %w", p, err))
			continue
		}
		if outcome == Created {
			res.Created++
		} else {
			res.Deduplicated++
		}
	}
	return res, errors.Join(errs...)
}

// Due returns the facility's pending dispatches whose fire time has passed,
// earliest first. limit <= 0 means no limit.
func (c *Coordinator) Due(ctx context.Context, facilityID string, now time.Time, limit int) ([]*Dispatch, error) {
	due, err := c.store.ListDue(ctx, facilityID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("patient: due dispatches for %s: %w", facilityID, err)
	}
	return due, nil
}

// Pending returns every pending dispatch of the facility.
func (c *Coordinator) Pending(ctx context.Context, facilityID string) ([]*Dispatch, error) {
	all, err := c.store.ListByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if d.State == StatePending {
			out = append(out, d)
		}
	}
	return out, nil
}

// Release emits a due dispatch. The owning report is re-read immediately
// before sending: if it no longer accepts work the dispatch is suppressed
// instead. A send error leaves the dispatch pending for the next poll.
func (c *Coordinator) Release(ctx context.Context, key string, now time.Time, send SendFunc) (ReleaseResult, error) {
	unlock := c.locks.Lock(key)
	defer unlock()

	d, err := c.store.Get(ctx, key)
	if err != nil {
		return Skipped, fmt.Errorf("patient: release %s: %w", key, err)
	}
	if d.State != StatePending || d.FireAt.After(now) {
		return Skipped, nil
	}

	r, err := c.reports.Get(ctx, d.TrackingID)
	switch {
	case errors.Is(err, querydispatch.ErrReportNotFound):
		return c.suppressLocked(ctx, d, "report not found", now)
	case err != nil:
		return Skipped, fmt.Errorf("patient: release %s: %w", key, err)
	case !r.Status().AcceptsDispatches():
		return c.suppressLocked(ctx, d, "report "+string(r.Status()), now)
	}

	if err := send(ctx, d); err != nil {
		return Skipped, fmt.Errorf("patient: send %s: %w", d.ID, err)
	}

	at := now.UTC()
	d.State = StateDispatched
	d.DispatchedAt = &at
	d.Touch(now)
	if err := c.store.Upsert(ctx, d, d.RecordVersion()); err != nil {
		if errors.Is(err, querydispatch.ErrVersionConflict) {
			// Another process released it; delivery is at-least-once.
			return Skipped, nil
		}
		return Skipped, fmt.Errorf("patient: mark dispatched %s: %w", d.ID, err)
	}

	c.logger.Info("patient dispatch emitted",
		slog.String("facility_id", d.FacilityID),
		slog.String("dispatch_id", d.ID.String()),
		slog.String("event_type", d.EventType),
		slog.Duration("delay", now.Sub(d.FireAt)),
	)
	if c.emitter != nil {
		c.emitter.EmitDispatchEmitted(ctx, d)
	}
	return Emitted, nil
}

// Suppress marks a pending dispatch suppressed.
func (c *Coordinator) Suppress(ctx context.Context, key, reason string) (ReleaseResult, error) {
	unlock := c.locks.Lock(key)
	defer unlock()

	d, err := c.store.Get(ctx, key)
	if err != nil {
		return Skipped, fmt.Errorf("patient: suppress %s: %w", key, err)
	}
	if d.State != StatePending {
		return Skipped, nil
	}
	return c.suppressLocked(ctx, d, reason, c.now())
}

func (c *Coordinator) suppressLocked(ctx context.Context, d *Dispatch, reason string, now time.Time) (ReleaseResult, error) {
	at := now.UTC()
	d.State = StateSuppressed
	d.SuppressedAt = &at
	d.SuppressedFor = reason
	d.Touch(now)
	if err := c.store.Upsert(ctx, d, d.RecordVersion()); err != nil {
		if errors.Is(err, querydispatch.ErrVersionConflict) {
			return Skipped, nil
		}
		return Skipped, fmt.Errorf("patient: suppress %s: %w", d.ID, err)
	}
	c.logger.Info("patient dispatch suppressed",
		slog.String("facility_id", d.FacilityID),
		slog.String("dispatch_id", d.ID.String()),
		slog.String("reason", reason),
	)
	if c.emitter != nil {
		c.emitter.EmitDispatchSuppressed(ctx, d, reason)
	}
	return Suppressed, nil
}

// SuppressReport suppresses every pending dispatch owned by trackingID.
func (c *Coordinator) SuppressReport(ctx context.Context, facilityID, trackingID, reason string) (int, error) {
	return c.suppressWhere(ctx, facilityID, reason, func(d *Dispatch) bool { return d.TrackingID == trackingID })
}

// SuppressFacility suppresses every pending dispatch of a facility.
func (c *Coordinator) SuppressFacility(ctx context.Context, facilityID, reason string) (int, error) {
	return c.suppressWhere(ctx, facilityID, reason, func(*Dispatch) bool { return true })
}

func (c *Coordinator) suppressWhere(ctx context.Context, facilityID, reason string, match func(*Dispatch) bool) (int, error) {
	pending, err := c.Pending(ctx, facilityID)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, d := range pending {
		if !match(d) {
			continue
		}
		res, err := c.Suppress(ctx, d.Key, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res == Suppressed {
			n++
		}
	}
	return n, errors.Join(errs...)
}
