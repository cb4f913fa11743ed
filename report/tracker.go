package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/frequency"
	"github.com/CDCgov/nhsnlink-sub007/id"
	"github.com/CDCgov/nhsnlink-sub007/keylock"
)

// maxWriteAttempts bounds how often a transition is re-read and re-applied
// after losing an optimistic write to another process.
const maxWriteAttempts = 3

// Emitter receives lifecycle notifications. Only the caller that wins a
// transition emits it.
type Emitter interface {
	EmitReportRegistered(ctx context.Context, r *ScheduledReport)
	EmitPeriodTransition(ctx context.Context, r *ScheduledReport, from, to Status)
}

// Tracker owns every status change of a ScheduledReport. Transitions are
// serialized per tracking id in-process and committed with a version check,
// so concurrent callers across processes agree on a single winner.
type Tracker struct {
	store   Store
	locks   keylock.Locker
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithEmitter sets the lifecycle emitter.
func WithEmitter(e Emitter) TrackerOption {
	return func(t *Tracker) { t.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker backed by store.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterInput describes a new reporting period.
type RegisterInput struct {
	FacilityID  string
	ReportTypes []string
	Frequency   frequency.Frequency
	Window      frequency.Period
	// Scheduled is true when at least one dispatch schedule is bound, in
	// which case the report is created directly in StatusScheduled.
	Scheduled bool
}

// Register creates the ScheduledReport for in, or returns the existing one
// for the same facility, set and window. created is false for the latter.
// An existing New report is promoted to Scheduled when in.Scheduled is set.
func (t *Tracker) Register(ctx context.Context, in RegisterInput) (r *ScheduledReport, created bool, err error) {
	if in.FacilityID == "" {
		return nil, false, fmt.Errorf("report: register: facility id is required")
	}
	types := normalizeTypes(in.ReportTypes)
	if len(types) == 0 {
		return nil, false, querydispatch.ErrNoReportTypes
	}
	if !in.Window.End.After(in.Window.Start) {
		return nil, false, querydispatch.ErrInvalidWindow
	}

	setKey := SetKey(in.Frequency, types)
	tracking := TrackingID(in.FacilityID, setKey, in.Window.Start)

	unlock := t.locks.Lock(tracking)
	existing, err := t.store.Get(ctx, tracking)
	switch {
	case err == nil:
		unlock()
		if in.Scheduled && existing.Status() == StatusNew {
			r, _, err := t.Schedule(ctx, tracking)
			return r, false, err
		}
		return existing, false, nil
	case !errors.Is(err, querydispatch.ErrNotFound):
		unlock()
		return nil, false, fmt.Errorf("report: register %s: %w", tracking, err)
	}

	now := t.now()
	status := StatusNew
	if in.Scheduled {
		status = StatusScheduled
	}
	r = &ScheduledReport{
		Entity:      querydispatch.NewEntity(),
		ID:          id.NewReportID(),
		FacilityID:  in.FacilityID,
		ReportTypes: types,
		Frequency:   in.Frequency,
		SetKey:      setKey,
		StartDate:   in.Window.Start.UTC(),
		EndDate:     in.Window.End.UTC(),
		TrackingID:  tracking,
		Period:      Period{Status: status, CreatedAt: now},
	}

	err = t.store.Upsert(ctx, r, 0)
	unlock()
	if errors.Is(err, querydispatch.ErrVersionConflict) {
		// Another process registered the same period first.
		existing, gerr := t.store.Get(ctx, tracking)
		if gerr != nil {
			return nil, false, fmt.Errorf("report: register %s: %w", tracking, gerr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("report: register %s: %w", tracking, err)
	}

	t.logger.Info("scheduled report registered",
		slog.String("facility_id", r.FacilityID),
		slog.String("tracking_id", r.TrackingID),
		slog.String("set", r.SetKey),
		slog.String("status", string(r.Status())),
		slog.Time("start", r.StartDate),
		slog.Time("end", r.EndDate),
	)
	if t.emitter != nil {
		t.emitter.EmitReportRegistered(ctx, r)
	}
	return r, true, nil
}

// Get returns the report with the given tracking id.
func (t *Tracker) Get(ctx context.Context, trackingID string) (*ScheduledReport, error) {
	r, err := t.store.Get(ctx, trackingID)
	if errors.Is(err, querydispatch.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", querydispatch.ErrReportNotFound, trackingID)
	}
	return r, err
}

// ListByFacility returns every report of a facility, any status.
func (t *Tracker) ListByFacility(ctx context.Context, facilityID string) ([]*ScheduledReport, error) {
	return t.store.ListByFacility(ctx, facilityID)
}

// Open returns the facility's reports that are not terminal.
func (t *Tracker) Open(ctx context.Context, facilityID string) ([]*ScheduledReport, error) {
	all, err := t.store.ListByFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if !r.Status().IsTerminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

// Schedule moves a New report to Scheduled.
func (t *Tracker) Schedule(ctx context.Context, trackingID string) (*ScheduledReport, bool, error) {
	return t.transition(ctx, trackingID, StatusScheduled, nil)
}

// CloseIfDue moves a Scheduled report to EndOfPeriod once now has reached
// its EndDate. A closure observed after EndDate is still performed and the
// delay is recorded as Period.Lateness. changed is false when the report is
// not yet due or was already closed by someone else.
func (t *Tracker) CloseIfDue(ctx context.Context, trackingID string, now time.Time) (*ScheduledReport, bool, error) {
	notDue := errors.New("not due")
	r, changed, err := t.transition(ctx, trackingID, StatusEndOfPeriod, func(r *ScheduledReport) error {
		if now.Before(r.EndDate) {
			return notDue
		}
		ended := now.UTC()
		r.Period.EndedAt = &ended
		if late := now.Sub(r.EndDate); late > 0 {
			r.Period.Lateness = late
		}
		return nil
	})
	if errors.Is(err, notDue) {
		return r, false, nil
	}
	return r, changed, err
}

// Submit moves an EndOfPeriod report to Submitted.
func (t *Tracker) Submit(ctx context.Context, trackingID string) (*ScheduledReport, bool, error) {
	return t.transition(ctx, trackingID, StatusSubmitted, func(r *ScheduledReport) error {
		at := t.now()
		r.Period.SubmittedAt = &at
		return nil
	})
}

// Cancel terminates a report that has not been submitted.
func (t *Tracker) Cancel(ctx context.Context, trackingID, reason string) (*ScheduledReport, bool, error) {
	return t.transition(ctx, trackingID, StatusCanceled, func(r *ScheduledReport) error {
		at := t.now()
		r.Period.CanceledAt = &at
		r.Period.CancelReason = reason
		return nil
	})
}

// Supersede cancels an active report in favour of successorID.
func (t *Tracker) Supersede(ctx context.Context, trackingID, successorID string) (*ScheduledReport, bool, error) {
	return t.transition(ctx, trackingID, StatusCanceled, func(r *ScheduledReport) error {
		at := t.now()
		r.Period.CanceledAt = &at
		r.Period.CancelReason = "superseded"
		r.SupersededBy = successorID
		return nil
	})
}

// MarkFannedOut records that the period-end dispatches of a closed report
// exist. It does not change the status and is a no-op when already marked.
func (t *Tracker) MarkFannedOut(ctx context.Context, trackingID string) (*ScheduledReport, error) {
	unlock := t.locks.Lock(trackingID)
	defer unlock()

	for range maxWriteAttempts {
		r, err := t.Get(ctx, trackingID)
		if err != nil {
			return nil, err
		}
		if r.Period.FannedOutAt != nil {
			return r, nil
		}
		if r.Status() != StatusEndOfPeriod {
			return r, fmt.Errorf("%w: fan-out of %s report (tracking %s)", querydispatch.ErrInvalidTransition, r.Status(), trackingID)
		}
		now := t.now()
		r.Period.FannedOutAt = &now
		r.Period.ModifiedAt = &now
		r.Touch(now)

		err = t.store.Upsert(ctx, r, r.RecordVersion())
		if errors.Is(err, querydispatch.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("report: mark fanned out (tracking %s): %w", trackingID, err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("report: mark fanned out (tracking %s): %w", trackingID, querydispatch.ErrVersionConflict)
}

// transition applies to → status under the per-key lock. A report already
// in the target status returns changed=false without error, which is how a
// losing concurrent caller observes the winner's result.
func (t *Tracker) transition(ctx context.Context, trackingID string, to Status, mutate func(*ScheduledReport) error) (*ScheduledReport, bool, error) {
	unlock := t.locks.Lock(trackingID)
	defer unlock()

	for range maxWriteAttempts {
		r, err := t.Get(ctx, trackingID)
		if err != nil {
			return nil, false, err
		}
		from := r.Status()
		if from == to {
			return r, false, nil
		}
		if !CanTransition(from, to) {
			return r, false, fmt.Errorf("%w: %s -> %s (tracking %s)", querydispatch.ErrInvalidTransition, from, to, trackingID)
		}
		if mutate != nil {
			if err := mutate(r); err != nil {
				return r, false, err
			}
		}

		now := t.now()
		r.Period.Status = to
		r.Period.ModifiedAt = &now
		r.Touch(now)

		err = t.store.Upsert(ctx, r, r.RecordVersion())
		if errors.Is(err, querydispatch.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("report: %s -> %s (tracking %s): %w", from, to, trackingID, err)
		}

		attrs := []any{
			slog.String("facility_id", r.FacilityID),
			slog.String("tracking_id", r.TrackingID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		}
		if r.Period.Lateness > 0 && to == StatusEndOfPeriod {
			attrs = append(attrs, slog.Duration("lateness", r.Period.Lateness))
		}
		t.logger.Info("report period transition", attrs...)
		if t.emitter != nil {
			t.emitter.EmitPeriodTransition(ctx, r, from, to)
		}
		return r, true, nil
	}
	return nil, false, fmt.Errorf("report: %s -> %s (tracking %s): %w", "?", to, trackingID, querydispatch.ErrVersionConflict)
}
