package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CDCgov/nhsnlink-sub007/facility"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
	"github.com/CDCgov/nhsnlink-sub007/sink"
)

// registerCurrent registers the period of set containing now. The report is
// created directly in Scheduled when the facility has dispatch schedules.
func (e *Engine) registerCurrent(ctx context.Context, c *facility.Compiled, set facility.CompiledSet, now time.Time) (*report.ScheduledReport, error) {
	window, err := e.resolver.ResolvePeriod(set.Frequency, now)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve %s period: %w", set.Key, err)
	}
	r, _, err := e.tracker.Register(ctx, report.RegisterInput{
		FacilityID:  c.FacilityID,
		ReportTypes: set.ReportTypes,
		Frequency:   set.Frequency,
		Window:      window,
		Scheduled:   len(c.Schedules) > 0,
	})
	return r, err
}

// Sweep closes due periods of every active facility, fans out period-end
// dispatches from the roster and registers the period containing now. Only
// the most recent open period of each set is examined for closure; periods
// missed while the engine was down are not back-filled. A closed period
// whose fan-out did not complete is fanned out again on every sweep until
// it does.
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	var errs []error
	for _, c := range e.Facilities() {
		if err := e.sweepFacility(ctx, c, now); err != nil {
			errs = append(errs, fmt.Errorf("facility %s: %w", c.FacilityID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine: sweep: %w", errors.Join(errs...))
	}
	return nil
}

func (e *Engine) sweepFacility(ctx context.Context, c *facility.Compiled, now time.Time) error {
	open, err := e.tracker.Open(ctx, c.FacilityID)
	if err != nil {
		return err
	}

	var errs []error
	latest := make(map[string]*report.ScheduledReport, len(c.Sets))
	for _, r := range open {
		if r.FanOutPending() {
			if err := e.fanOut(ctx, c, r); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if !r.Status().IsActive() {
			continue
		}
		if cur, ok := latest[r.SetKey]; !ok || r.StartDate.After(cur.StartDate) {
			latest[r.SetKey] = r
		}
	}

	for _, set := range c.Sets {
		if r, ok := latest[set.Key]; ok && !now.Before(r.EndDate) {
			if err := e.closePeriod(ctx, c, r, now); err != nil {
				errs = append(errs, err)
			}
		}
		if _, err := e.registerCurrent(ctx, c, set, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closePeriod moves r to EndOfPeriod and fans out its period-end dispatches.
func (e *Engine) closePeriod(ctx context.Context, c *facility.Compiled, r *report.ScheduledReport, now time.Time) error {
	if r.Status() == report.StatusNew {
		// New reaches EndOfPeriod only through Scheduled.
		if _, _, err := e.tracker.Schedule(ctx, r.TrackingID); err != nil {
			return err
		}
	}
	closed, changed, err := e.tracker.CloseIfDue(ctx, r.TrackingID, now)
	if err != nil || !changed {
		return err
	}
	return e.fanOut(ctx, c, closed)
}

// fanOut creates one period-end dispatch per patient on the roster of a
// closed report, then marks the report fanned out. On failure the report
// stays pending and the next sweep tries again; dispatch keys make the
// repeat idempotent.
func (e *Engine) fanOut(ctx context.Context, c *facility.Compiled, closed *report.ScheduledReport) error {
	ds, ok := c.Schedules.ForPeriodEnd()
	switch {
	case !ok:
	case e.roster == nil:
		e.logger.Warn("period-end schedule without roster",
			slog.String("facility_id", c.FacilityID),
			slog.String("tracking_id", closed.TrackingID),
		)
	default:
		var patients []string
		err := retry.Do(ctx, "roster.patients", e.retries.Settings(), func(ctx context.Context) error {
			var err error
			patients, err = e.roster.Patients(ctx, closed)
			return err
		})
		if err != nil {
			e.escalate(ctx, err)
			return fmt.Errorf("roster for %s: %w", closed.TrackingID, err)
		}

		res, err := e.dispatcher.CreateForPeriodEnd(ctx, closed, ds, patients, uuid.NewString())
		e.logger.Info("period-end dispatches created",
			slog.String("facility_id", c.FacilityID),
			slog.String("tracking_id", closed.TrackingID),
			slog.Int("created", res.Created),
			slog.Int("deduplicated", res.Deduplicated),
		)
		if err != nil {
			return fmt.Errorf("fan-out for %s: %w", closed.TrackingID, err)
		}
	}

	_, err := e.tracker.MarkFannedOut(ctx, closed.TrackingID)
	return err
}

// FireDue releases every due dispatch of every active facility through the
// sink, subject to the facility's emission throttle. Dispatches refused by
// the throttle or failed by the sink stay pending for the next call. It
// returns how many were emitted.
func (e *Engine) FireDue(ctx context.Context, now time.Time) (int, error) {
	send := func(ctx context.Context, d *patient.Dispatch) error {
		return e.sink.Send(ctx, sink.FromDispatch(d))
	}

	emitted := 0
	var errs []error
	for _, c := range e.Facilities() {
		due, err := e.dispatcher.Due(ctx, c.FacilityID, now, e.config.FireBatch)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, d := range due {
			if !e.throttle.Acquire(c.FacilityID) {
				e.logger.Debug("emission throttled",
					slog.String("facility_id", c.FacilityID),
					slog.Int("remaining", len(due)),
				)
				break
			}
			res, err := e.dispatcher.Release(ctx, d.Key, now, send)
			e.throttle.Release(c.FacilityID)
			if err != nil {
				e.logger.Warn("dispatch release failed",
					slog.String("facility_id", c.FacilityID),
					slog.String("dispatch_id", d.ID.String()),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
				continue
			}
			if res == patient.Emitted {
				emitted++
			}
		}
	}
	return emitted, errors.Join(errs...)
}
