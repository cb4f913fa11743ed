package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/facility"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
)

// Cancellation and suppression reasons recorded by the engine.
const (
	ReasonFacilityWithdrawn = "facility withdrawn"
	ReasonSetRemoved        = "report set removed"
	ReasonNotConfigured     = "facility not configured"
	ReasonSubmitted         = "report submitted"
)

// ApplyResult summarizes one ApplySnapshot call.
type ApplyResult struct {
	facility.Changes

	// Rejected maps facility ids whose configuration failed validation to
	// the first reason. A facility whose only entry failed keeps its previous
	// configuration; a repeated id keeps its first entry.
	Rejected map[string]error
}

func (e *Engine) reject(ctx context.Context, rejected map[string]error, facilityID string, err error) {
	if _, ok := rejected[facilityID]; !ok {
		rejected[facilityID] = err
	}
	e.logger.Warn("facility configuration rejected",
		slog.String("facility_id", facilityID),
		slog.String("error", err.Error()),
	)
	e.extensions.EmitConfigRejected(ctx, facilityID, err)
}

// ApplySnapshot reconciles a full-replace configuration snapshot against the
// active one. Facilities that fail validation are rejected individually;
// the returned error reports infrastructure failures only.
func (e *Engine) ApplySnapshot(ctx context.Context, snapshot []facility.Config) (ApplyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := ApplyResult{Rejected: make(map[string]error)}
	next := make(map[string]*facility.Compiled, len(snapshot))
	seen := make(map[string]bool, len(snapshot))
	for _, cfg := range snapshot {
		// The first entry for an id decides; later copies are only reported.
		if seen[cfg.FacilityID] {
			e.reject(ctx, res.Rejected, cfg.FacilityID, &facility.ConfigurationError{
				FacilityID: cfg.FacilityID,
				Err:        errors.New("facility appears more than once in snapshot"),
			})
			continue
		}
		seen[cfg.FacilityID] = true

		c, err := cfg.Compile()
		if err != nil {
			e.reject(ctx, res.Rejected, cfg.FacilityID, err)
			if prev, ok := e.active[cfg.FacilityID]; ok {
				next[cfg.FacilityID] = prev
			}
			continue
		}
		next[cfg.FacilityID] = c
	}

	res.Changes = facility.Diff(e.active, next)

	var errs []error
	for _, fid := range res.Added {
		if err := e.activate(ctx, nil, next[fid]); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fid := range res.Changed {
		if err := e.activate(ctx, e.active[fid], next[fid]); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fid := range res.Removed {
		if err := e.withdraw(ctx, fid); err != nil {
			errs = append(errs, err)
		}
	}

	e.active = next
	if !res.Empty() || len(res.Rejected) > 0 {
		e.logger.Info("configuration snapshot applied",
			slog.Int("added", len(res.Added)),
			slog.Int("changed", len(res.Changed)),
			slog.Int("removed", len(res.Removed)),
			slog.Int("rejected", len(res.Rejected)),
		)
	}
	return res, errors.Join(errs...)
}

// Refresh loads a snapshot from the configured provider and applies it.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.facilities == nil {
		return nil
	}
	var snapshot []facility.Config
	err := retry.Do(ctx, "facility.snapshot", e.retries.Settings(), func(ctx context.Context) error {
		var err error
		snapshot, err = e.facilities.Snapshot(ctx)
		return err
	})
	if err != nil {
		e.escalate(ctx, err)
		return fmt.Errorf("engine: load snapshot: %w", err)
	}
	_, err = e.ApplySnapshot(ctx, snapshot)
	return err
}

// activate registers the current period of every set of c, promotes New
// reports once schedules are bound, and cancels the open reports of sets
// that prev had and c no longer has.
func (e *Engine) activate(ctx context.Context, prev, c *facility.Compiled) error {
	now := e.now()
	var errs []error
	for _, set := range c.Sets {
		if _, err := e.registerCurrent(ctx, c, set, now); err != nil {
			errs = append(errs, err)
		}
	}

	if prev != nil {
		for _, set := range prev.Sets {
			if _, still := c.Set(set.Key); still {
				continue
			}
			if err := e.cancelOpen(ctx, c.FacilityID, ReasonSetRemoved, func(r *report.ScheduledReport) bool {
				return r.SetKey == set.Key
			}); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("engine: activate %s: %w", c.FacilityID, errors.Join(errs...))
	}
	e.logger.Info("facility configuration applied",
		slog.String("facility_id", c.FacilityID),
		slog.Int("sets", len(c.Sets)),
		slog.Int("schedules", len(c.Schedules)),
		slog.String("fingerprint", c.Fingerprint),
	)
	e.extensions.EmitConfigApplied(ctx, c)
	return nil
}

// withdraw cancels every open report of a facility that left the snapshot
// and suppresses its pending dispatches.
func (e *Engine) withdraw(ctx context.Context, facilityID string) error {
	var errs []error
	if err := e.cancelOpen(ctx, facilityID, ReasonFacilityWithdrawn, func(*report.ScheduledReport) bool { return true }); err != nil {
		errs = append(errs, err)
	}
	if _, err := e.dispatcher.SuppressFacility(ctx, facilityID, ReasonFacilityWithdrawn); err != nil {
		errs = append(errs, err)
	}
	e.throttle.Remove(facilityID)
	if len(errs) > 0 {
		return fmt.Errorf("engine: withdraw %s: %w", facilityID, errors.Join(errs...))
	}
	e.logger.Info("facility withdrawn", slog.String("facility_id", facilityID))
	e.extensions.EmitFacilityWithdrawn(ctx, facilityID)
	return nil
}

// cancelOpen cancels the facility's non-terminal reports selected by match
// and suppresses their pending dispatches.
func (e *Engine) cancelOpen(ctx context.Context, facilityID, reason string, match func(*report.ScheduledReport) bool) error {
	open, err := e.tracker.Open(ctx, facilityID)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range open {
		if !match(r) {
			continue
		}
		if _, _, err := e.tracker.Cancel(ctx, r.TrackingID, reason); err != nil && !errors.Is(err, querydispatch.ErrInvalidTransition) {
			errs = append(errs, err)
			continue
		}
		if _, err := e.dispatcher.SuppressReport(ctx, facilityID, r.TrackingID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReconcileOrphans suppresses pending dispatches whose facility is not in
// the active configuration. It returns how many were suppressed.
func (e *Engine) ReconcileOrphans(ctx context.Context) (int, error) {
	all, err := e.dispatches.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: list dispatches: %w", err)
	}
	e.mu.RLock()
	configured := make(map[string]bool, len(e.active))
	for fid := range e.active {
		configured[fid] = true
	}
	e.mu.RUnlock()

	var (
		n    int
		errs []error
	)
	for _, d := range all {
		if d.State != patient.StatePending || configured[d.FacilityID] {
			continue
		}
		res, err := e.dispatcher.Suppress(ctx, d.Key, ReasonNotConfigured)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res == patient.Suppressed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Facility returns the active configuration of a facility.
func (e *Engine) Facility(facilityID string) (*facility.Compiled, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.active[facilityID]
	return c, ok
}

// Facilities returns the active configurations sorted by facility id.
func (e *Engine) Facilities() []*facility.Compiled {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*facility.Compiled, 0, len(e.active))
	for _, c := range e.active {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FacilityID < out[j].FacilityID })
	return out
}
