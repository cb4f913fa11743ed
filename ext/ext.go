// Package ext defines the extension system for the scheduling engine.
// Extensions are notified of lifecycle events (report registered, period
// transitioned, dispatch emitted, message dead-lettered, etc.) and can react
// to them with metrics, audit records or alerts.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/facility"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Report lifecycle hooks
// ──────────────────────────────────────────────────

// ReportRegistered is called after a new reporting period is persisted.
type ReportRegistered interface {
	OnReportRegistered(ctx context.Context, r *report.ScheduledReport) error
}

// PeriodTransitioned is called after a report changes status. Only the
// caller that won the transition triggers it.
type PeriodTransitioned interface {
	OnPeriodTransitioned(ctx context.Context, r *report.ScheduledReport, from, to report.Status) error
}

// ──────────────────────────────────────────────────
// Dispatch lifecycle hooks
// ──────────────────────────────────────────────────

// DispatchCreated is called when a new patient dispatch is persisted.
type DispatchCreated interface {
	OnDispatchCreated(ctx context.Context, d *patient.Dispatch) error
}

// DispatchDeduplicated is called when a trigger collapses onto an existing
// dispatch.
type DispatchDeduplicated interface {
	OnDispatchDeduplicated(ctx context.Context, d *patient.Dispatch) error
}

// DispatchEmitted is called after a dispatch was handed to the sink.
type DispatchEmitted interface {
	OnDispatchEmitted(ctx context.Context, d *patient.Dispatch) error
}

// DispatchSuppressed is called when a pending dispatch is dropped.
type DispatchSuppressed interface {
	OnDispatchSuppressed(ctx context.Context, d *patient.Dispatch, reason string) error
}

// ──────────────────────────────────────────────────
// Retry lifecycle hooks
// ──────────────────────────────────────────────────

// RetryScheduled is called when a failed message is scheduled for
// redelivery.
type RetryScheduled interface {
	OnRetryScheduled(ctx context.Context, d retry.Decision) error
}

// DeadLettered is called after a message is moved to the dead letter store.
type DeadLettered interface {
	OnDeadLettered(ctx context.Context, e *dlq.Entry) error
}

// Escalated is called when an internal operation exhausted its retries.
type Escalated interface {
	OnEscalated(ctx context.Context, op string, err error) error
}

// ──────────────────────────────────────────────────
// Configuration hooks
// ──────────────────────────────────────────────────

// ConfigApplied is called after a facility configuration became active.
type ConfigApplied interface {
	OnConfigApplied(ctx context.Context, c *facility.Compiled) error
}

// ConfigRejected is called when a facility configuration failed
// validation. The previous configuration, if any, stays active.
type ConfigRejected interface {
	OnConfigRejected(ctx context.Context, facilityID string, err error) error
}

// FacilityWithdrawn is called when a facility disappears from the
// configuration snapshot.
type FacilityWithdrawn interface {
	OnFacilityWithdrawn(ctx context.Context, facilityID string) error
}

// ──────────────────────────────────────────────────
// Periodic task hooks
// ──────────────────────────────────────────────────

// TaskRan is called after each run of a periodic engine task (sweep, fire,
// config refresh). err is nil on success.
type TaskRan interface {
	OnTaskRan(ctx context.Context, name string, elapsed time.Duration, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
