package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/cron"
	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/facility"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
)

// Compile-time checks: the registry is the emitter the trackers report to.
var (
	_ report.Emitter  = (*Registry)(nil)
	_ patient.Emitter = (*Registry)(nil)
	_ cron.Emitter    = (*Registry)(nil)
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	reportRegistered     []entry[ReportRegistered]
	periodTransitioned   []entry[PeriodTransitioned]
	dispatchCreated      []entry[DispatchCreated]
	dispatchDeduplicated []entry[DispatchDeduplicated]
	dispatchEmitted      []entry[DispatchEmitted]
	dispatchSuppressed   []entry[DispatchSuppressed]
	retryScheduled       []entry[RetryScheduled]
	deadLettered         []entry[DeadLettered]
	escalated            []entry[Escalated]
	configApplied        []entry[ConfigApplied]
	configRejected       []entry[ConfigRejected]
	facilityWithdrawn    []entry[FacilityWithdrawn]
	taskRan              []entry[TaskRan]
	shutdown             []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func add[H any](dst *[]entry[H], name string, e Extension) {
	if h, ok := e.(H); ok {
		*dst = append(*dst, entry[H]{name, h})
	}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	add(&r.reportRegistered, name, e)
	add(&r.periodTransitioned, name, e)
	add(&r.dispatchCreated, name, e)
	add(&r.dispatchDeduplicated, name, e)
	add(&r.dispatchEmitted, name, e)
	add(&r.dispatchSuppressed, name, e)
	add(&r.retryScheduled, name, e)
	add(&r.deadLettered, name, e)
	add(&r.escalated, name, e)
	add(&r.configApplied, name, e)
	add(&r.configRejected, name, e)
	add(&r.facilityWithdrawn, name, e)
	add(&r.taskRan, name, e)
	add(&r.shutdown, name, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Report event emitters
// ──────────────────────────────────────────────────

// EmitReportRegistered notifies all extensions that implement ReportRegistered.
func (r *Registry) EmitReportRegistered(ctx context.Context, rep *report.ScheduledReport) {
	for _, e := range r.reportRegistered {
		if err := e.hook.OnReportRegistered(ctx, rep); err != nil {
			r.logHookError("OnReportRegistered", e.name, err)
		}
	}
}

// EmitPeriodTransition notifies all extensions that implement PeriodTransitioned.
func (r *Registry) EmitPeriodTransition(ctx context.Context, rep *report.ScheduledReport, from, to report.Status) {
	for _, e := range r.periodTransitioned {
		if err := e.hook.OnPeriodTransitioned(ctx, rep, from, to); err != nil {
			r.logHookError("OnPeriodTransitioned", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Dispatch event emitters
// ──────────────────────────────────────────────────

// EmitDispatchCreated notifies all extensions that implement DispatchCreated.
func (r *Registry) EmitDispatchCreated(ctx context.Context, d *patient.Dispatch) {
	for _, e := range r.dispatchCreated {
		if err := e.hook.OnDispatchCreated(ctx, d); err != nil {
			r.logHookError("OnDispatchCreated", e.name, err)
		}
	}
}

// EmitDispatchDeduplicated notifies all extensions that implement DispatchDeduplicated.
func (r *Registry) EmitDispatchDeduplicated(ctx context.Context, d *patient.Dispatch) {
	for _, e := range r.dispatchDeduplicated {
		if err := e.hook.OnDispatchDeduplicated(ctx, d); err != nil {
			r.logHookError("OnDispatchDeduplicated", e.name, err)
		}
	}
}

// EmitDispatchEmitted notifies all extensions that implement DispatchEmitted.
func (r *Registry) EmitDispatchEmitted(ctx context.Context, d *patient.Dispatch) {
	for _, e := range r.dispatchEmitted {
		if err := e.hook.OnDispatchEmitted(ctx, d); err != nil {
			r.logHookError("OnDispatchEmitted", e.name, err)
		}
	}
}

// EmitDispatchSuppressed notifies all extensions that implement DispatchSuppressed.
func (r *Registry) EmitDispatchSuppressed(ctx context.Context, d *patient.Dispatch, reason string) {
	for _, e := range r.dispatchSuppressed {
		if err := e.hook.OnDispatchSuppressed(ctx, d, reason); err != nil {
			r.logHookError("OnDispatchSuppressed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Retry event emitters
// ──────────────────────────────────────────────────

// EmitRetryScheduled notifies all extensions that implement RetryScheduled.
func (r *Registry) EmitRetryScheduled(ctx context.Context, d retry.Decision) {
	for _, e := range r.retryScheduled {
		if err := e.hook.OnRetryScheduled(ctx, d); err != nil {
			r.logHookError("OnRetryScheduled", e.name, err)
		}
	}
}

// EmitDeadLettered notifies all extensions that implement DeadLettered.
func (r *Registry) EmitDeadLettered(ctx context.Context, entry *dlq.Entry) {
	for _, e := range r.deadLettered {
		if err := e.hook.OnDeadLettered(ctx, entry); err != nil {
			r.logHookError("OnDeadLettered", e.name, err)
		}
	}
}

// EmitEscalated notifies all extensions that implement Escalated.
func (r *Registry) EmitEscalated(ctx context.Context, op string, cause error) {
	for _, e := range r.escalated {
		if err := e.hook.OnEscalated(ctx, op, cause); err != nil {
			r.logHookError("OnEscalated", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Configuration event emitters
// ──────────────────────────────────────────────────

// EmitConfigApplied notifies all extensions that implement ConfigApplied.
func (r *Registry) EmitConfigApplied(ctx context.Context, c *facility.Compiled) {
	for _, e := range r.configApplied {
		if err := e.hook.OnConfigApplied(ctx, c); err != nil {
			r.logHookError("OnConfigApplied", e.name, err)
		}
	}
}

// EmitConfigRejected notifies all extensions that implement ConfigRejected.
func (r *Registry) EmitConfigRejected(ctx context.Context, facilityID string, cause error) {
	for _, e := range r.configRejected {
		if err := e.hook.OnConfigRejected(ctx, facilityID, cause); err != nil {
			r.logHookError("OnConfigRejected", e.name, err)
		}
	}
}

// EmitFacilityWithdrawn notifies all extensions that implement FacilityWithdrawn.
func (r *Registry) EmitFacilityWithdrawn(ctx context.Context, facilityID string) {
	for _, e := range r.facilityWithdrawn {
		if err := e.hook.OnFacilityWithdrawn(ctx, facilityID); err != nil {
			r.logHookError("OnFacilityWithdrawn", e.name, err)
		}
	}
}

// EmitTaskRan notifies all extensions that implement TaskRan.
func (r *Registry) EmitTaskRan(ctx context.Context, name string, elapsed time.Duration, err error) {
	for _, e := range r.taskRan {
		if herr := e.hook.OnTaskRan(ctx, name, elapsed, err); herr != nil {
			r.logHookError("OnTaskRan", e.name, herr)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
