package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/ext"
	"github.com/CDCgov/nhsnlink-sub007/facility"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
)

const meterName = "github.com/CDCgov/nhsnlink-sub007/observability"

// Compile-time interface checks.
var (
	_ ext.Extension            = (*MetricsExtension)(nil)
	_ ext.ReportRegistered     = (*MetricsExtension)(nil)
	_ ext.PeriodTransitioned   = (*MetricsExtension)(nil)
	_ ext.DispatchCreated      = (*MetricsExtension)(nil)
	_ ext.DispatchDeduplicated = (*MetricsExtension)(nil)
	_ ext.DispatchEmitted      = (*MetricsExtension)(nil)
	_ ext.DispatchSuppressed   = (*MetricsExtension)(nil)
	_ ext.RetryScheduled       = (*MetricsExtension)(nil)
	_ ext.DeadLettered         = (*MetricsExtension)(nil)
	_ ext.Escalated            = (*MetricsExtension)(nil)
	_ ext.ConfigApplied        = (*MetricsExtension)(nil)
	_ ext.ConfigRejected       = (*MetricsExtension)(nil)
	_ ext.TaskRan              = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle metrics through an OpenTelemetry meter.
// Register it with the engine to track period and dispatch throughput.
type MetricsExtension struct {
	reportsRegistered  metric.Int64Counter
	periodTransitions  metric.Int64Counter
	closureLateness    metric.Float64Histogram
	dispatchCreated    metric.Int64Counter
	dispatchDeduped    metric.Int64Counter
	dispatchEmitted    metric.Int64Counter
	dispatchSuppressed metric.Int64Counter
	retriesScheduled   metric.Int64Counter
	deadLettered       metric.Int64Counter
	escalations        metric.Int64Counter
	configApplied      metric.Int64Counter
	configRejected     metric.Int64Counter
	taskDuration       metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global meter
// provider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the given
// meter. Useful for testing with a ManualReader.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	reportsRegistered, _ := meter.Int64Counter("querydispatch.report.registered",
		metric.WithDescription("Reporting periods registered"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	periodTransitions, _ := meter.Int64Counter("querydispatch.report.transitions",
		metric.WithDescription("Reporting period status transitions"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	closureLateness, _ := meter.Float64Histogram("querydispatch.report.closure_lateness",
		metric.WithDescription("Delay between a period's end and its closure"),
		metric.WithUnit("s"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	dispatchCreated, _ := meter.Int64Counter("querydispatch.dispatch.created",
		metric.WithDescription("Patient dispatches created"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	dispatchDeduped, _ := meter.Int64Counter("querydispatch.dispatch.deduplicated",
		metric.WithDescription("Triggers collapsed onto an existing dispatch"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	dispatchEmitted, _ := meter.Int64Counter("querydispatch.dispatch.emitted",
		metric.WithDescription("Patient dispatches handed to the sink"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	dispatchSuppressed, _ := meter.Int64Counter("querydispatch.dispatch.suppressed",
		metric.WithDescription("Pending dispatches dropped"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	retriesScheduled, _ := meter.Int64Counter("querydispatch.retry.scheduled",
		metric.WithDescription("Failed messages scheduled for redelivery"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	deadLettered, _ := meter.Int64Counter("querydispatch.dlq.entries",
		metric.WithDescription("Messages moved to the dead letter store"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	escalations, _ := meter.Int64Counter("querydispatch.escalations",
		metric.WithDescription("Internal operations that exhausted their retries"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	configApplied, _ := meter.Int64Counter("querydispatch.config.applied",
		metric.WithDescription("Facility configurations activated"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	configRejected, _ := meter.Int64Counter("querydispatch.config.rejected",
		metric.WithDescription("Facility configurations rejected"))
	//nolint:errcheck // OTel instrument creation never fails with valid names.
	taskDuration, _ := meter.Float64Histogram("querydispatch.task.duration",
		metric.WithDescription("Periodic engine task run time"),
		metric.WithUnit("s"))

	return &MetricsExtension{
		reportsRegistered:  reportsRegistered,
		periodTransitions:  periodTransitions,
		closureLateness:    closureLateness,
		dispatchCreated:    dispatchCreated,
		dispatchDeduped:    dispatchDeduped,
		dispatchEmitted:    dispatchEmitted,
		dispatchSuppressed: dispatchSuppressed,
		retriesScheduled:   retriesScheduled,
		deadLettered:       deadLettered,
		escalations:        escalations,
		configApplied:      configApplied,
		configRejected:     configRejected,
		taskDuration:       taskDuration,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func facilityAttr(facilityID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("facility_id", facilityID))
}

// ── Report lifecycle hooks ──────────────────────────

// OnReportRegistered implements ext.ReportRegistered.
func (m *MetricsExtension) OnReportRegistered(ctx context.Context, r *report.ScheduledReport) error {
	m.reportsRegistered.Add(ctx, 1, facilityAttr(r.FacilityID))
	return nil
}

// OnPeriodTransitioned implements ext.PeriodTransitioned.
func (m *MetricsExtension) OnPeriodTransitioned(ctx context.Context, r *report.ScheduledReport, from, to report.Status) error {
	m.periodTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("facility_id", r.FacilityID),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	if to == report.StatusEndOfPeriod {
		m.closureLateness.Record(ctx, r.Period.Lateness.Seconds(), facilityAttr(r.FacilityID))
	}
	return nil
}

// ── Dispatch lifecycle hooks ────────────────────────

// OnDispatchCreated implements ext.DispatchCreated.
func (m *MetricsExtension) OnDispatchCreated(ctx context.Context, d *patient.Dispatch) error {
	m.dispatchCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("facility_id", d.FacilityID),
		attribute.String("event_type", d.EventType),
	))
	return nil
}

// OnDispatchDeduplicated implements ext.DispatchDeduplicated.
func (m *MetricsExtension) OnDispatchDeduplicated(ctx context.Context, d *patient.Dispatch) error {
	m.dispatchDeduped.Add(ctx, 1, facilityAttr(d.FacilityID))
	return nil
}

// OnDispatchEmitted implements ext.DispatchEmitted.
func (m *MetricsExtension) OnDispatchEmitted(ctx context.Context, d *patient.Dispatch) error {
	m.dispatchEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("facility_id", d.FacilityID),
		attribute.String("event_type", d.EventType),
	))
	return nil
}

// OnDispatchSuppressed implements ext.DispatchSuppressed.
func (m *MetricsExtension) OnDispatchSuppressed(ctx context.Context, d *patient.Dispatch, reason string) error {
	m.dispatchSuppressed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("facility_id", d.FacilityID),
		attribute.String("reason", reason),
	))
	return nil
}

// ── Retry lifecycle hooks ───────────────────────────

// OnRetryScheduled implements ext.RetryScheduled.
func (m *MetricsExtension) OnRetryScheduled(ctx context.Context, d retry.Decision) error {
	m.retriesScheduled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", d.Coordinates.Topic),
	))
	return nil
}

// OnDeadLettered implements ext.DeadLettered.
func (m *MetricsExtension) OnDeadLettered(ctx context.Context, e *dlq.Entry) error {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", e.Coordinates.Topic),
		attribute.String("reason", e.Reason),
	))
	return nil
}

// OnEscalated implements ext.Escalated.
func (m *MetricsExtension) OnEscalated(ctx context.Context, op string, _ error) error {
	m.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	return nil
}

// ── Configuration hooks ─────────────────────────────

// OnConfigApplied implements ext.ConfigApplied.
func (m *MetricsExtension) OnConfigApplied(ctx context.Context, c *facility.Compiled) error {
	m.configApplied.Add(ctx, 1, facilityAttr(c.FacilityID))
	return nil
}

// OnConfigRejected implements ext.ConfigRejected.
func (m *MetricsExtension) OnConfigRejected(ctx context.Context, facilityID string, _ error) error {
	m.configRejected.Add(ctx, 1, facilityAttr(facilityID))
	return nil
}

// ── Periodic task hooks ─────────────────────────────

// OnTaskRan implements ext.TaskRan.
func (m *MetricsExtension) OnTaskRan(ctx context.Context, name string, elapsed time.Duration, err error) error {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.taskDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("task", name),
		attribute.String("status", status),
	))
	return nil
}
