package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/ext"
	"github.com/CDCgov/nhsnlink-sub007/facility"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/scope"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Extension)(nil)
	_ ext.ReportRegistered   = (*Extension)(nil)
	_ ext.PeriodTransitioned = (*Extension)(nil)
	_ ext.DispatchCreated    = (*Extension)(nil)
	_ ext.DispatchEmitted    = (*Extension)(nil)
	_ ext.DispatchSuppressed = (*Extension)(nil)
	_ ext.DeadLettered       = (*Extension)(nil)
	_ ext.ConfigApplied      = (*Extension)(nil)
	_ ext.ConfigRejected     = (*Extension)(nil)
	_ ext.FacilityWithdrawn  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Who and when
	FacilityID    string    `json:"facilityId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`

	// Details
	ResourceID string         `json:"resourceId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges scheduling lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Report lifecycle hooks ──────────────────────────

// OnReportRegistered implements ext.ReportRegistered.
func (e *Extension) OnReportRegistered(ctx context.Context, r *report.ScheduledReport) error {
	return e.record(ctx, ActionReportCreated, SeverityInfo, OutcomeSuccess,
		ResourceReport, r.TrackingID, CategoryReport, r.FacilityID, nil,
		"report_types", strings.Join(r.ReportTypes, ","),
		"frequency", string(r.Frequency),
		"start_date", r.StartDate.Format(time.RFC3339),
		"end_date", r.EndDate.Format(time.RFC3339),
		"status", string(r.Status()),
	)
}

// OnPeriodTransitioned implements ext.PeriodTransitioned.
func (e *Extension) OnPeriodTransitioned(ctx context.Context, r *report.ScheduledReport, from, to report.Status) error {
	severity := SeverityInfo
	if to == report.StatusCanceled {
		severity = SeverityWarning
	}
	kv := []any{
		"from", string(from),
		"to", string(to),
		"start_date", r.StartDate.Format(time.RFC3339),
		"end_date", r.EndDate.Format(time.RFC3339),
	}
	if r.Period.Lateness > 0 {
		kv = append(kv, "lateness_ms", r.Period.Lateness.Milliseconds())
	}
	if r.Period.CancelReason != "" {
		kv = append(kv, "cancel_reason", r.Period.CancelReason)
	}
	return e.record(ctx, ActionReportTransitioned, severity, OutcomeSuccess,
		ResourceReport, r.TrackingID, CategoryReport, r.FacilityID, nil, kv...)
}

// ── Dispatch lifecycle hooks ────────────────────────

// OnDispatchCreated implements ext.DispatchCreated.
func (e *Extension) OnDispatchCreated(ctx context.Context, d *patient.Dispatch) error {
	return e.record(ctx, ActionDispatchCreated, SeverityInfo, OutcomeSuccess,
		ResourceDispatch, d.Key, CategoryDispatch, d.FacilityID, nil,
		"patient_id", d.PatientID,
		"event_type", d.EventType,
		"tracking_id", d.TrackingID,
		"fire_at", d.FireAt.Format(time.RFC3339),
	)
}

// OnDispatchEmitted implements ext.DispatchEmitted.
func (e *Extension) OnDispatchEmitted(ctx context.Context, d *patient.Dispatch) error {
	return e.record(ctx, ActionDispatchEmitted, SeverityInfo, OutcomeSuccess,
		ResourceDispatch, d.Key, CategoryDispatch, d.FacilityID, nil,
		"patient_id", d.PatientID,
		"event_type", d.EventType,
		"tracking_id", d.TrackingID,
	)
}

// OnDispatchSuppressed implements ext.DispatchSuppressed.
func (e *Extension) OnDispatchSuppressed(ctx context.Context, d *patient.Dispatch, reason string) error {
	return e.record(ctx, ActionDispatchSuppressed, SeverityWarning, OutcomeFailure,
		ResourceDispatch, d.Key, CategoryDispatch, d.FacilityID, nil,
		"patient_id", d.PatientID,
		"tracking_id", d.TrackingID,
		"suppressed_for", reason,
	)
}

// ── Message lifecycle hooks ─────────────────────────

// OnDeadLettered implements ext.DeadLettered.
func (e *Extension) OnDeadLettered(ctx context.Context, entry *dlq.Entry) error {
	var err error
	if entry.Error != "" {
		err = fmt.Errorf("%s", entry.Error)
	}
	return e.record(ctx, ActionMessageDeadLetter, SeverityCritical, OutcomeFailure,
		ResourceDLQ, entry.ID.String(), CategoryMessage, entry.FacilityID, err,
		"coordinates", entry.Coordinates.String(),
		"attempts", entry.Attempts,
		"dlq_reason", entry.Reason,
	)
}

// ── Configuration hooks ─────────────────────────────

// OnConfigApplied implements ext.ConfigApplied.
func (e *Extension) OnConfigApplied(ctx context.Context, c *facility.Compiled) error {
	return e.record(ctx, ActionConfigApplied, SeverityInfo, OutcomeSuccess,
		ResourceFacility, c.FacilityID, CategoryConfig, c.FacilityID, nil,
		"report_sets", len(c.Sets),
		"fingerprint", c.Fingerprint,
	)
}

// OnConfigRejected implements ext.ConfigRejected.
func (e *Extension) OnConfigRejected(ctx context.Context, facilityID string, cfgErr error) error {
	return e.record(ctx, ActionConfigRejected, SeverityWarning, OutcomeFailure,
		ResourceFacility, facilityID, CategoryConfig, facilityID, cfgErr)
}

// OnFacilityWithdrawn implements ext.FacilityWithdrawn.
func (e *Extension) OnFacilityWithdrawn(ctx context.Context, facilityID string) error {
	return e.record(ctx, ActionFacilityWithdrawn, SeverityWarning, OutcomeSuccess,
		ResourceFacility, facilityID, CategoryConfig, facilityID, nil)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category, facilityID string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	_, correlationID := scope.Capture(ctx)
	evt := &AuditEvent{
		Action:        action,
		Resource:      resource,
		Category:      category,
		FacilityID:    facilityID,
		CorrelationID: correlationID,
		OccurredAt:    e.now(),
		ResourceID:    resourceID,
		Metadata:      meta,
		Outcome:       outcome,
		Severity:      severity,
		Reason:        reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.Any("error", recErr),
		)
	}
	return nil
}
