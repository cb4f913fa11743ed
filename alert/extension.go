package alert

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/ext"
	"github.com/CDCgov/nhsnlink-sub007/report"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Extension)(nil)
	_ ext.ConfigRejected     = (*Extension)(nil)
	_ ext.DeadLettered       = (*Extension)(nil)
	_ ext.Escalated          = (*Extension)(nil)
	_ ext.PeriodTransitioned = (*Extension)(nil)
)

// Extension routes engine lifecycle hooks to a Notifier.
type Extension struct {
	notifier      Notifier
	lateThreshold time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures an Extension.
type Option func(*Extension)

// WithLateThreshold sets how late a period closure must be to alert. Zero
// alerts on every late closure.
func WithLateThreshold(d time.Duration) Option {
	return func(e *Extension) { e.lateThreshold = d }
}

// WithLogger sets the logger used when delivery fails.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// NewExtension creates an Extension delivering through n.
func NewExtension(n Notifier, opts ...Option) *Extension {
	e := &Extension{
		notifier: n,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "alert" }

// OnConfigRejected implements ext.ConfigRejected.
func (e *Extension) OnConfigRejected(ctx context.Context, facilityID string, err error) error {
	return e.send(ctx, Alert{
		Kind:       KindConfigRejected,
		Level:      LevelWarning,
		FacilityID: facilityID,
		Title:      "facility configuration rejected",
		Message:    err.Error(),
	})
}

// OnDeadLettered implements ext.DeadLettered.
func (e *Extension) OnDeadLettered(ctx context.Context, entry *dlq.Entry) error {
	return e.send(ctx, Alert{
		Kind:       KindDeadLetter,
		Level:      LevelCritical,
		FacilityID: entry.FacilityID,
		Title:      "message dead-lettered",
		Message:    entry.Error,
		Fields: map[string]string{
			"coordinates": entry.Coordinates.String(),
			"attempts":    strconv.Itoa(entry.Attempts),
			"reason":      entry.Reason,
			"dlq_id":      entry.ID.String(),
		},
	})
}

// OnEscalated implements ext.Escalated.
func (e *Extension) OnEscalated(ctx context.Context, op string, err error) error {
	return e.send(ctx, Alert{
		Kind:    KindEscalation,
		Level:   LevelCritical,
		Title:   "operation escalated after retries: " + op,
		Message: err.Error(),
		Fields:  map[string]string{"op": op},
	})
}

// OnPeriodTransitioned implements ext.PeriodTransitioned. Only closures that
// happened later than the threshold alert.
func (e *Extension) OnPeriodTransitioned(ctx context.Context, r *report.ScheduledReport, _, to report.Status) error {
	if to != report.StatusEndOfPeriod || r.Period.Lateness <= 0 || r.Period.Lateness < e.lateThreshold {
		return nil
	}
	return e.send(ctx, Alert{
		Kind:       KindLateClosure,
		Level:      LevelWarning,
		FacilityID: r.FacilityID,
		Title:      "reporting period closed late",
		Message:    "period " + r.StartDate.Format(time.RFC3339) + " to " + r.EndDate.Format(time.RFC3339) + " closed " + r.Period.Lateness.String() + " after its end",
		Fields: map[string]string{
			"tracking_id": r.TrackingID,
			"lateness":    r.Period.Lateness.String(),
		},
	})
}

func (e *Extension) send(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = e.now()
	}
	if err := e.notifier.Notify(ctx, a); err != nil {
		e.logger.Warn("alert: delivery failed",
			slog.String("kind", string(a.Kind)),
			slog.String("facility_id", a.FacilityID),
			slog.Any("error", err),
		)
	}
	return nil
}
