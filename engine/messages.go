package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/event"
	"github.com/CDCgov/nhsnlink-sub007/ingest"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
	"github.com/CDCgov/nhsnlink-sub007/scope"
	"github.com/CDCgov/nhsnlink-sub007/worker"
)

var _ worker.Outcome = outcome{}

// partitionKey returns the ordering key of m: the decoded event's partition
// key, or the raw message key for messages that do not decode.
func partitionKey(m *ingest.Message) string {
	if ev, err := event.Decode(m); err == nil {
		return ev.PartitionKey()
	}
	return string(m.Key)
}

// HandleMessage decodes m, runs it through the middleware chain and the
// matching handler, then acks, redelivers or dead-letters it.
func (e *Engine) HandleMessage(ctx context.Context, m *ingest.Message) error {
	return e.executor.Execute(ctx, m)
}

// route is the executor's handler.
func (e *Engine) route(ctx context.Context, m *ingest.Message) error {
	ev, err := event.Decode(m)
	if err != nil {
		return err
	}
	switch ev := ev.(type) {
	case event.PatientEvent:
		ctx = scope.Restore(ctx, ev.FacilityID, ev.CorrelationID)
		return e.HandlePatientEvent(ctx, ev)
	case event.ReportSubmitted:
		ctx = scope.Restore(ctx, ev.FacilityID, m.Header(ingest.HeaderCorrelationID))
		return e.HandleReportSubmitted(ctx, ev)
	default:
		return fmt.Errorf("%w: no handler for %s", event.ErrUnprocessable, ev.Type())
	}
}

// HandlePatientEvent creates a dispatch for every report-type set of the
// facility when a dispatch schedule matches the event type. Events for
// unconfigured facilities and unmatched event types are ignored.
func (e *Engine) HandlePatientEvent(ctx context.Context, ev event.PatientEvent) error {
	c, ok := e.Facility(ev.FacilityID)
	if !ok {
		e.logger.Warn("patient event for unconfigured facility",
			slog.String("facility_id", ev.FacilityID),
			slog.String("event_type", ev.EventType),
		)
		return nil
	}
	ds, ok := c.Schedules.Match(ev.EventType)
	if !ok {
		e.logger.Debug("no dispatch schedule for event",
			slog.String("facility_id", ev.FacilityID),
			slog.String("event_type", ev.EventType),
		)
		return nil
	}

	now := e.now()
	at := ev.OccurredAt
	if at.IsZero() {
		at = now
	}
	correlationID := ev.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var errs []error
	for _, set := range c.Sets {
		window, err := e.resolver.ResolvePeriod(set.Frequency, at)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		var r *report.ScheduledReport
		if window.Contains(now) {
			r, err = e.registerCurrent(ctx, c, set, now)
		} else {
			r, err = e.tracker.Get(ctx, report.TrackingID(c.FacilityID, set.Key, window.Start))
		}
		switch {
		case errors.Is(err, querydispatch.ErrReportNotFound):
			e.logger.Info("no report for event period",
				slog.String("facility_id", ev.FacilityID),
				slog.String("set", set.Key),
				slog.Time("occurred_at", at),
			)
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		case !r.Status().AcceptsDispatches():
			e.logger.Info("report not accepting dispatches",
				slog.String("facility_id", ev.FacilityID),
				slog.String("tracking_id", r.TrackingID),
				slog.String("status", string(r.Status())),
			)
			continue
		}

		_, _, err = e.dispatcher.CreatePatientDispatch(ctx, patient.CreateRequest{
			FacilityID:    ev.FacilityID,
			PatientID:     ev.PatientID,
			CorrelationID: correlationID,
			TriggeredAt:   at,
		}, r, ds)
		if errors.Is(err, querydispatch.ErrReportNotOpen) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleReportSubmitted moves the confirmed report to Submitted and
// suppresses whatever dispatches are still pending for it.
func (e *Engine) HandleReportSubmitted(ctx context.Context, ev event.ReportSubmitted) error {
	r, err := e.tracker.Get(ctx, ev.TrackingID)
	if errors.Is(err, querydispatch.ErrReportNotFound) {
		return fmt.Errorf("%w: %w", event.ErrUnprocessable, err)
	}
	if err != nil {
		return err
	}
	if r.FacilityID != ev.FacilityID {
		return fmt.Errorf("%w: report %s belongs to facility %s, not %s",
			event.ErrUnprocessable, r.TrackingID, r.FacilityID, ev.FacilityID)
	}

	_, _, err = e.tracker.Submit(ctx, ev.TrackingID)
	if errors.Is(err, querydispatch.ErrInvalidTransition) {
		e.logger.Warn("submission ignored",
			slog.String("facility_id", ev.FacilityID),
			slog.String("tracking_id", ev.TrackingID),
			slog.String("status", string(r.Status())),
		)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = e.dispatcher.SuppressReport(ctx, ev.FacilityID, ev.TrackingID, ReasonSubmitted)
	return err
}

// HandleFailure records a failed message with the retry coordinator and
// carries out its decision: redeliver after the backoff delay, or move the
// message to the dead-letter store and ack it. Unprocessable messages are
// dead-lettered on first failure.
func (e *Engine) HandleFailure(ctx context.Context, m *ingest.Message, cause error) (retry.Decision, error) {
	class := retry.Classify(cause)
	topic, partition, offset := m.Origin()
	coords := retry.Coordinates{Topic: topic, Partition: partition, Offset: offset, Key: string(m.Key)}
	facilityID, _ := scope.Capture(ctx)
	if facilityID == "" {
		facilityID = scope.FacilityFromKey(partitionKey(m))
	}

	d, err := e.retries.RecordFailure(ctx, retry.Failure{
		Coordinates: coords,
		FacilityID:  facilityID,
		Class:       class,
		Err:         cause,
		Delivery:    m.Delivery(),
	})
	if err != nil {
		return d, fmt.Errorf("engine: record failure: %w", err)
	}

	if d.Duplicate {
		// A newer copy was already redelivered or the message is already
		// dead-lettered.
		return d, e.ack(ctx, m)
	}

	switch d.Action {
	case retry.RetryAfter:
		if e.source == nil {
			return d, querydispatch.ErrNoSource
		}
		err := retry.Do(ctx, "source.redeliver", e.retries.Settings(), func(ctx context.Context) error {
			return e.source.Redeliver(ctx, m, d.Attempt, d.NextEligibleAt)
		})
		if err != nil {
			e.escalate(ctx, err)
			return d, fmt.Errorf("engine: redeliver %s: %w", coords, err)
		}
		if err := e.retries.MarkRedelivered(ctx, coords, d.Attempt); err != nil {
			// The redelivered copy still counts as the next attempt when it
			// fails; only a copy of this delivery may be redelivered twice.
			e.logger.Warn("redelivery not confirmed",
				slog.String("coordinates", coords.String()),
				slog.String("error", err.Error()),
			)
		}
		e.logger.Info("message scheduled for redelivery",
			slog.String("coordinates", coords.String()),
			slog.Int("attempt", d.Attempt),
			slog.Duration("delay", d.Delay),
			slog.String("error", errString(cause)),
		)
		e.extensions.EmitRetryScheduled(ctx, d)
		return d, nil

	default:
		entry, err := e.dlqService.Push(ctx, m, d, facilityID, cause)
		if err != nil {
			return d, fmt.Errorf("engine: dead-letter %s: %w", coords, err)
		}
		if err := e.retries.MarkDeadLettered(ctx, coords); err != nil {
			e.logger.Warn("dead-letter not confirmed",
				slog.String("coordinates", coords.String()),
				slog.String("error", err.Error()),
			)
		}
		e.logger.Warn("message dead-lettered",
			slog.String("coordinates", coords.String()),
			slog.String("dlq_id", entry.ID.String()),
			slog.String("reason", d.Reason),
			slog.Int("attempts", d.Attempt),
			slog.String("error", errString(cause)),
		)
		e.extensions.EmitDeadLettered(ctx, entry)
		return d, e.ack(ctx, m)
	}
}

func (e *Engine) ack(ctx context.Context, m *ingest.Message) error {
	if e.source == nil {
		return nil
	}
	if err := e.source.Ack(ctx, m); err != nil {
		return fmt.Errorf("engine: ack %s/%d/%d: %w", m.Topic, m.Partition, m.Offset, err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// outcome adapts the engine to worker.Outcome.
type outcome struct{ e *Engine }

// Succeeded clears the retry ledger of a redelivered message and acks it.
func (o outcome) Succeeded(ctx context.Context, m *ingest.Message, elapsed time.Duration) error {
	if m.Delivery() > 0 {
		topic, partition, offset := m.Origin()
		if err := o.e.retries.Resolve(ctx, retry.Coordinates{Topic: topic, Partition: partition, Offset: offset}); err != nil {
			o.e.logger.Warn("retry ledger not cleared", slog.String("error", err.Error()))
		}
	}
	o.e.logger.Debug("message processed",
		slog.String("topic", m.Topic),
		slog.Int64("offset", m.Offset),
		slog.Duration("elapsed", elapsed),
	)
	return o.e.ack(ctx, m)
}

// Failed hands the error to HandleFailure.
func (o outcome) Failed(ctx context.Context, m *ingest.Message, err error) error {
	_, ferr := o.e.HandleFailure(ctx, m, err)
	return ferr
}
