package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
)

// meterName is the instrumentation scope name for message metrics.
const meterName = "github.com/CDCgov/nhsnlink-sub007"

// Metrics returns middleware that records per-message handling metrics
// using the global OTel MeterProvider. If no MeterProvider is configured,
// noop instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - querydispatch.message.duration (Float64Histogram): handling time in
//     seconds, with attributes: topic, status, redelivered
//   - querydispatch.message.handled (Int64Counter): total messages handled,
//     with attributes: topic, status, redelivered
//
// status is one of "ok", "transient", "poison" or "timeout". topic is the
// origin topic, so redelivered copies count against the topic they were
// first read from.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"querydispatch.message.duration",
		metric.WithDescription("Duration of message handling in seconds"),
		metric.WithUnit("s"),
	)
	handled, _ := meter.Int64Counter(
		"querydispatch.message.handled",
		metric.WithDescription("Total number of messages handled"),
		metric.WithUnit("{message}"),
	)

	return func(ctx context.Context, m *ingest.Message, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		topic, _, _ := m.Origin()
		attrs := metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("status", outcome(err)),
			attribute.Bool("redelivered", m.Delivery() > 0),
		)

		duration.Record(ctx, elapsed, attrs)
		handled.Add(ctx, 1, attrs)

		return err
	}
}
