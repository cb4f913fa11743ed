package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
	"github.com/CDCgov/nhsnlink-sub007/retry"
	"github.com/CDCgov/nhsnlink-sub007/scope"
)

// tracerName is the instrumentation scope name for message tracing.
const tracerName = "github.com/CDCgov/nhsnlink-sub007"

// Tracing returns middleware that wraps message handling in an
// OpenTelemetry span. Without a global TracerProvider the noop tracer is
// used.
//
// Span attributes include: messaging.destination.name,
// messaging.kafka.partition, messaging.kafka.offset, querydispatch.delivery,
// querydispatch.correlation_id and querydispatch.facility_id. Redelivered
// copies also carry querydispatch.origin, the ledger coordinates of the
// first delivery. Every span ends with querydispatch.outcome.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, m *ingest.Message, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("messaging.destination.name", m.Topic),
			attribute.Int("messaging.kafka.partition", m.Partition),
			attribute.Int64("messaging.kafka.offset", m.Offset),
			attribute.Int("querydispatch.delivery", m.Delivery()),
			attribute.String("querydispatch.correlation_id", m.Header(ingest.HeaderCorrelationID)),
			attribute.String("querydispatch.facility_id", scope.FacilityFromKey(string(m.Key))),
		}
		if m.Delivery() > 0 {
			topic, partition, offset := m.Origin()
			attrs = append(attrs, attribute.String("querydispatch.origin",
				retry.Coordinates{Topic: topic, Partition: partition, Offset: offset}.String()))
		}
		ctx, span := tracer.Start(ctx, "querydispatch.message.handle",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		span.SetAttributes(attribute.String("querydispatch.outcome", outcome(err)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
