package middleware_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/CDCgov/nhsnlink-sub007/event"
	mw "github.com/CDCgov/nhsnlink-sub007/middleware"
)

func newMeteredChain(timeout time.Duration) (mw.Middleware, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return mw.Chain(mw.MetricsWithMeter(mp.Meter("querydispatch-test")), mw.Timeout(timeout)), reader
}

// handledCounts returns the handled counter keyed by "topic|status|redelivered".
func handledCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "querydispatch.message.handled" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("handled data = %T, want Sum[int64]", m.Data)
			}
			for _, dp := range sum.DataPoints {
				topic, _ := dp.Attributes.Value(attribute.Key("topic"))
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				redelivered, _ := dp.Attributes.Value(attribute.Key("redelivered"))
				key := fmt.Sprintf("%s|%s|%t", topic.AsString(), status.AsString(), redelivered.AsBool())
				out[key] += dp.Value
			}
		}
	}
	return out
}

func TestMetrics_StatusByFailureClass(t *testing.T) {
	chain, reader := newMeteredChain(0)
	ctx := context.Background()

	fresh := newFirstDelivery()
	_ = chain(ctx, fresh, func(context.Context) error { return nil })
	_ = chain(ctx, fresh, func(context.Context) error { return fmt.Errorf("store down") })
	_ = chain(ctx, fresh, func(context.Context) error {
		return fmt.Errorf("decode: %w", event.ErrUnprocessable)
	})

	got := handledCounts(t, reader)
	want := map[string]int64{
		"PatientEvent|ok|false":        1,
		"PatientEvent|transient|false": 1,
		"PatientEvent|poison|false":    1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("handled[%s] = %d, want %d (all: %v)", k, got[k], v, got)
		}
	}
}

func TestMetrics_RedeliveredCountsAgainstOriginTopic(t *testing.T) {
	chain, reader := newMeteredChain(0)

	_ = chain(context.Background(), newTestMessage(), func(context.Context) error {
		return fmt.Errorf("report service unavailable")
	})

	got := handledCounts(t, reader)
	if got["PatientEvent|transient|true"] != 1 {
		t.Errorf("handled = %v, want one transient redelivery on PatientEvent", got)
	}
	if _, ok := got["QueryDispatch-Retry|transient|true"]; ok {
		t.Error("redelivery counted against the retry topic")
	}
}

func TestMetrics_HandlerTimeout(t *testing.T) {
	chain, reader := newMeteredChain(20 * time.Millisecond)

	err := chain(context.Background(), newFirstDelivery(), func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("fetch report: %w", ctx.Err())
	})
	if err == nil {
		t.Fatal("expected the handler to time out")
	}

	got := handledCounts(t, reader)
	if got["PatientEvent|timeout|false"] != 1 {
		t.Errorf("handled = %v, want one timeout", got)
	}
}

func TestMetrics_DurationRecorded(t *testing.T) {
	chain, reader := newMeteredChain(0)
	_ = chain(context.Background(), newFirstDelivery(), func(context.Context) error { return nil })

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "querydispatch.message.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("duration = %+v", m.Data)
			}
			return
		}
	}
	t.Fatal("querydispatch.message.duration not recorded")
}

func TestMetrics_DefaultNoopSafe(t *testing.T) {
	called := false
	err := mw.Metrics()(context.Background(), newTestMessage(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("err = %v, called = %v", err, called)
	}
}
