package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/ingest"
	"github.com/CDCgov/nhsnlink-sub007/middleware"
	"github.com/CDCgov/nhsnlink-sub007/scope"
)

// newFirstDelivery is a patient event read from its source topic.
func newFirstDelivery() *ingest.Message {
	return &ingest.Message{
		Topic:     "PatientEvent",
		Partition: 3,
		Offset:    42,
		Key:       []byte("fac-1/patient-9"),
		Headers: map[string]string{
			ingest.HeaderCorrelationID: "corr-1",
		},
	}
}

// newTestMessage is the second redelivery of newFirstDelivery, read back
// from the retry topic.
func newTestMessage() *ingest.Message {
	m := newFirstDelivery().Redelivery(2, time.Date(2024, 5, 15, 10, 0, 4, 0, time.UTC))
	m.Topic = "QueryDispatch-Retry"
	m.Partition = 0
	m.Offset = 7
	return m
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *ingest.Message, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *ingest.Message, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	if err := chain(context.Background(), newTestMessage(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	err := chain(context.Background(), newTestMessage(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	pass := func(ctx context.Context, _ *ingest.Message, next middleware.Handler) error {
		return next(ctx)
	}
	chain := middleware.Chain(pass)
	want := errors.New("handler error")

	err := chain(context.Background(), newTestMessage(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(slog.Default())

	err := mw(context.Background(), newTestMessage(), func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if got := err.Error(); got != "panic handling QueryDispatch-Retry/0/7: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(slog.Default())

	called := false
	err := mw(context.Background(), newTestMessage(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestScope_RestoresFacilityAndCorrelation(t *testing.T) {
	mw := middleware.Scope()

	var fac, corr string
	_ = mw(context.Background(), newTestMessage(), func(ctx context.Context) error {
		fac, corr = scope.Capture(ctx)
		return nil
	})
	if fac != "fac-1" {
		t.Errorf("facility = %q, want fac-1", fac)
	}
	if corr != "corr-1" {
		t.Errorf("correlation = %q, want corr-1", corr)
	}
}

func TestTimeout_SetsDeadline(t *testing.T) {
	mw := middleware.Timeout(50 * time.Millisecond)

	err := mw(context.Background(), newTestMessage(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline on the handler context")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_DefaultHandlerTimeout(t *testing.T) {
	cfg := querydispatch.DefaultConfig()
	mw := middleware.Timeout(cfg.HandlerTimeout)

	start := time.Now()
	_ = mw(context.Background(), newTestMessage(), func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("expected a deadline on the handler context")
		}
		if got := deadline.Sub(start); got <= 0 || got > cfg.HandlerTimeout {
			t.Errorf("deadline in %v, want within %v", got, cfg.HandlerTimeout)
		}
		return nil
	})
}

func TestTimeout_ParentDeadlineWins(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	want, _ := parent.Deadline()

	_ = middleware.Timeout(time.Hour)(parent, newTestMessage(), func(ctx context.Context) error {
		if got, _ := ctx.Deadline(); !got.Equal(want) {
			t.Errorf("deadline = %v, want parent %v", got, want)
		}
		return nil
	})
}

func TestTimeout_ZeroDisabled(t *testing.T) {
	mw := middleware.Timeout(0)
	_ = mw(context.Background(), newTestMessage(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline")
		}
		return nil
	})
}

func TestLogging_PassesError(t *testing.T) {
	mw := middleware.Logging(slog.Default())
	want := errors.New("boom")
	if err := mw(context.Background(), newTestMessage(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}
