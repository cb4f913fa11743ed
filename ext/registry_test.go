package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/ext"
	"github.com/CDCgov/nhsnlink-sub007/facility"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) record(name string) error {
	e.calls = append(e.calls, name)
	return nil
}

func (e *allHooksExt) OnReportRegistered(context.Context, *report.ScheduledReport) error {
	return e.record("OnReportRegistered")
}

func (e *allHooksExt) OnPeriodTransitioned(context.Context, *report.ScheduledReport, report.Status, report.Status) error {
	return e.record("OnPeriodTransitioned")
}

func (e *allHooksExt) OnDispatchCreated(context.Context, *patient.Dispatch) error {
	return e.record("OnDispatchCreated")
}

func (e *allHooksExt) OnDispatchDeduplicated(context.Context, *patient.Dispatch) error {
	return e.record("OnDispatchDeduplicated")
}

func (e *allHooksExt) OnDispatchEmitted(context.Context, *patient.Dispatch) error {
	return e.record("OnDispatchEmitted")
}

func (e *allHooksExt) OnDispatchSuppressed(context.Context, *patient.Dispatch, string) error {
	return e.record("OnDispatchSuppressed")
}

func (e *allHooksExt) OnRetryScheduled(context.Context, retry.Decision) error {
	return e.record("OnRetryScheduled")
}

func (e *allHooksExt) OnDeadLettered(context.Context, *dlq.Entry) error {
	return e.record("OnDeadLettered")
}

func (e *allHooksExt) OnEscalated(context.Context, string, error) error {
	return e.record("OnEscalated")
}

func (e *allHooksExt) OnConfigApplied(context.Context, *facility.Compiled) error {
	return e.record("OnConfigApplied")
}

func (e *allHooksExt) OnConfigRejected(context.Context, string, error) error {
	return e.record("OnConfigRejected")
}

func (e *allHooksExt) OnFacilityWithdrawn(context.Context, string) error {
	return e.record("OnFacilityWithdrawn")
}

func (e *allHooksExt) OnShutdown(context.Context) error {
	return e.record("OnShutdown")
}

// dispatchOnlyExt only implements dispatch-related hooks.
type dispatchOnlyExt struct {
	calls []string
}

func (e *dispatchOnlyExt) Name() string { return "dispatch-only" }

func (e *dispatchOnlyExt) OnDispatchCreated(context.Context, *patient.Dispatch) error {
	e.calls = append(e.calls, "OnDispatchCreated")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnDispatchCreated(context.Context, *patient.Dispatch) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	do := &dispatchOnlyExt{}
	r.Register(all)
	r.Register(do)

	ctx := context.Background()
	d := &patient.Dispatch{Key: "k"}

	r.EmitDispatchCreated(ctx, d)
	if len(all.calls) != 1 || len(do.calls) != 1 {
		t.Fatalf("expected both called once, got all=%v do=%v", all.calls, do.calls)
	}

	r.EmitDispatchEmitted(ctx, d)
	if len(all.calls) != 2 || all.calls[1] != "OnDispatchEmitted" {
		t.Fatalf("all: expected OnDispatchEmitted as 2nd, got %v", all.calls)
	}
	if len(do.calls) != 1 {
		t.Fatalf("dispatch-only: should still have 1 call, got %v", do.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	rep := &report.ScheduledReport{}
	d := &patient.Dispatch{}

	r.EmitReportRegistered(ctx, rep)
	r.EmitPeriodTransition(ctx, rep, report.StatusScheduled, report.StatusEndOfPeriod)
	r.EmitDispatchCreated(ctx, d)
	r.EmitDispatchDeduplicated(ctx, d)
	r.EmitDispatchEmitted(ctx, d)
	r.EmitDispatchSuppressed(ctx, d, "canceled")
	r.EmitRetryScheduled(ctx, retry.Decision{Action: retry.RetryAfter})
	r.EmitDeadLettered(ctx, &dlq.Entry{})
	r.EmitEscalated(ctx, "sweep", errors.New("x"))
	r.EmitConfigApplied(ctx, &facility.Compiled{})
	r.EmitConfigRejected(ctx, "fac", errors.New("x"))
	r.EmitFacilityWithdrawn(ctx, "fac")
	r.EmitShutdown(ctx)

	expected := []string{
		"OnReportRegistered", "OnPeriodTransitioned",
		"OnDispatchCreated", "OnDispatchDeduplicated", "OnDispatchEmitted", "OnDispatchSuppressed",
		"OnRetryScheduled", "OnDeadLettered", "OnEscalated",
		"OnConfigApplied", "OnConfigRejected", "OnFacilityWithdrawn", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(&failingExt{})
	r.Register(all)

	r.EmitDispatchCreated(context.Background(), &patient.Dispatch{})

	if len(all.calls) != 1 || all.calls[0] != "OnDispatchCreated" {
		t.Fatalf("all: expected [OnDispatchCreated] despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(nil)
	ctx := context.Background()

	r.EmitReportRegistered(ctx, &report.ScheduledReport{})
	r.EmitDispatchSuppressed(ctx, &patient.Dispatch{}, "x")
	r.EmitDeadLettered(ctx, &dlq.Entry{})
	r.EmitShutdown(ctx)
}
