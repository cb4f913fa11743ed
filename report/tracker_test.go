package report_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/frequency"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/store/memory"
)

type recorder struct {
	mu          sync.Mutex
	registered  int
	transitions []string
}

func (r *recorder) EmitReportRegistered(context.Context, *report.ScheduledReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered++
}

func (r *recorder) EmitPeriodTransition(_ context.Context, _ *report.ScheduledReport, from, to report.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, string(from)+"->"+string(to))
}

var (
	weekStart = time.Date(2024, time.May, 13, 0, 0, 0, 0, time.UTC)
	weekEnd   = weekStart.AddDate(0, 0, 7)
)

func newTracker(t *testing.T, now *time.Time) (*report.Tracker, *recorder) {
	t.Helper()
	rec := &recorder{}
	tr := report.NewTracker(memory.New().Reports(),
		report.WithEmitter(rec),
		report.WithClock(func() time.Time { return *now }),
	)
	return tr, rec
}

func register(t *testing.T, tr *report.Tracker, scheduled bool) *report.ScheduledReport {
	t.Helper()
	r, _, err := tr.Register(context.Background(), report.RegisterInput{
		FacilityID:  "fac-1",
		ReportTypes: []string{"NHSNdQMAcuteCareHospitalInitialPopulation"},
		Frequency:   frequency.Weekly,
		Window:      frequency.Period{Start: weekStart, End: weekEnd},
		Scheduled:   scheduled,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func TestRegister_Idempotent(t *testing.T) {
	now := weekStart.Add(time.Hour)
	tr, rec := newTracker(t, &now)
	ctx := context.Background()

	in := report.RegisterInput{
		FacilityID:  "fac-1",
		ReportTypes: []string{"B", "A", "A"},
		Frequency:   frequency.Weekly,
		Window:      frequency.Period{Start: weekStart, End: weekEnd},
		Scheduled:   true,
	}
	first, created, err := tr.Register(ctx, in)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !created {
		t.Error("first Register: created = false, want true")
	}
	if first.Status() != report.StatusScheduled {
		t.Errorf("Status = %s, want Scheduled", first.Status())
	}
	if got := first.SetKey; got != "weekly:A+B" {
		t.Errorf("SetKey = %q, want %q", got, "weekly:A+B")
	}

	in.ReportTypes = []string{"A", "B"}
	second, created, err := tr.Register(ctx, in)
	if err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if created {
		t.Error("second Register: created = true, want false")
	}
	if second.TrackingID != first.TrackingID {
		t.Errorf("TrackingID = %s, want %s", second.TrackingID, first.TrackingID)
	}
	if rec.registered != 1 {
		t.Errorf("registered events = %d, want 1", rec.registered)
	}
}

func TestRegister_PromotesNewWhenScheduled(t *testing.T) {
	now := weekStart
	tr, rec := newTracker(t, &now)

	r := register(t, tr, false)
	if r.Status() != report.StatusNew {
		t.Fatalf("Status = %s, want New", r.Status())
	}
	r = register(t, tr, true)
	if r.Status() != report.StatusScheduled {
		t.Errorf("Status = %s, want Scheduled", r.Status())
	}
	if r.Period.ModifiedAt == nil {
		t.Error("ModifiedAt not set on promotion")
	}
	if len(rec.transitions) != 1 || rec.transitions[0] != "New->Scheduled" {
		t.Errorf("transitions = %v, want [New->Scheduled]", rec.transitions)
	}
}

func TestRegister_Validation(t *testing.T) {
	now := weekStart
	tr, _ := newTracker(t, &now)
	ctx := context.Background()

	tests := []struct {
		name string
		in   report.RegisterInput
		want error
	}{
		{"no types", report.RegisterInput{FacilityID: "f", Frequency: frequency.Daily, Window: frequency.Period{Start: weekStart, End: weekEnd}}, querydispatch.ErrNoReportTypes},
		{"inverted window", report.RegisterInput{FacilityID: "f", ReportTypes: []string{"A"}, Frequency: frequency.Daily, Window: frequency.Period{Start: weekEnd, End: weekStart}}, querydispatch.ErrInvalidWindow},
		{"empty window", report.RegisterInput{FacilityID: "f", ReportTypes: []string{"A"}, Frequency: frequency.Daily, Window: frequency.Period{Start: weekStart, End: weekStart}}, querydispatch.ErrInvalidWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := tr.Register(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCloseIfDue(t *testing.T) {
	now := weekStart.Add(24 * time.Hour)
	tr, rec := newTracker(t, &now)
	ctx := context.Background()
	r := register(t, tr, true)

	got, changed, err := tr.CloseIfDue(ctx, r.TrackingID, now)
	if err != nil {
		t.Fatalf("CloseIfDue before end: %v", err)
	}
	if changed || got.Status() != report.StatusScheduled {
		t.Errorf("before end: changed=%v status=%s, want false Scheduled", changed, got.Status())
	}

	late := weekEnd.Add(90 * time.Minute)
	got, changed, err = tr.CloseIfDue(ctx, r.TrackingID, late)
	if err != nil {
		t.Fatalf("CloseIfDue: %v", err)
	}
	if !changed {
		t.Fatal("changed = false, want true")
	}
	if got.Status() != report.StatusEndOfPeriod {
		t.Errorf("Status = %s, want EndOfPeriod", got.Status())
	}
	if got.Period.Lateness != 90*time.Minute {
		t.Errorf("Lateness = %v, want 90m", got.Period.Lateness)
	}
	if got.Period.EndedAt == nil || !got.Period.EndedAt.Equal(late) {
		t.Errorf("EndedAt = %v, want %v", got.Period.EndedAt, late)
	}
	if len(rec.transitions) != 1 {
		t.Errorf("transitions = %v, want one", rec.transitions)
	}
}

func TestCloseIfDue_ExactlyOneWinner(t *testing.T) {
	now := weekEnd
	tr, rec := newTracker(t, &now)
	r := register(t, tr, true)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := tr.CloseIfDue(context.Background(), r.TrackingID, weekEnd)
			if err != nil {
				t.Errorf("CloseIfDue: %v", err)
			}
			if changed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("winners = %d, want 1", winners.Load())
	}
	if len(rec.transitions) != 1 {
		t.Errorf("transition events = %d, want 1", len(rec.transitions))
	}
}

func TestTransitions_Monotonic(t *testing.T) {
	now := weekEnd
	tr, _ := newTracker(t, &now)
	ctx := context.Background()
	r := register(t, tr, true)

	if _, _, err := tr.Submit(ctx, r.TrackingID); !errors.Is(err, querydispatch.ErrInvalidTransition) {
		t.Errorf("Submit from Scheduled: err = %v, want ErrInvalidTransition", err)
	}
	if _, _, err := tr.CloseIfDue(ctx, r.TrackingID, now); err != nil {
		t.Fatalf("CloseIfDue: %v", err)
	}
	if _, _, err := tr.Schedule(ctx, r.TrackingID); !errors.Is(err, querydispatch.ErrInvalidTransition) {
		t.Errorf("Schedule from EndOfPeriod: err = %v, want ErrInvalidTransition", err)
	}
	got, changed, err := tr.Submit(ctx, r.TrackingID)
	if err != nil || !changed {
		t.Fatalf("Submit: changed=%v err=%v", changed, err)
	}
	if got.Period.SubmittedAt == nil {
		t.Error("SubmittedAt not set")
	}
	if _, _, err := tr.Cancel(ctx, r.TrackingID, "withdrawn"); !errors.Is(err, querydispatch.ErrInvalidTransition) {
		t.Errorf("Cancel from Submitted: err = %v, want ErrInvalidTransition", err)
	}
	// Repeating the winning transition is a no-op.
	if _, changed, err := tr.Submit(ctx, r.TrackingID); err != nil || changed {
		t.Errorf("second Submit: changed=%v err=%v, want false nil", changed, err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to report.Status
		want     bool
	}{
		{report.StatusNew, report.StatusScheduled, true},
		{report.StatusNew, report.StatusEndOfPeriod, false},
		{report.StatusScheduled, report.StatusEndOfPeriod, true},
		{report.StatusScheduled, report.StatusNew, false},
		{report.StatusEndOfPeriod, report.StatusSubmitted, true},
		{report.StatusEndOfPeriod, report.StatusScheduled, false},
		{report.StatusSubmitted, report.StatusCanceled, false},
		{report.StatusCanceled, report.StatusScheduled, false},
	}
	for _, tt := range tests {
		if got := report.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSupersede(t *testing.T) {
	now := weekStart
	tr, _ := newTracker(t, &now)
	ctx := context.Background()
	r := register(t, tr, false)

	got, changed, err := tr.Supersede(ctx, r.TrackingID, "next-tracking")
	if err != nil || !changed {
		t.Fatalf("Supersede: changed=%v err=%v", changed, err)
	}
	if got.Status() != report.StatusCanceled || got.SupersededBy != "next-tracking" {
		t.Errorf("got status=%s supersededBy=%q", got.Status(), got.SupersededBy)
	}

	open, err := tr.Open(ctx, "fac-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("Open = %d reports, want 0", len(open))
	}
}

func TestGet_NotFound(t *testing.T) {
	now := weekStart
	tr, _ := newTracker(t, &now)
	if _, err := tr.Get(context.Background(), "missing"); !errors.Is(err, querydispatch.ErrReportNotFound) {
		t.Errorf("err = %v, want ErrReportNotFound", err)
	}
}

func TestTrackingID_Deterministic(t *testing.T) {
	a := report.TrackingID("fac-1", "weekly:A", weekStart)
	b := report.TrackingID("fac-1", "weekly:A", weekStart.In(time.FixedZone("x", 3600)))
	c := report.TrackingID("fac-1", "weekly:A", weekEnd)
	if a != b {
		t.Errorf("same instant in different zones: %s != %s", a, b)
	}
	if a == c {
		t.Error("different periods share a tracking id")
	}
}
