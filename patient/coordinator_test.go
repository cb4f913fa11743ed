package patient_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/frequency"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/schedule"
	"github.com/CDCgov/nhsnlink-sub007/store/memory"
)

var t0 = time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	tracker *report.Tracker
	coord   *patient.Coordinator
	report  *report.ScheduledReport
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	f := &fixture{now: t0}
	clock := func() time.Time { return f.now }
	f.tracker = report.NewTracker(s.Reports(), report.WithClock(clock))
	f.coord = patient.NewCoordinator(s.Dispatches(), f.tracker, patient.WithClock(clock))

	r, _, err := f.tracker.Register(context.Background(), report.RegisterInput{
		FacilityID:  "fac-1",
		ReportTypes: []string{"Hypo"},
		Frequency:   frequency.Weekly,
		Window:      frequency.Period{Start: t0.AddDate(0, 0, -2), End: t0.AddDate(0, 0, 5)},
		Scheduled:   true,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.report = r
	return f
}

func admission(patientID string) patient.CreateRequest {
	return patient.CreateRequest{FacilityID: "fac-1", PatientID: patientID, CorrelationID: "corr-1", TriggeredAt: t0}
}

func TestCreatePatientDispatch_FireTime(t *testing.T) {
	f := newFixture(t)
	ds := schedule.MustParse(patient.EventDischarge, "PT10S")

	d, outcome, err := f.coord.CreatePatientDispatch(context.Background(), admission("p-1"), f.report, ds)
	if err != nil {
		t.Fatalf("CreatePatientDispatch: %v", err)
	}
	if outcome != patient.Created {
		t.Errorf("outcome = %s, want created", outcome)
	}
	if want := t0.Add(10 * time.Second); !d.FireAt.Equal(want) {
		t.Errorf("FireAt = %v, want %v", d.FireAt, want)
	}
	if d.State != patient.StatePending {
		t.Errorf("State = %s, want pending", d.State)
	}
	if d.Key != patient.DedupKey("fac-1", "p-1", f.report.TrackingID, patient.EventDischarge) {
		t.Errorf("Key = %q", d.Key)
	}
}

func TestCreatePatientDispatch_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ds := schedule.MustParse(patient.EventAdmission, "PT1H")

	first, _, err := f.coord.CreatePatientDispatch(ctx, admission("p-1"), f.report, ds)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, outcome, err := f.coord.CreatePatientDispatch(ctx, admission("p-1"), f.report, ds)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if outcome != patient.Deduplicated {
		t.Errorf("outcome = %s, want deduplicated", outcome)
	}
	if second.ID != first.ID {
		t.Errorf("ID = %s, want %s", second.ID, first.ID)
	}
}

func TestCreatePatientDispatch_ConcurrentAdmissions(t *testing.T) {
	f := newFixture(t)
	ds := schedule.MustParse(patient.EventAdmission, "PT1H")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[patient.Outcome]int{}
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, o, err := f.coord.CreatePatientDispatch(context.Background(), admission("p-1"), f.report, ds)
			if err != nil {
				t.Errorf("CreatePatientDispatch: %v", err)
				return
			}
			mu.Lock()
			outcomes[o]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[patient.Created] != 1 || outcomes[patient.Deduplicated] != 1 {
		t.Errorf("outcomes = %v, want one created and one deduplicated", outcomes)
	}
	pending, err := f.coord.Pending(context.Background(), "fac-1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestCreatePatientDispatch_ReportNotOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	canceled, _, err := f.tracker.Cancel(ctx, f.report.TrackingID, "withdrawn")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_, _, err = f.coord.CreatePatientDispatch(ctx, admission("p-1"), canceled, schedule.MustParse(patient.EventAdmission, "PT0S"))
	if !errors.Is(err, querydispatch.ErrReportNotOpen) {
		t.Errorf("err = %v, want ErrReportNotOpen", err)
	}
}

func TestRelease_EmitsWhenDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _, err := f.coord.CreatePatientDispatch(ctx, admission("p-1"), f.report, schedule.MustParse(patient.EventDischarge, "PT10S"))
	if err != nil {
		t.Fatalf("CreatePatientDispatch: %v", err)
	}

	var sent []*patient.Dispatch
	send := func(_ context.Context, d *patient.Dispatch) error {
		sent = append(sent, d)
		return nil
	}

	res, err := f.coord.Release(ctx, d.Key, t0.Add(5*time.Second), send)
	if err != nil || res != patient.Skipped {
		t.Fatalf("early Release = %s, %v; want skipped", res, err)
	}

	res, err = f.coord.Release(ctx, d.Key, t0.Add(10*time.Second), send)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res != patient.Emitted {
		t.Errorf("result = %s, want emitted", res)
	}
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}

	res, _ = f.coord.Release(ctx, d.Key, t0.Add(time.Minute), send)
	if res != patient.Skipped || len(sent) != 1 {
		t.Errorf("second Release = %s with %d sends, want skipped and 1", res, len(sent))
	}
}

func TestRelease_CanceledReportSuppresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _, err := f.coord.CreatePatientDispatch(ctx, admission("p-1"), f.report, schedule.MustParse(patient.EventDischarge, "PT10S"))
	if err != nil {
		t.Fatalf("CreatePatientDispatch: %v", err)
	}
	if _, _, err := f.tracker.Cancel(ctx, f.report.TrackingID, "facility withdrawn"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	sends := 0
	res, err := f.coord.Release(ctx, d.Key, t0.Add(time.Minute), func(context.Context, *patient.Dispatch) error {
		sends++
		return nil
	})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res != patient.Suppressed {
		t.Errorf("result = %s, want suppressed", res)
	}
	if sends != 0 {
		t.Errorf("sends = %d, want 0", sends)
	}
}

func TestRelease_SendFailureStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _, _ := f.coord.CreatePatientDispatch(ctx, admission("p-1"), f.report, schedule.MustParse(patient.EventDischarge, "PT0S"))

	_, err := f.coord.Release(ctx, d.Key, t0, func(context.Context, *patient.Dispatch) error {
		return errors.New("broker down")
	})
	if err == nil {
		t.Fatal("expected send error")
	}
	due, err := f.coord.Due(ctx, "fac-1", t0, 0)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("due = %d, want 1", len(due))
	}
}

func TestCreateForPeriodEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.now = f.report.EndDate
	closed, _, err := f.tracker.CloseIfDue(ctx, f.report.TrackingID, f.now)
	if err != nil {
		t.Fatalf("CloseIfDue: %v", err)
	}
	ds := schedule.MustParse(patient.EventEndOfPeriod, "PT0S")

	res, err := f.coord.CreateForPeriodEnd(ctx, closed, ds, []string{"p-1", "p-2", "p-2", ""}, "corr")
	if err != nil {
		t.Fatalf("CreateForPeriodEnd: %v", err)
	}
	if res.Created != 2 || res.Deduplicated != 0 {
		t.Errorf("result = %+v, want 2 created", res)
	}

	res, err = f.coord.CreateForPeriodEnd(ctx, closed, ds, []string{"p-1", "p-3"}, "corr")
	if err != nil {
		t.Fatalf("second CreateForPeriodEnd: %v", err)
	}
	if res.Created != 1 || res.Deduplicated != 1 {
		t.Errorf("second result = %+v, want 1 created 1 deduplicated", res)
	}
}

func TestSuppressFacility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ds := schedule.MustParse(patient.EventAdmission, "PT1H")
	for _, p := range []string{"p-1", "p-2"} {
		if _, _, err := f.coord.CreatePatientDispatch(ctx, admission(p), f.report, ds); err != nil {
			t.Fatalf("CreatePatientDispatch: %v", err)
		}
	}

	n, err := f.coord.SuppressFacility(ctx, "fac-1", "facility withdrawn")
	if err != nil {
		t.Fatalf("SuppressFacility: %v", err)
	}
	if n != 2 {
		t.Errorf("suppressed = %d, want 2", n)
	}
	pending, _ := f.coord.Pending(ctx, "fac-1")
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestDedupKey_Escapes(t *testing.T) {
	a := patient.DedupKey("f", "p|x", "t", "e")
	b := patient.DedupKey("f", "p", "x|t", "e")
	if a == b {
		t.Errorf("distinct identities collide: %q", a)
	}
}
