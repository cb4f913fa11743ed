// Package storetest is a conformance suite for store.Store backends.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/id"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/store"
)

// Run exercises s through every repository it exposes. s must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	t.Run("InsertGet", func(t *testing.T) { insertGet(ctx, t, s) })
	t.Run("InsertOnlyConflict", func(t *testing.T) { insertOnly(ctx, t, s) })
	t.Run("VersionedUpdate", func(t *testing.T) { versionedUpdate(ctx, t, s) })
	t.Run("ListByFacility", func(t *testing.T) { listByFacility(ctx, t, s) })
	t.Run("ListDue", func(t *testing.T) { listDue(ctx, t, s) })
	t.Run("Delete", func(t *testing.T) { deleteRecord(ctx, t, s) })
	t.Run("ConcurrentInsertSingleWinner", func(t *testing.T) { concurrentInsert(ctx, t, s) })
}

func newReport(facility, types string, start time.Time) *report.ScheduledReport {
	setKey := report.SetKey("weekly", []string{types})
	return &report.ScheduledReport{
		Entity:      querydispatch.NewEntity(),
		ID:          id.NewReportID(),
		FacilityID:  facility,
		ReportTypes: []string{types},
		Frequency:   "weekly",
		SetKey:      setKey,
		StartDate:   start,
		EndDate:     start.AddDate(0, 0, 7),
		TrackingID:  report.TrackingID(facility, setKey, start),
		Period:      report.Period{Status: report.StatusScheduled, CreatedAt: start},
	}
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func insertGet(ctx context.Context, t *testing.T, s store.Store) {
	r := newReport("fac-get", "Hypo", epoch)
	if err := s.Reports().Upsert(ctx, r, 0); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if r.RecordVersion() != 1 {
		t.Errorf("version after insert = %d, want 1", r.RecordVersion())
	}
	got, err := s.Reports().Get(ctx, r.TrackingID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FacilityID != "fac-get" || got.Status() != report.StatusScheduled || got.RecordVersion() != 1 {
		t.Errorf("Get = %+v", got)
	}
	if !got.StartDate.Equal(r.StartDate) {
		t.Errorf("StartDate = %v, want %v", got.StartDate, r.StartDate)
	}
	if _, err := s.Reports().Get(ctx, "missing"); !errors.Is(err, querydispatch.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func insertOnly(ctx context.Context, t *testing.T, s store.Store) {
	r := newReport("fac-ins", "Hypo", epoch)
	if err := s.Reports().Upsert(ctx, r, 0); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	dup := newReport("fac-ins", "Hypo", epoch)
	if err := s.Reports().Upsert(ctx, dup, 0); !errors.Is(err, querydispatch.ErrVersionConflict) {
		t.Errorf("second insert = %v, want ErrVersionConflict", err)
	}
	if dup.RecordVersion() != 0 {
		t.Errorf("losing record version = %d, want 0", dup.RecordVersion())
	}
}

func versionedUpdate(ctx context.Context, t *testing.T, s store.Store) {
	r := newReport("fac-upd", "Hypo", epoch)
	if err := s.Reports().Upsert(ctx, r, 0); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	a, _ := s.Reports().Get(ctx, r.TrackingID)
	b, _ := s.Reports().Get(ctx, r.TrackingID)

	a.Period.Status = report.StatusEndOfPeriod
	if err := s.Reports().Upsert(ctx, a, a.RecordVersion()); err != nil {
		t.Fatalf("Upsert a: %v", err)
	}
	if a.RecordVersion() != 2 {
		t.Errorf("version = %d, want 2", a.RecordVersion())
	}

	b.Period.Status = report.StatusCanceled
	if err := s.Reports().Upsert(ctx, b, b.RecordVersion()); !errors.Is(err, querydispatch.ErrVersionConflict) {
		t.Fatalf("stale Upsert = %v, want ErrVersionConflict", err)
	}

	got, _ := s.Reports().Get(ctx, r.TrackingID)
	if got.Status() != report.StatusEndOfPeriod {
		t.Errorf("Status = %s, want EndOfPeriod", got.Status())
	}

	ghost := newReport("fac-upd", "Other", epoch)
	if err := s.Reports().Upsert(ctx, ghost, 3); !errors.Is(err, querydispatch.ErrVersionConflict) {
		t.Errorf("update of missing = %v, want ErrVersionConflict", err)
	}
}

func listByFacility(ctx context.Context, t *testing.T, s store.Store) {
	for i, fac := range []string{"fac-l1", "fac-l1", "fac-l2"} {
		r := newReport(fac, "Hypo", epoch.AddDate(0, 0, 7*i))
		if err := s.Reports().Upsert(ctx, r, 0); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	got, err := s.Reports().ListByFacility(ctx, "fac-l1")
	if err != nil {
		t.Fatalf("ListByFacility: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].TrackingID > got[1].TrackingID {
		t.Error("ListByFacility not ordered by key")
	}
	all, err := s.Reports().List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) < 3 {
		t.Errorf("List len = %d, want >= 3", len(all))
	}
}

func newDispatch(facility, patientID string, fireAt time.Time) *patient.Dispatch {
	return &patient.Dispatch{
		Entity:     querydispatch.NewEntity(),
		ID:         id.NewDispatchID(),
		Key:        patient.DedupKey(facility, patientID, "trk", patient.EventDischarge),
		FacilityID: facility,
		PatientID:  patientID,
		EventType:  patient.EventDischarge,
		FireAt:     fireAt,
		State:      patient.StatePending,
	}
}

func listDue(ctx context.Context, t *testing.T, s store.Store) {
	now := epoch.Add(time.Hour)
	late := newDispatch("fac-due", "p-late", now.Add(-time.Minute))
	early := newDispatch("fac-due", "p-early", now.Add(-30*time.Minute))
	exact := newDispatch("fac-due", "p-exact", now)
	future := newDispatch("fac-due", "p-future", now.Add(time.Minute))
	done := newDispatch("fac-due", "p-done", now.Add(-time.Hour))
	other := newDispatch("fac-due-other", "p-other", now.Add(-time.Hour))
	for _, d := range []*patient.Dispatch{late, early, exact, future, done, other} {
		if err := s.Dispatches().Upsert(ctx, d, 0); err != nil {
			t.Fatalf("Upsert %s: %v", d.PatientID, err)
		}
	}

	// A dispatch leaves the due index once it is terminal.
	done.State = patient.StateDispatched
	if err := s.Dispatches().Upsert(ctx, done, done.RecordVersion()); err != nil {
		t.Fatalf("Upsert done: %v", err)
	}

	got, err := s.Dispatches().ListDue(ctx, "fac-due", now, 0)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	want := []string{"p-early", "p-late", "p-exact"}
	if len(got) != len(want) {
		t.Fatalf("ListDue len = %d, want %d", len(got), len(want))
	}
	for i, d := range got {
		if d.PatientID != want[i] {
			t.Errorf("ListDue[%d] = %s, want %s", i, d.PatientID, want[i])
		}
		if d.RecordVersion() == 0 {
			t.Errorf("ListDue[%d] has no version", i)
		}
	}

	limited, err := s.Dispatches().ListDue(ctx, "fac-due", now, 2)
	if err != nil {
		t.Fatalf("ListDue limit: %v", err)
	}
	if len(limited) != 2 || limited[0].PatientID != "p-early" || limited[1].PatientID != "p-late" {
		t.Errorf("ListDue limit 2 = %d records", len(limited))
	}

	if err := s.Dispatches().Delete(ctx, early.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = s.Dispatches().ListDue(ctx, "fac-due", now.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("ListDue after delete: %v", err)
	}
	if len(got) != 3 || got[2].PatientID != "p-future" {
		t.Errorf("ListDue after delete = %d records", len(got))
	}
}

func deleteRecord(ctx context.Context, t *testing.T, s store.Store) {
	d := newDispatch("fac-del", "p1", epoch)
	if err := s.Dispatches().Upsert(ctx, d, 0); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Dispatches().Delete(ctx, d.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Dispatches().Get(ctx, d.Key); !errors.Is(err, querydispatch.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	if err := s.Dispatches().Delete(ctx, d.Key); !errors.Is(err, querydispatch.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func concurrentInsert(ctx context.Context, t *testing.T, s store.Store) {
	const n = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := &patient.Dispatch{
				Entity:     querydispatch.NewEntity(),
				ID:         id.NewDispatchID(),
				Key:        patient.DedupKey("fac-cc", "p1", "trk", patient.EventAdmission),
				FacilityID: "fac-cc",
				State:      patient.StatePending,
			}
			err := s.Dispatches().Upsert(ctx, d, 0)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, querydispatch.ErrVersionConflict):
				t.Errorf("Upsert: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Errorf("winners = %d, want 1", got)
	}
}
