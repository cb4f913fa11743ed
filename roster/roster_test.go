package roster_test

import (
	"context"
	"testing"

	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/roster"
)

func TestStatic(t *testing.T) {
	p := roster.Static{"fac": {"p2", "p1"}}
	got, err := p.Patients(context.Background(), &report.ScheduledReport{FacilityID: "fac"})
	if err != nil {
		t.Fatalf("Patients: %v", err)
	}
	if len(got) != 2 || got[0] != "p1" {
		t.Errorf("Patients = %v, want [p1 p2]", got)
	}
	none, _ := p.Patients(context.Background(), &report.ScheduledReport{FacilityID: "other"})
	if len(none) != 0 {
		t.Errorf("Patients(other) = %v, want empty", none)
	}
}
