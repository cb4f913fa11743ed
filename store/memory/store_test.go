package memory_test

import (
	"context"
	"testing"

	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/store/memory"
	"github.com/CDCgov/nhsnlink-sub007/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, memory.New())
}

func TestRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository(func() *patient.Dispatch { return new(patient.Dispatch) })

	d := &patient.Dispatch{Key: "k", FacilityID: "fac", PatientID: "p1"}
	if err := repo.Upsert(ctx, d, 0); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	d.PatientID = "mutated"

	got, err := repo.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PatientID != "p1" {
		t.Errorf("PatientID = %q, want p1", got.PatientID)
	}
	if repo.Len() != 1 {
		t.Errorf("Len = %d, want 1", repo.Len())
	}
}
