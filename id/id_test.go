package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/CDCgov/nhsnlink-sub007/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"ReportID", id.NewReportID, "rpt_"},
		{"DispatchID", id.NewDispatchID, "pdsp_"},
		{"DLQID", id.NewDLQID, "dlq_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRejectsOtherKinds(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"report rejects dispatch", id.NewDispatchID().String(), id.ParseReportID},
		{"dispatch rejects dlq", id.NewDLQID().String(), id.ParseDispatchID},
		{"dlq rejects report", id.NewReportID().String(), id.ParseDLQID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error for cross-kind parse of %q", tt.input)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	original := id.NewDispatchID()
	parsed, err := id.ParseDispatchID(original.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.String() != original.String() {
		t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
}

func TestJSONField(t *testing.T) {
	type holder struct {
		ID id.ReportID `json:"id"`
	}
	in := holder{ID: id.NewReportID()}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out holder
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.ID.String() != in.ID.String() {
		t.Errorf("ID = %q, want %q", out.ID, in.ID)
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewDLQID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if scanErr := scanned.Scan(val); scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if scanned.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	var nilID id.ID
	val, err = nilID.Value()
	if err != nil {
		t.Fatalf("Value(nil) failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil value for nil ID, got %v", val)
	}
}

func TestUniqueness(t *testing.T) {
	a := id.NewDispatchID()
	b := id.NewDispatchID()
	if a.String() == b.String() {
		t.Errorf("two consecutive NewDispatchID() calls returned the same ID: %q", a.String())
	}
}
