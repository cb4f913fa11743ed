package facility_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/CDCgov/nhsnlink-sub007/facility"
	"github.com/CDCgov/nhsnlink-sub007/frequency"
	"github.com/CDCgov/nhsnlink-sub007/schedule"
)

func validConfig() facility.Config {
	return facility.Config{
		FacilityID: "fac-1",
		ReportSets: []facility.ReportSet{
			{ReportTypes: []string{"Hypo", "Hyper"}, Frequency: "Weekly"},
		},
		DispatchSchedules: []facility.ScheduleSpec{
			{Event: "Discharge", Duration: "PT10S"},
		},
	}
}

func TestCompile(t *testing.T) {
	c, err := validConfig().Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(c.Sets) != 1 || c.Sets[0].Frequency != frequency.Weekly {
		t.Errorf("Sets = %+v", c.Sets)
	}
	if c.Sets[0].Key != "weekly:Hyper+Hypo" {
		t.Errorf("Key = %q", c.Sets[0].Key)
	}
	if _, ok := c.Schedules.Match("discharge"); !ok {
		t.Error("schedule for Discharge missing")
	}
}

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*facility.Config)
		as     any
	}{
		{"bad frequency", func(c *facility.Config) { c.ReportSets[0].Frequency = "fortnightly" }, new(*frequency.InvalidFrequencyError)},
		{"bad duration", func(c *facility.Config) { c.DispatchSchedules[0].Duration = "10s" }, new(*schedule.InvalidDurationFormatError)},
		{"missing facility", func(c *facility.Config) { c.FacilityID = "" }, nil},
		{"no report sets", func(c *facility.Config) { c.ReportSets = nil }, nil},
		{"empty report type", func(c *facility.Config) { c.ReportSets[0].ReportTypes = []string{""} }, nil},
		{"duplicate event", func(c *facility.Config) {
			c.DispatchSchedules = append(c.DispatchSchedules, facility.ScheduleSpec{Event: "discharge", Duration: "PT1M"})
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			_, err := c.Compile()
			var ce *facility.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want *ConfigurationError", err)
			}
			if tt.as != nil && !errors.As(err, tt.as) {
				t.Errorf("err = %v, want to unwrap to %T", err, tt.as)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	compile := func(c facility.Config) *facility.Compiled {
		t.Helper()
		out, err := c.Compile()
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		return out
	}
	a := validConfig()
	b := validConfig()
	b.FacilityID = "fac-2"
	bChanged := b
	bChanged.DispatchSchedules = []facility.ScheduleSpec{{Event: "Admission", Duration: "PT1H"}}
	c := validConfig()
	c.FacilityID = "fac-3"

	prev := map[string]*facility.Compiled{"fac-1": compile(a), "fac-2": compile(b)}
	next := map[string]*facility.Compiled{"fac-1": compile(a), "fac-2": compile(bChanged), "fac-3": compile(c)}

	got := facility.Diff(prev, next)
	if len(got.Added) != 1 || got.Added[0] != "fac-3" {
		t.Errorf("Added = %v", got.Added)
	}
	if len(got.Changed) != 1 || got.Changed[0] != "fac-2" {
		t.Errorf("Changed = %v", got.Changed)
	}
	if len(got.Unchanged) != 1 || got.Unchanged[0] != "fac-1" {
		t.Errorf("Unchanged = %v", got.Unchanged)
	}

	gone := facility.Diff(next, map[string]*facility.Compiled{})
	if len(gone.Removed) != 3 {
		t.Errorf("Removed = %v, want 3", gone.Removed)
	}
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facilities.yaml")
	doc := `
facilities:
  - facilityId: fac-1
    reportSets:
      - reportTypes: [Hypo]
        frequency: Monthly
    dispatchSchedules:
      - event: Admission
        duration: PT2H
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfgs, err := facility.FileProvider{Path: path}.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(cfgs) != 1 || cfgs[0].FacilityID != "fac-1" {
		t.Fatalf("cfgs = %+v", cfgs)
	}
	if _, err := cfgs[0].Compile(); err != nil {
		t.Errorf("Compile: %v", err)
	}
}
