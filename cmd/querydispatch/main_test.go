package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/CDCgov/nhsnlink-sub007/frequency"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := loadSettings(viper.New(), "")
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.Store.Driver != "memory" {
		t.Errorf("driver = %q, want memory", s.Store.Driver)
	}
	if s.Kafka.DispatchTopic != "DataAcquisitionRequested" {
		t.Errorf("dispatch topic = %q", s.Kafka.DispatchTopic)
	}
	cfg, err := s.Engine.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if cfg.WeekStart != time.Monday {
		t.Errorf("week start = %v, want Monday", cfg.WeekStart)
	}
	if cfg.BaseDelay != 2*time.Second || cfg.MaxRetries != 3 {
		t.Errorf("retry = %v/%d", cfg.BaseDelay, cfg.MaxRetries)
	}
}

func TestLoadSettings_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "querydispatch.yaml")
	doc := `
store:
  driver: postgres
  url: postgres://localhost/qd
engine:
  weekStart: sunday
  fireInterval: 250ms
limits:
  - facilityId: fac-1
    limit:
      rate: 5
      burst: 2
roster:
  fac-1: [p-1, p-2]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("QUERYDISPATCH_STORE_DRIVER", "redis")

	s, err := loadSettings(viper.New(), path)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.Store.Driver != "redis" {
		t.Errorf("driver = %q, want env override redis", s.Store.Driver)
	}
	if s.Store.URL != "postgres://localhost/qd" {
		t.Errorf("url = %q", s.Store.URL)
	}
	if len(s.Limits) != 1 || s.Limits[0].FacilityID != "fac-1" || s.Limits[0].Limit.Burst != 2 {
		t.Errorf("limits = %+v", s.Limits)
	}
	if got := s.Roster["fac-1"]; len(got) != 2 {
		t.Errorf("roster = %v", got)
	}

	cfg, err := s.Engine.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if cfg.WeekStart != time.Sunday {
		t.Errorf("week start = %v, want Sunday", cfg.WeekStart)
	}
	if cfg.FireInterval != 250*time.Millisecond {
		t.Errorf("fire interval = %v", cfg.FireInterval)
	}
}

func TestLoadSettings_MissingExplicitFile(t *testing.T) {
	_, err := loadSettings(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestParseWeekday(t *testing.T) {
	tests := []struct {
		in   string
		want time.Weekday
		ok   bool
	}{
		{"", time.Monday, true},
		{"Monday", time.Monday, true},
		{"sun", time.Sunday, true},
		{"SATURDAY", time.Saturday, true},
		{"someday", 0, false},
	}
	for _, tt := range tests {
		got, err := parseWeekday(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("parseWeekday(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("parseWeekday(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug", "text"); err != nil {
		t.Errorf("text: %v", err)
	}
	if _, err := newLogger("info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := newLogger("loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestValidateSnapshot(t *testing.T) {
	doc := `
facilities:
  - facilityId: fac-1
    reportSets:
      - reportTypes: [Hypo]
        frequency: weekly
    dispatchSchedules:
      - event: Discharge
        duration: PT10S
  - facilityId: fac-2
    reportSets:
      - reportTypes: [Hypo]
        frequency: fortnightly
  - facilityId: fac-1
    reportSets:
      - reportTypes: [Hypo]
        frequency: daily
`
	var out bytes.Buffer
	err := validateSnapshot(&out, []byte(doc))
	if !errors.Is(err, errInvalidSnapshot) {
		t.Fatalf("err = %v, want errInvalidSnapshot", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), out.String())
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[1]), "ok") {
		t.Errorf("fac-1 line = %q", lines[1])
	}
	if !strings.Contains(lines[3], "duplicate") {
		t.Errorf("duplicate line = %q", lines[3])
	}
}

func TestResolve(t *testing.T) {
	r := frequency.NewResolver(frequency.WithWeekStart(time.Monday), frequency.WithLocation(time.UTC))
	var out bytes.Buffer
	err := resolve(&out, r, resolveFlags{
		frequency: "weekly",
		at:        "2024-05-15T10:00:00Z",
		event:     "Discharge",
		delay:     "PT10S",
	}, time.Time{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"[2024-05-13T00:00:00Z, 2024-05-20T00:00:00Z)",
		"[2024-05-20T00:00:00Z, 2024-05-27T00:00:00Z)",
		"fire at: 2024-05-15T10:00:10Z",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestResolve_InvalidFrequency(t *testing.T) {
	r := frequency.NewResolver()
	err := resolve(&bytes.Buffer{}, r, resolveFlags{frequency: "fortnightly"}, time.Now())
	var invalid *frequency.InvalidFrequencyError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidFrequencyError", err)
	}
}
