package frequency_test

import (
	"errors"
	"testing"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/frequency"
)

func date(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func TestResolvePeriod_WeeklyMondayStart(t *testing.T) {
	r := frequency.NewResolver(frequency.WithWeekStart(time.Monday))

	// Wednesday 2024-05-15 10:00.
	p, err := r.ResolvePeriod(frequency.Weekly, date(2024, time.May, 15, 10))
	if err != nil {
		t.Fatalf("ResolvePeriod: %v", err)
	}
	if want := date(2024, time.May, 13, 0); !p.Start.Equal(want) {
		t.Errorf("Start = %v, want %v", p.Start, want)
	}
	if want := date(2024, time.May, 20, 0); !p.End.Equal(want) {
		t.Errorf("End = %v, want %v", p.End, want)
	}
}

func TestResolvePeriod_WeeklySundayStart(t *testing.T) {
	r := frequency.NewResolver(frequency.WithWeekStart(time.Sunday))

	p, err := r.ResolvePeriod(frequency.Weekly, date(2024, time.May, 15, 10))
	if err != nil {
		t.Fatalf("ResolvePeriod: %v", err)
	}
	if want := date(2024, time.May, 12, 0); !p.Start.Equal(want) {
		t.Errorf("Start = %v, want %v", p.Start, want)
	}
}

func TestResolvePeriod_Calendar(t *testing.T) {
	r := frequency.NewResolver()

	tests := []struct {
		name      string
		f         frequency.Frequency
		ref       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"daily", frequency.Daily, date(2024, time.March, 3, 23), date(2024, time.March, 3, 0), date(2024, time.March, 4, 0)},
		{"monthly leap february", frequency.Monthly, date(2024, time.February, 29, 12), date(2024, time.February, 1, 0), date(2024, time.March, 1, 0)},
		{"monthly december", frequency.Monthly, date(2023, time.December, 31, 23), date(2023, time.December, 1, 0), date(2024, time.January, 1, 0)},
		{"daily boundary belongs to new period", frequency.Daily, date(2024, time.March, 4, 0), date(2024, time.March, 4, 0), date(2024, time.March, 5, 0)},
		{"weekly boundary belongs to new period", frequency.Weekly, date(2024, time.May, 20, 0), date(2024, time.May, 20, 0), date(2024, time.May, 27, 0)},
		{"fixed interval", frequency.Frequency("PT6H"), date(2024, time.May, 15, 13), date(2024, time.May, 15, 12), date(2024, time.May, 15, 18)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.ResolvePeriod(tt.f, tt.ref)
			if err != nil {
				t.Fatalf("ResolvePeriod: %v", err)
			}
			if !p.Start.Equal(tt.wantStart) || !p.End.Equal(tt.wantEnd) {
				t.Errorf("period = %v, want [%v, %v)", p, tt.wantStart, tt.wantEnd)
			}
			if !p.Contains(tt.ref) {
				t.Errorf("period %v does not contain %v", p, tt.ref)
			}
		})
	}
}

func TestResolvePeriod_ContainmentProperty(t *testing.T) {
	r := frequency.NewResolver(frequency.WithWeekStart(time.Thursday))
	ref := date(2023, time.January, 1, 0)
	for i := range 24 * 400 {
		now := ref.Add(time.Duration(i) * 37 * time.Minute)
		for _, f := range []frequency.Frequency{frequency.Daily, frequency.Weekly, frequency.Monthly} {
			p, err := r.ResolvePeriod(f, now)
			if err != nil {
				t.Fatalf("ResolvePeriod(%s): %v", f, err)
			}
			if !p.Contains(now) {
				t.Fatalf("ResolvePeriod(%s, %v) = %v does not contain ref", f, now, p)
			}
		}
	}
}

func TestResolvePeriod_Location(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	r := frequency.NewResolver(frequency.WithLocation(ny))

	// 2024-03-10 is the spring-forward day: 23 hours long.
	p, err := r.ResolvePeriod(frequency.Daily, time.Date(2024, time.March, 10, 12, 0, 0, 0, ny))
	if err != nil {
		t.Fatalf("ResolvePeriod: %v", err)
	}
	if got := p.End.Sub(p.Start); got != 23*time.Hour {
		t.Errorf("period length = %v, want 23h", got)
	}
}

func TestResolvePeriod_Invalid(t *testing.T) {
	r := frequency.NewResolver()
	_, err := r.ResolvePeriod(frequency.Frequency("fortnightly"), time.Now())
	var ife *frequency.InvalidFrequencyError
	if !errors.As(err, &ife) {
		t.Fatalf("err = %v, want *InvalidFrequencyError", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    frequency.Frequency
		wantErr bool
	}{
		{"Weekly", frequency.Weekly, false},
		{" daily ", frequency.Daily, false},
		{"MONTHLY", frequency.Monthly, false},
		{"pt12h", frequency.Frequency("PT12H"), false},
		{"P1M", "", true},
		{"PT0S", "", true},
		{"hourly", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := frequency.Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNext(t *testing.T) {
	r := frequency.NewResolver()
	p, _ := r.ResolvePeriod(frequency.Monthly, date(2024, time.January, 31, 8))
	next, err := r.Next(frequency.Monthly, p)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := date(2024, time.February, 1, 0); !next.Start.Equal(want) {
		t.Errorf("next.Start = %v, want %v", next.Start, want)
	}
	if want := date(2024, time.March, 1, 0); !next.End.Equal(want) {
		t.Errorf("next.End = %v, want %v", next.End, want)
	}
}
