// Package frequency maps a reporting cadence and a reference instant to the
// half-open reporting period [Start, End) that contains it.
//
// Calendar cadences (daily, weekly, monthly) are computed on wall-clock
// boundaries in the resolver's location, so a daylight-saving shift changes
// the length of a period rather than moving its boundaries. Fixed intervals
// are written as ISO-8601 durations ("PT6H", "P2D") and tile the time line
// from the Unix epoch in the resolver's location.
package frequency

import (
	"fmt"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// Frequency names a reporting cadence.
type Frequency string

const (
	// Daily periods span one calendar day.
	Daily Frequency = "daily"
	// Weekly periods span seven days starting on the resolver's WeekStart.
	Weekly Frequency = "weekly"
	// Monthly periods span one calendar month.
	Monthly Frequency = "monthly"
)

// InvalidFrequencyError reports a cadence that cannot be resolved. It is a
// configuration error and is never retried.
type InvalidFrequencyError struct {
	Value  string
	Reason string
}

func (e *InvalidFrequencyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("frequency: invalid frequency %q", e.Value)
	}
	return fmt.Sprintf("frequency: invalid frequency %q: %s", e.Value, e.Reason)
}

// Parse normalizes a configured frequency. Calendar names are matched
// case-insensitively; anything starting with "P" is read as a fixed
// interval.
func Parse(s string) (Frequency, error) {
	v := strings.TrimSpace(s)
	switch f := Frequency(strings.ToLower(v)); f {
	case Daily, Weekly, Monthly:
		return f, nil
	}
	if strings.HasPrefix(strings.ToUpper(v), "P") {
		f := Frequency(strings.ToUpper(v))
		if _, err := f.interval(); err != nil {
			return "", err
		}
		return f, nil
	}
	return "", &InvalidFrequencyError{Value: s}
}

// IsCalendar reports whether f is one of the calendar cadences.
func (f Frequency) IsCalendar() bool {
	return f == Daily || f == Weekly || f == Monthly
}

func (f Frequency) interval() (time.Duration, error) {
	d, err := duration.Parse(string(f))
	if err != nil {
		return 0, &InvalidFrequencyError{Value: string(f), Reason: err.Error()}
	}
	if d.Years != 0 || d.Months != 0 {
		return 0, &InvalidFrequencyError{Value: string(f), Reason: "fixed intervals cannot use years or months"}
	}
	if d.Negative {
		return 0, &InvalidFrequencyError{Value: string(f), Reason: "interval must be positive"}
	}
	iv := d.ToTimeDuration()
	if iv <= 0 {
		return 0, &InvalidFrequencyError{Value: string(f), Reason: "interval must be positive"}
	}
	return iv, nil
}

// Period is a half-open reporting window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) String() string {
	return fmt.Sprintf("[%s, %s)", p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
}
