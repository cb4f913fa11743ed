// Package schedule binds a trigger event to an ISO-8601 delay and computes
// when a dispatch scheduled by that trigger fires.
//
// Durations are validated when a schedule is parsed, at configuration load.
// ComputeFireTime itself cannot fail.
package schedule

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// InvalidDurationFormatError reports a duration that is not valid ISO-8601.
type InvalidDurationFormatError struct {
	Event    string
	Duration string
	Err      error
}

func (e *InvalidDurationFormatError) Error() string {
	return fmt.Sprintf("schedule: invalid duration %q for event %q: %v", e.Duration, e.Event, e.Err)
}

func (e *InvalidDurationFormatError) Unwrap() error { return e.Err }

// DispatchSchedule is a (trigger event, delay) pair.
type DispatchSchedule struct {
	Event    string `json:"event"`
	Duration string `json:"duration"`

	parsed *duration.Duration
}

// Parse validates duration and returns a ready schedule.
func Parse(event, dur string) (DispatchSchedule, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return DispatchSchedule{}, &InvalidDurationFormatError{Event: event, Duration: dur, Err: fmt.Errorf("event name is required")}
	}
	d, err := parseISO(dur)
	if err != nil {
		return DispatchSchedule{}, &InvalidDurationFormatError{Event: event, Duration: dur, Err: err}
	}
	return DispatchSchedule{Event: event, Duration: strings.TrimSpace(dur), parsed: d}, nil
}

// parseISO accepts an optional leading sign before the ISO-8601 designator.
func parseISO(s string) (*duration.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty duration")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	d, err := duration.Parse(s)
	if err != nil {
		return nil, err
	}
	d.Negative = d.Negative || neg
	return d, nil
}

// MustParse is like Parse but panics on error.
func MustParse(event, dur string) DispatchSchedule {
	ds, err := Parse(event, dur)
	if err != nil {
		panic(err)
	}
	return ds
}

// Matches reports whether the schedule is bound to event.
func (ds DispatchSchedule) Matches(event string) bool {
	return strings.EqualFold(ds.Event, strings.TrimSpace(event))
}

func (ds DispatchSchedule) components() *duration.Duration {
	if ds.parsed != nil {
		return ds.parsed
	}
	d, err := parseISO(ds.Duration)
	if err != nil {
		return nil
	}
	return d
}

// ComputeFireTime returns trigger plus the schedule's delay. Calendar
// components (years, months, weeks, days) use calendar arithmetic; clock
// components are exact. A zero or negative delay fires at trigger.
func ComputeFireTime(ds DispatchSchedule, trigger time.Time) time.Time {
	d := ds.components()
	if d == nil || d.Negative {
		return trigger
	}

	years, fy := math.Modf(d.Years)
	months, fm := math.Modf(d.Months)
	days, fd := math.Modf(d.Weeks*7 + d.Days)

	fire := trigger.AddDate(int(years), int(months), int(days))

	const day = 24 * time.Hour
	rest := time.Duration(fy*365*float64(day)) +
		time.Duration(fm*30*float64(day)) +
		time.Duration(fd*float64(day)) +
		time.Duration(d.Hours*float64(time.Hour)) +
		time.Duration(d.Minutes*float64(time.Minute)) +
		time.Duration(d.Seconds*float64(time.Second))
	fire = fire.Add(rest)

	if !fire.After(trigger) {
		return trigger
	}
	return fire
}

// Set is the list of schedules configured for a facility.
type Set []DispatchSchedule

// Match returns the first schedule bound to event.
func (s Set) Match(event string) (DispatchSchedule, bool) {
	for _, ds := range s {
		if ds.Matches(event) {
			return ds, true
		}
	}
	return DispatchSchedule{}, false
}

// PeriodEndEvent is the trigger name of the schedule that fans out
// dispatches for every rostered patient once a reporting period closes.
const PeriodEndEvent = "EndOfPeriod"

// ForPeriodEnd returns the schedule bound to the period-end trigger.
func (s Set) ForPeriodEnd() (DispatchSchedule, bool) {
	return s.Match(PeriodEndEvent)
}
