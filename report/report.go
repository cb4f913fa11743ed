// Package report tracks the lifecycle of scheduled reporting periods.
package report

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/frequency"
	"github.com/CDCgov/nhsnlink-sub007/id"
)

// Status is the lifecycle state of a reporting period.
type Status string

const (
	// StatusNew is a period whose window is known but which has no
	// dispatch schedules bound yet.
	StatusNew Status = "New"
	// StatusScheduled is an active period with at least one schedule bound.
	StatusScheduled Status = "Scheduled"
	// StatusEndOfPeriod means the window has elapsed and end-of-period work
	// was fanned out; the period awaits submission.
	StatusEndOfPeriod Status = "EndOfPeriod"
	// StatusSubmitted is terminal: the report was submitted downstream.
	StatusSubmitted Status = "Submitted"
	// StatusCanceled is terminal and off the main path: the facility was
	// withdrawn or the period was superseded before it closed.
	StatusCanceled Status = "Canceled"
)

// transitions lists every allowed (from, to) pair.
var transitions = map[Status][]Status{
	StatusNew:         {StatusScheduled, StatusCanceled},
	StatusScheduled:   {StatusEndOfPeriod, StatusCanceled},
	StatusEndOfPeriod: {StatusSubmitted, StatusCanceled},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool { return len(transitions[s]) == 0 }

// IsActive reports whether s is the facility's current, not yet closed,
// period for its report-type set.
func (s Status) IsActive() bool { return s == StatusNew || s == StatusScheduled }

// AcceptsDispatches reports whether patient dispatches may be created for or
// released against a report in status s.
func (s Status) AcceptsDispatches() bool {
	return s == StatusScheduled || s == StatusEndOfPeriod
}

// Period is the mutable lifecycle state of one ScheduledReport.
type Period struct {
	Status       Status        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	ModifiedAt   *time.Time    `json:"modified_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Lateness     time.Duration `json:"lateness,omitempty"`
	SubmittedAt  *time.Time    `json:"submitted_at,omitempty"`
	CanceledAt   *time.Time    `json:"canceled_at,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	// FannedOutAt is set once the period-end dispatches of a closed period
	// have all been created.
	FannedOutAt *time.Time `json:"fanned_out_at,omitempty"`
}

// ScheduledReport is one reporting window for one facility's report-type set.
type ScheduledReport struct {
	querydispatch.Entity

	ID           id.ReportID         `json:"id"`
	FacilityID   string              `json:"facility_id"`
	ReportTypes  []string            `json:"report_types"`
	Frequency    frequency.Frequency `json:"frequency"`
	SetKey       string              `json:"set_key"`
	StartDate    time.Time           `json:"start_date"`
	EndDate      time.Time           `json:"end_date"`
	TrackingID   string              `json:"tracking_id"`
	Period       Period              `json:"period"`
	SupersededBy string              `json:"superseded_by,omitempty"`
}

// RecordKey implements querydispatch.Record.
func (r *ScheduledReport) RecordKey() string { return r.TrackingID }

// RecordFacility implements querydispatch.Record.
func (r *ScheduledReport) RecordFacility() string { return r.FacilityID }

// Status is shorthand for r.Period.Status.
func (r *ScheduledReport) Status() Status { return r.Period.Status }

// FanOutPending reports whether r is closed but its period-end dispatches
// have not been confirmed.
func (r *ScheduledReport) FanOutPending() bool {
	return r.Status() == StatusEndOfPeriod && r.Period.FannedOutAt == nil
}

// Window returns the report's reporting window.
func (r *ScheduledReport) Window() frequency.Period {
	return frequency.Period{Start: r.StartDate, End: r.EndDate}
}

// Store persists scheduled reports keyed by tracking id.
type Store = querydispatch.Repository[*ScheduledReport]

// SetKey identifies a facility's report-type set: the frequency plus the
// sorted, de-duplicated report types.
func SetKey(f frequency.Frequency, reportTypes []string) string {
	return string(f) + ":" + strings.Join(normalizeTypes(reportTypes), "+")
}

func normalizeTypes(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var trackingNamespace = uuid.MustParse("6f1c2b9e-4d3a-5b7e-9c21-8a0f3e5d7b14")

// TrackingID derives the tracking id of the period starting at start. The
// same (facility, set, start) always yields the same id, which makes
// re-applying a configuration snapshot idempotent.
func TrackingID(facilityID, setKey string, start time.Time) string {
	name := facilityID + "\x00" + setKey + "\x00" + start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(trackingNamespace, []byte(name)).String()
}
