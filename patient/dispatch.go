// Package patient coordinates patient-level dispatch work items: one per
// (facility, patient, report tracking id, event type), timed by a dispatch
// schedule and released only while the owning report still accepts work.
package patient

import (
	"net/url"
	"strings"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/id"
	"github.com/CDCgov/nhsnlink-sub007/schedule"
)

// Well-known trigger event names.
const (
	EventAdmission   = "Admission"
	EventDischarge   = "Discharge"
	EventEndOfPeriod = schedule.PeriodEndEvent
)

// State is the lifecycle state of a dispatch.
type State string

const (
	// StatePending dispatches wait for their fire time.
	StatePending State = "pending"
	// StateDispatched is terminal: the command was handed to the sink.
	StateDispatched State = "dispatched"
	// StateSuppressed is terminal: the owning report stopped accepting work
	// before the dispatch fired.
	StateSuppressed State = "suppressed"
)

// IsTerminal reports whether s is final.
func (s State) IsTerminal() bool { return s == StateDispatched || s == StateSuppressed }

var _ querydispatch.Schedulable = (*Dispatch)(nil)

// Dispatch is a unit of data-acquisition work for one patient.
type Dispatch struct {
	querydispatch.Entity

	ID            id.DispatchID             `json:"id"`
	Key           string                    `json:"key"`
	FacilityID    string                    `json:"facility_id"`
	PatientID     string                    `json:"patient_id"`
	EventType     string                    `json:"event_type"`
	CorrelationID string                    `json:"correlation_id"`
	TrackingID    string                    `json:"tracking_id"`
	ReportTypes   []string                  `json:"report_types"`
	ReportStart   time.Time                 `json:"report_start"`
	ReportEnd     time.Time                 `json:"report_end"`
	Schedule      schedule.DispatchSchedule `json:"schedule"`
	TriggeredAt   time.Time                 `json:"triggered_at"`
	FireAt        time.Time                 `json:"fire_at"`
	State         State                     `json:"state"`
	DispatchedAt  *time.Time                `json:"dispatched_at,omitempty"`
	SuppressedAt  *time.Time                `json:"suppressed_at,omitempty"`
	SuppressedFor string                    `json:"suppressed_for,omitempty"`
}

// RecordKey implements querydispatch.Record. The dedup key is the
// persistence key, so a second insert for the same unit of work loses the
// version check.
func (d *Dispatch) RecordKey() string { return d.Key }

// RecordFacility implements querydispatch.Record.
func (d *Dispatch) RecordFacility() string { return d.FacilityID }

// DueAt implements querydispatch.Schedulable. Only pending dispatches wait.
func (d *Dispatch) DueAt() (time.Time, bool) {
	return d.FireAt, d.State == StatePending
}

// Store persists dispatches keyed by dedup key and indexes pending ones by
// fire time.
type Store = querydispatch.ScheduledRepository[*Dispatch]

// DedupKey joins the identity of a unit of work. Each part is escaped so the
// separator cannot appear inside a component.
func DedupKey(facilityID, patientID, trackingID, eventType string) string {
	parts := []string{facilityID, patientID, trackingID, eventType}
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "|")
}
