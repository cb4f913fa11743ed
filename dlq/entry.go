package dlq

import (
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/id"
	"github.com/CDCgov/nhsnlink-sub007/retry"
)

// Entry is a message that left the retry path, kept for inspection or
// replay.
type Entry struct {
	querydispatch.Entity

	ID          id.DLQID          `json:"id"`
	Coordinates retry.Coordinates `json:"coordinates"`
	FacilityID  string            `json:"facility_id,omitempty"`
	Key         []byte            `json:"key,omitempty"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	Reason      string            `json:"reason"`
	Error       string            `json:"error"`
	Attempts    int               `json:"attempts"`
	FailedAt    time.Time         `json:"failed_at"`
	ReplayedAt  *time.Time        `json:"replayed_at,omitempty"`
}

// RecordKey implements querydispatch.Record.
func (e *Entry) RecordKey() string { return e.ID.String() }

// RecordFacility implements querydispatch.Record.
func (e *Entry) RecordFacility() string { return e.FacilityID }

// Store persists dead-letter entries keyed by ID.
type Store = querydispatch.Repository[*Entry]
