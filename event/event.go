// Package event decodes the inbound messages the engine reacts to: patient
// admission/discharge events and report submission confirmations.
//
// Decoding failures and payloads missing required fields wrap
// ErrUnprocessable; such messages are poison and are never retried.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
)

// HeaderType names the event type when it cannot be inferred from the topic.
const HeaderType = "x-event-type"

// Type names an inbound event kind.
type Type string

// Inbound event kinds.
const (
	TypePatientEvent    Type = "PatientEvent"
	TypeReportSubmitted Type = "ReportSubmitted"
)

// ErrUnprocessable marks a message that can never be processed.
var ErrUnprocessable = errors.New("event: unprocessable message")

// DecodeError describes why a message is unprocessable.
type DecodeError struct {
	Type   Type
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("event: cannot decode %s: %s", e.Type, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports ErrUnprocessable so callers can classify with errors.Is.
func (e *DecodeError) Is(target error) bool { return target == ErrUnprocessable }

func (e *DecodeError) Unwrap() error { return e.Err }

// Event is a decoded inbound message.
type Event interface {
	Type() Type
	// Facility is the owning facility.
	Facility() string
	// PartitionKey orders processing: events with equal keys are handled
	// in arrival order.
	PartitionKey() string
}

// PatientEvent reports an admission, discharge or other patient trigger.
type PatientEvent struct {
	FacilityID    string    `json:"facilityId" validate:"required"`
	PatientID     string    `json:"patientId" validate:"required"`
	EventType     string    `json:"eventType" validate:"required"`
	CorrelationID string    `json:"correlationId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Type implements Event.
func (PatientEvent) Type() Type { return TypePatientEvent }

// Facility implements Event.
func (e PatientEvent) Facility() string { return e.FacilityID }

// PartitionKey implements Event.
func (e PatientEvent) PartitionKey() string { return e.FacilityID + "/" + e.PatientID }

// ReportSubmitted confirms a report was submitted downstream.
type ReportSubmitted struct {
	FacilityID string    `json:"facilityId" validate:"required"`
	TrackingID string    `json:"reportTrackingId" validate:"required"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Type implements Event.
func (ReportSubmitted) Type() Type { return TypeReportSubmitted }

// Facility implements Event.
func (e ReportSubmitted) Facility() string { return e.FacilityID }

// PartitionKey implements Event.
func (e ReportSubmitted) PartitionKey() string { return e.FacilityID + "/" + e.TrackingID }

var validate = validator.New(validator.WithRequiredStructEnabled())

// TypeOf resolves a message's event type from its header or, failing that,
// from its topic name.
func TypeOf(m *ingest.Message) Type {
	if t := m.Header(HeaderType); t != "" {
		return Type(t)
	}
	for _, t := range []Type{TypePatientEvent, TypeReportSubmitted} {
		if strings.EqualFold(m.Topic, string(t)) || strings.HasSuffix(strings.ToLower(m.Topic), "."+strings.ToLower(string(t))) {
			return t
		}
	}
	return Type(m.Topic)
}

// Decode parses m into a typed event.
func Decode(m *ingest.Message) (Event, error) {
	t := TypeOf(m)
	switch t {
	case TypePatientEvent:
		var e PatientEvent
		if err := decodeInto(t, m.Value, &e); err != nil {
			return nil, err
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = m.Time
		}
		if e.CorrelationID == "" {
			e.CorrelationID = m.Header(ingest.HeaderCorrelationID)
		}
		return e, nil
	case TypeReportSubmitted:
		var e ReportSubmitted
		if err := decodeInto(t, m.Value, &e); err != nil {
			return nil, err
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = m.Time
		}
		return e, nil
	default:
		return nil, &DecodeError{Type: t, Reason: "unknown event type"}
	}
}

func decodeInto(t Type, data []byte, v any) error {
	if len(data) == 0 {
		return &DecodeError{Type: t, Reason: "empty payload"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Type: t, Reason: "invalid json", Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return &DecodeError{Type: t, Reason: "missing required fields", Err: err}
	}
	return nil
}

// Encode renders e as a message on topic. Used by tests and replay tooling.
func Encode(topic string, e Event) (*ingest.Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", e.Type(), err)
	}
	m := &ingest.Message{Topic: topic, Key: []byte(e.PartitionKey()), Value: body, Time: time.Now().UTC()}
	m.SetHeader(HeaderType, string(e.Type()))
	return m, nil
}
