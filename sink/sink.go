// Package sink defines the outbound boundary that receives dispatch
// commands once their fire time is reached.
//
// Delivery is at-least-once: a sink may see the same Command twice when the
// process fails between sending and recording the dispatch. Command.Key is
// stable across retries so consumers can deduplicate.
package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/patient"
)

// Command asks the data-acquisition service to re-issue its queries for one
// patient and report period.
type Command struct {
	Key           string            `json:"key"`
	FacilityID    string            `json:"facilityId"`
	PatientID     string            `json:"patientId"`
	EventType     string            `json:"eventType"`
	CorrelationID string            `json:"correlationId"`
	TrackingID    string            `json:"reportTrackingId"`
	ReportTypes   []string          `json:"reportTypes"`
	StartDate     time.Time         `json:"startDate"`
	EndDate       time.Time         `json:"endDate"`
	FireAt        time.Time         `json:"fireAt"`
	Headers       map[string]string `json:"-"`
}

// FromDispatch builds the command for a due dispatch.
func FromDispatch(d *patient.Dispatch) Command {
	return Command{
		Key:           d.Key,
		FacilityID:    d.FacilityID,
		PatientID:     d.PatientID,
		EventType:     d.EventType,
		CorrelationID: d.CorrelationID,
		TrackingID:    d.TrackingID,
		ReportTypes:   append([]string(nil), d.ReportTypes...),
		StartDate:     d.ReportStart,
		EndDate:       d.ReportEnd,
		FireAt:        d.FireAt,
	}
}

// Sink receives dispatch commands.
type Sink interface {
	Send(ctx context.Context, cmd Command) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, cmd Command) error

// Send implements Sink.
func (f Func) Send(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// CredentialFunc returns the transport headers a downstream system requires
// for a facility. How the material is obtained is up to the caller.
type CredentialFunc func(ctx context.Context, facilityID string) (map[string]string, error)

// WithCredentials decorates next so every command carries the headers
// returned by creds.
func WithCredentials(next Sink, creds CredentialFunc) Sink {
	return Func(func(ctx context.Context, cmd Command) error {
		h, err := creds(ctx, cmd.FacilityID)
		if err != nil {
			return fmt.Errorf("sink: credentials for %s: %w", cmd.FacilityID, err)
		}
		if len(h) > 0 {
			merged := make(map[string]string, len(cmd.Headers)+len(h))
			for k, v := range cmd.Headers {
				merged[k] = v
			}
			for k, v := range h {
				merged[k] = v
			}
			cmd.Headers = merged
		}
		return next.Send(ctx, cmd)
	})
}

// Recorder is an in-memory Sink that keeps every command it receives.
type Recorder struct {
	mu   sync.Mutex
	sent []Command
	err  error
}

// FailWith makes subsequent Send calls return err. A nil err clears it.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Send implements Sink.
func (r *Recorder) Send(_ context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, cmd)
	return nil
}

// Sent returns a copy of the received commands.
func (r *Recorder) Sent() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.sent...)
}
