// Package scope carries the tenant (facility) and correlation identity of
// the message being processed through context.Context, so that logs, spans
// and audit records written deep in the call stack can attribute their
// work.
package scope

import (
	"context"
	"strings"
)

type ctxKey struct{}

// Scope is the identity attached to a context.
type Scope struct {
	FacilityID    string
	CorrelationID string
}

// Capture returns the facility and correlation ids attached to ctx.
// Returns empty strings if no scope is present.
func Capture(ctx context.Context) (facilityID, correlationID string) {
	s, ok := ctx.Value(ctxKey{}).(Scope)
	if !ok {
		return "", ""
	}
	return s.FacilityID, s.CorrelationID
}

// Restore attaches a scope to the context. If both ids are empty, the
// context is returned unchanged.
func Restore(ctx context.Context, facilityID, correlationID string) context.Context {
	if facilityID == "" && correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, Scope{FacilityID: facilityID, CorrelationID: correlationID})
}

// FacilityFromKey extracts the facility id from a partition key of the form
// "facility/rest".
func FacilityFromKey(key string) string {
	facility, _, _ := strings.Cut(key, "/")
	return facility
}
