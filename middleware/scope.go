package middleware

import (
	"context"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
	"github.com/CDCgov/nhsnlink-sub007/scope"
)

// Scope returns middleware that restores the facility (from the partition
// key) and correlation id (from the header) into the context.
func Scope() Middleware {
	return func(ctx context.Context, m *ingest.Message, next Handler) error {
		ctx = scope.Restore(ctx,
			scope.FacilityFromKey(string(m.Key)),
			m.Header(ingest.HeaderCorrelationID),
		)
		return next(ctx)
	}
}
