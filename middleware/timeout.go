package middleware

import (
	"context"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
)

// Timeout returns middleware that bounds each message's handling time. A
// non-positive d disables it. When the deadline is exceeded the context is
// cancelled and the handler should return context.DeadlineExceeded.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *ingest.Message, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
