package middleware

import (
	"context"
	"errors"

	"github.com/CDCgov/nhsnlink-sub007/retry"
)

// Handling outcomes reported by Tracing and Metrics.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomePoison    = "poison"
	OutcomeTransient = "transient"
)

// outcome names how handling ended. A handler that ran past its deadline is
// reported as a timeout even though the retry policy treats it as transient.
func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return retry.Classify(err).String()
	}
}
