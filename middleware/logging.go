package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
)

// Logging returns middleware that logs message handling at debug level and
// failures at warn.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, m *ingest.Message, next Handler) error {
		attrs := []any{
			slog.String("topic", m.Topic),
			slog.Int("partition", m.Partition),
			slog.Int64("offset", m.Offset),
			slog.Int("delivery", m.Delivery()),
		}
		logger.Debug("message received", attrs...)

		start := time.Now()
		err := next(ctx)
		attrs = append(attrs, slog.Duration("elapsed", time.Since(start)))

		if err != nil {
			logger.Warn("message handling failed", append(attrs, slog.String("error", err.Error()))...)
		} else {
			logger.Debug("message handled", attrs...)
		}

		return err
	}
}
