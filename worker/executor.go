// Package worker provides message execution: an Executor that runs a
// handler through middleware and reports the outcome, and a keyed Pool that
// preserves per-key ordering while processing different keys in parallel.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
	"github.com/CDCgov/nhsnlink-sub007/middleware"
)

// HandlerFunc processes one message.
type HandlerFunc func(ctx context.Context, m *ingest.Message) error

// Outcome receives the result of an execution.
type Outcome interface {
	// Succeeded is called after the handler returned nil.
	Succeeded(ctx context.Context, m *ingest.Message, elapsed time.Duration) error
	// Failed is called with the handler's error.
	Failed(ctx context.Context, m *ingest.Message, err error) error
}

// Executor runs a single message through middleware and the handler, then
// hands the result to an Outcome.
type Executor struct {
	handler HandlerFunc
	outcome Outcome
	mw      middleware.Middleware
	logger  *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(handler HandlerFunc, outcome Outcome, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		handler: handler,
		outcome: outcome,
		mw:      middleware.Chain(mws...),
		logger:  logger,
	}
}

// Execute runs m through the middleware chain and handler.
// On success the outcome's Succeeded is called; on failure its Failed.
// The returned error is the outcome's, not the handler's.
func (e *Executor) Execute(ctx context.Context, m *ingest.Message) error {
	start := time.Now()

	err := e.mw(ctx, m, func(ctx context.Context) error {
		return e.handler(ctx, m)
	})
	elapsed := time.Since(start)

	if err != nil {
		return e.outcome.Failed(ctx, m, err)
	}
	return e.outcome.Succeeded(ctx, m, elapsed)
}
