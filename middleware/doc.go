// Package middleware provides composable middleware for message handling.
//
// A [Middleware] is a function that wraps a message handler. Middleware are
// composed into a chain using [Chain] and applied before each message is
// handled. They are applied right-to-left: the first middleware in the slice
// is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs topic, offset, delivery count, duration and outcome
//   - [Recover]: catches panics and converts them to errors
//   - [Timeout]: cancels the handler context after a configured duration
//   - [Tracing]: wraps handling in an OpenTelemetry span
//   - [Metrics]: records per-message duration and outcome counters
//   - [Scope]: restores the facility and correlation id into the context
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
