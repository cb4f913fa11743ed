// Package observability provides an OpenTelemetry metrics extension for the
// scheduling engine. The MetricsExtension implements lifecycle hooks to
// record counters for registered reports, period transitions, dispatch
// outcomes, retries, dead letters, escalations and configuration changes,
// plus a histogram of late period closures.
//
// For per-message tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
