// Package observability records system-wide OpenTelemetry metrics for the
// job board. Recorder is a status.Notifier that counts every job write by
// state and type, and can export the catalog mirror's staleness as a
// gauge.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
