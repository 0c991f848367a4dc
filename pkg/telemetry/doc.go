// Package telemetry provides observability instrumentation for convertly.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and in-process event publishing
// into a unified surface for monitoring the polling and consistency
// subsystems. The pieces are combined by the Telemetry struct, which the
// composition root constructs once and passes down explicitly.
package telemetry
