// Package telemetry provides simple, production-ready metrics emission
// and tracing for the gateway. The API uses progressive disclosure:
// the functions in this file cover nearly all call sites; the registry
// and provider types exist for initialization and tests.
package telemetry

import (
	"time"
)

// Counter increments a counter metric by 1.
// Labels are key-value pairs.
// Example: Counter("router.selected", "provider_id", "openai")
func Counter(name string, labels ...string) {
	if r := activeRegistry(); r != nil {
		r.addCounter(name, 1, labels)
	}
}

// CounterN increments a counter metric by n
func CounterN(name string, n int64, labels ...string) {
	if r := activeRegistry(); r != nil {
		r.addCounter(name, n, labels)
	}
}

// Histogram records a value in a distribution.
// Use for latencies, token counts, queue lengths.
func Histogram(name string, value float64, labels ...string) {
	if r := activeRegistry(); r != nil {
		r.recordHistogram(name, value, labels)
	}
}

// Gauge records a point-in-time value. Recorded through the histogram
// pipeline; the backend derives the latest value.
func Gauge(name string, value float64, labels ...string) {
	Histogram(name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
// Example:
//
//	start := time.Now()
//	defer Duration("pipeline.phase.duration_ms", start, "phase", "EXECUTE")
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// RecordError records an error occurrence with kind classification
func RecordError(name string, errorKind string, labels ...string) {
	Counter(name, append(labels, "error_kind", errorKind)...)
}

// RecordSuccess records a successful operation
func RecordSuccess(name string, labels ...string) {
	Counter(name, append(labels, "status", "success")...)
}
