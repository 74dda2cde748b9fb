// Package otel exposes pipeline counters as OpenTelemetry observable
// instruments.
//
// [NewExporter] registers one Int64ObservableCounter per cumulative counter
// and one Int64ObservableGauge per point-in-time value. Per-sink values
// carry a "sink" attribute. A single callback reads [pipeline.Worker.Metrics]
// on each collection cycle.
//
// The exporter never owns the MeterProvider; callers supply the Meter.
package otel
