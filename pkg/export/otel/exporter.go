package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wayneeseguin/omnipipe/internal/metrics"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Source is satisfied by *pipeline.Worker.
type Source interface {
	Metrics() metrics.Metrics
}

type pipelineValue struct {
	name  string
	help  string
	gauge bool
	value func(m *metrics.Metrics) int64
}

var pipelineValues = []pipelineValue{
	{"omnipipe_events_attempted_total", "Enqueue calls.", false, func(m *metrics.Metrics) int64 { return int64(m.Attempted) }},
	{"omnipipe_events_enqueued_total", "Events accepted into the queue.", false, func(m *metrics.Metrics) int64 { return int64(m.Enqueued) }},
	{"omnipipe_events_dropped_total", "Events rejected because the queue was full.", false, func(m *metrics.Metrics) int64 { return int64(m.Dropped) }},
	{"omnipipe_events_sampled_at_enqueue_total", "Events discarded by the sample overflow policy.", false, func(m *metrics.Metrics) int64 { return int64(m.SampledAtEnqueue) }},
	{"omnipipe_events_rejected_closed_total", "Events rejected after shutdown began.", false, func(m *metrics.Metrics) int64 { return int64(m.RejectedClosed) }},
	{"omnipipe_events_processed_total", "Events processed and dispatched.", false, func(m *metrics.Metrics) int64 { return int64(m.Processed) }},
	{"omnipipe_events_sampled_in_chain_total", "Events discarded by the processor sampling gate.", false, func(m *metrics.Metrics) int64 { return int64(m.SampledInChain) }},
	{"omnipipe_processing_errors_total", "Events the processor chain failed on.", false, func(m *metrics.Metrics) int64 { return int64(m.ProcessingErrors) }},
	{"omnipipe_events_lost_total", "Queued events abandoned at shutdown.", false, func(m *metrics.Metrics) int64 { return int64(m.Lost) }},
	{"omnipipe_rotations_total", "File rotations.", false, func(m *metrics.Metrics) int64 { return int64(m.RotationCount) }},
	{"omnipipe_compressions_total", "Rotated files compressed.", false, func(m *metrics.Metrics) int64 { return int64(m.CompressionCount) }},
	{"omnipipe_errors_total", "Errors reported through the error handler.", false, func(m *metrics.Metrics) int64 { return int64(m.ErrorCount) }},
	{"omnipipe_queue_depth", "Events waiting in the queue.", true, func(m *metrics.Metrics) int64 { return int64(m.QueueDepth) }},
	{"omnipipe_queue_capacity", "Queue capacity.", true, func(m *metrics.Metrics) int64 { return int64(m.QueueCapacity) }},
}

type sinkValue struct {
	name  string
	help  string
	gauge bool
	value func(s *metrics.SinkMetrics) int64
}

var sinkValues = []sinkValue{
	{"omnipipe_sink_accepted_total", "Records a sink accepted.", false, func(s *metrics.SinkMetrics) int64 { return int64(s.Accepted) }},
	{"omnipipe_sink_failed_total", "Records a sink rejected or timed out on.", false, func(s *metrics.SinkMetrics) int64 { return int64(s.Failed) }},
	{"omnipipe_sink_timeouts_total", "Deliveries abandoned after the sink timeout.", false, func(s *metrics.SinkMetrics) int64 { return int64(s.Timeouts) }},
	{"omnipipe_sink_sent_batches_total", "Batches delivered by a batch sink.", false, func(s *metrics.SinkMetrics) int64 { return int64(s.SentBatches) }},
	{"omnipipe_sink_lost_lines_total", "Lines a batch sink dropped.", false, func(s *metrics.SinkMetrics) int64 { return int64(s.LostLines) }},
	{"omnipipe_sink_buffered_lines", "Lines waiting in the open batch.", true, func(s *metrics.SinkMetrics) int64 { return int64(s.BufferedLines) }},
	{"omnipipe_sink_pending_batches", "Batches waiting for the sender.", true, func(s *metrics.SinkMetrics) int64 { return int64(s.PendingBatches) }},
}

type observed struct {
	counter metric.Int64ObservableCounter
	gauge   metric.Int64ObservableGauge
}

func (o observed) observe(observer metric.Observer, v int64, opts ...metric.ObserveOption) {
	if o.counter != nil {
		observer.ObserveInt64(o.counter, v, opts...)
		return
	}
	observer.ObserveInt64(o.gauge, v, opts...)
}

// Exporter publishes a Source's snapshot on every collection.
type Exporter struct {
	source       Source
	registration metric.Registration
	pipeline     []observed
	sinks        []observed
}

// NewExporter registers the instruments and their callback on meter.
func NewExporter(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{
		source:   source,
		pipeline: make([]observed, 0, len(pipelineValues)),
		sinks:    make([]observed, 0, len(sinkValues)),
	}
	observables := make([]metric.Observable, 0, len(pipelineValues)+len(sinkValues))

	create := func(name, help string, gauge bool) (observed, error) {
		if gauge {
			ins, err := meter.Int64ObservableGauge(name, metric.WithDescription(help))
			if err != nil {
				return observed{}, fmt.Errorf("create observable gauge %s: %w", name, err)
			}
			observables = append(observables, ins)
			return observed{gauge: ins}, nil
		}
		ins, err := meter.Int64ObservableCounter(name, metric.WithDescription(help))
		if err != nil {
			return observed{}, fmt.Errorf("create observable counter %s: %w", name, err)
		}
		observables = append(observables, ins)
		return observed{counter: ins}, nil
	}

	for _, def := range pipelineValues {
		o, err := create(def.name, def.help, def.gauge)
		if err != nil {
			return nil, err
		}
		e.pipeline = append(e.pipeline, o)
	}
	for _, def := range sinkValues {
		o, err := create(def.name, def.help, def.gauge)
		if err != nil {
			return nil, err
		}
		e.sinks = append(e.sinks, o)
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := e.source.Metrics()
		for i, def := range pipelineValues {
			e.pipeline[i].observe(observer, def.value(&snapshot))
		}
		for _, sm := range snapshot.Sinks {
			attrs := metric.WithAttributeSet(attribute.NewSet(attribute.String("sink", sm.Name)))
			for i, def := range sinkValues {
				e.sinks[i].observe(observer, def.value(&sm), attrs)
			}
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	e.registration = registration
	return e, nil
}

// Close unregisters the callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
