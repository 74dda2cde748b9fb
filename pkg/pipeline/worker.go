// Package pipeline is the asynchronous core: a bounded queue with an
// overflow policy, a single consumer running the processor chain, and a
// fan-out dispatcher delivering records to every sink.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnipipe/internal/metrics"
	"github.com/wayneeseguin/omnipipe/pkg/backends"
	"github.com/wayneeseguin/omnipipe/pkg/features"
	"github.com/wayneeseguin/omnipipe/pkg/formatters"
	"github.com/wayneeseguin/omnipipe/pkg/processor"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Worker owns the queue, the processor chain and the dispatcher.
type Worker struct {
	cfg          *Config
	queue        chan types.QueueItem // nil when QueueSize is 0
	overflow     *features.Sampler    // only for OverflowSample
	chain        *processor.Chain
	dispatcher   *Dispatcher
	collector    *metrics.Collector
	errorHandler ErrorHandler

	// mu fences producers against shutdown: Enqueue holds it shared while
	// touching the queue, Shutdown takes it exclusively to mark closed.
	mu     sync.RWMutex
	closed bool

	closing  chan struct{} // closed when Shutdown starts, wakes blocked producers
	stopping chan struct{} // closed when the run loop should drain and exit
	abort    chan struct{} // closed when the grace period ran out
	done     chan struct{} // closed when the run loop has exited

	baseCtx context.Context
	cancel  context.CancelFunc

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates and starts a worker configured by opts on top of
// DefaultConfig.
func New(opts ...Option) (*Worker, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return NewWithConfig(context.Background(), cfg)
}

// NewWithConfig creates and starts a worker. ctx bounds sink construction
// only.
func NewWithConfig(ctx context.Context, cfg *Config) (*Worker, error) {
	w, err := NewWorker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	w.Start()
	return w, nil
}

// NewWorker validates cfg and opens every sink, but does not start
// consuming. Events enqueued before Start wait in the queue.
func NewWorker(ctx context.Context, cfg *Config) (*Worker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:          cfg,
		collector:    metrics.NewCollector(),
		errorHandler: cfg.ErrorHandler,
		closing:      make(chan struct{}),
		stopping:     make(chan struct{}),
		abort:        make(chan struct{}),
		done:         make(chan struct{}),
		baseCtx:      baseCtx,
		cancel:       cancel,
	}
	if cfg.QueueSize > 0 {
		w.queue = make(chan types.QueueItem, cfg.QueueSize)
	}

	if cfg.Overflow.Kind == OverflowSample {
		sampler, err := features.NewSampler(cfg.Overflow.Rate, cfg.Rand)
		if err != nil {
			cancel()
			return nil, errors.Wrap(ErrInvalidConfig, err.Error())
		}
		w.overflow = sampler
	}

	chain, err := buildChain(cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	w.chain = chain

	sinks, err := w.openSinks(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	for _, sink := range sinks {
		var stats func() types.SinkStats
		if sr, ok := sink.(types.StatsReporter); ok {
			stats = sr.Stats
		}
		w.collector.RegisterSink(sink.Name(), stats)
	}
	w.dispatcher = NewDispatcher(sinks, cfg.SinkTimeout, w.collector, w.reportError)
	return w, nil
}

// buildChain assembles the processor chain. Patterns were already checked
// by Validate.
func buildChain(cfg *Config) (*processor.Chain, error) {
	var host features.HostInfo
	if cfg.HostFields {
		host = features.DetectHostInfo()
	}

	rules, err := cfg.redactionRules()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	custom, err := features.CompilePIIPatterns(cfg.PIIPatterns)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	var sampler *features.Sampler
	if cfg.SamplingRate < 1 {
		if sampler, err = features.NewSampler(cfg.SamplingRate, cfg.Rand); err != nil {
			return nil, errors.Wrap(ErrInvalidConfig, err.Error())
		}
	}

	var formatter formatters.Formatter
	if cfg.Formatter != "" {
		formatter, err = cfg.formatterFactory().CreateFormatter(cfg.Formatter, cfg.FormatOptions)
	} else {
		formatter, err = cfg.formatterFactory().ForMode(cfg.Render, terminalFd(cfg.SinkEnv.Stdout), cfg.FormatOptions)
	}
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	return processor.NewChain(processor.Config{
		DefaultLevel: cfg.DefaultLevel,
		Enricher:     features.NewEnricher(host, cfg.StaticFields),
		Redactor:     features.NewFieldRedactor(rules),
		PII:          features.NewPIIDetector(cfg.PIIDetection, custom),
		Sampler:      sampler,
		Formatter:    formatter,
	}), nil
}

// terminalFd returns the descriptor auto render mode inspects. A writer
// that is not a file is never a terminal.
func terminalFd(w io.Writer) uintptr {
	if w == nil {
		return os.Stdout.Fd()
	}
	if f, ok := w.(*os.File); ok {
		return f.Fd()
	}
	return ^uintptr(0)
}

// openSinks builds the URI sinks followed by the pre-built instances. A
// sink that fails to open closes the ones already opened.
func (w *Worker) openSinks(ctx context.Context) ([]types.Sink, error) {
	descs, err := backends.ParseAll(w.cfg.sinkURIs())
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	env := w.cfg.SinkEnv
	userErrors := env.ErrorHandler
	userMetrics := env.MetricsHandler
	env.ErrorHandler = func(source, dest, msg string, err error) {
		w.reportError(LogError{
			Timestamp:   time.Now(),
			Level:       sinkErrorLevel(source),
			Operation:   source,
			Destination: dest,
			Message:     msg,
			Err:         err,
		})
		if userErrors != nil {
			userErrors(source, dest, msg, err)
		}
	}
	env.MetricsHandler = func(event string) {
		w.collector.TrackMetric(event)
		if userMetrics != nil {
			userMetrics(event)
		}
	}

	sinks := make([]types.Sink, 0, len(descs)+len(w.cfg.SinkInstances))
	for _, d := range descs {
		sink, err := backends.Open(ctx, d, env)
		if err != nil {
			for _, opened := range sinks {
				_ = opened.Close(ctx)
			}
			return nil, errors.Wrapf(err, "sink %s", d.URI)
		}
		sinks = append(sinks, sink)
	}
	return append(sinks, w.cfg.SinkInstances...), nil
}

func sinkErrorLevel(source string) ErrorLevel {
	switch source {
	case "send", "encode", "batch":
		return ErrorLevelHigh
	default:
		return ErrorLevelMedium
	}
}

func (w *Worker) reportError(le LogError) {
	if le.Timestamp.IsZero() {
		le.Timestamp = time.Now()
	}
	w.collector.TrackError(le.Operation)
	if w.errorHandler != nil {
		w.errorHandler(le)
	}
}

// Start begins consuming the queue. It is safe to call more than once.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// Enqueue hands ev to the queue according to the overflow policy:
//
//   - Drop returns ErrQueueFull at once when the queue has no room.
//   - Block waits for room until ctx ends or shutdown begins.
//   - Sample returns ErrSampledOut for discarded events and drops like
//     Drop otherwise.
//
// Once Shutdown has begun Enqueue returns ErrClosed. ev must not be
// modified after a successful Enqueue.
func (w *Worker) Enqueue(ctx context.Context, ev types.Event) error {
	w.collector.TrackAttempt()

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed || isDone(w.closing) {
		w.collector.TrackRejectedClosed()
		return ErrClosed
	}

	if w.overflow != nil && !w.overflow.Keep() {
		w.collector.TrackSampledAtEnqueue()
		return ErrSampledOut
	}

	item := types.QueueItem{Event: ev, EnqueuedAt: time.Now()}

	if w.cfg.Overflow.Kind == OverflowBlock {
		select {
		case w.queue <- item:
			w.collector.TrackEnqueued()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closing:
			w.collector.TrackRejectedClosed()
			return ErrClosed
		}
	}

	select {
	case w.queue <- item:
		w.collector.TrackEnqueued()
		return nil
	default:
		w.collector.TrackDropped()
		return ErrQueueFull
	}
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// run is the single consumer. Items are processed in FIFO order.
func (w *Worker) run() {
	defer close(w.done)
	for {
		// Stopping takes priority so an aborted shutdown does not keep
		// processing a backlog.
		if isDone(w.stopping) {
			w.drain()
			return
		}
		select {
		case item := <-w.queue:
			w.process(item)
		case <-w.stopping:
			w.drain()
			return
		}
	}
}

// drain processes what is left in the queue until it is empty or the
// grace period runs out.
func (w *Worker) drain() {
	for {
		if isDone(w.abort) {
			w.discard()
			return
		}
		select {
		case item := <-w.queue:
			w.process(item)
		default:
			return
		}
	}
}

// discard empties the queue, counting every remaining item lost.
func (w *Worker) discard() {
	lost := 0
	for {
		select {
		case <-w.queue:
			lost++
		default:
			if lost > 0 {
				w.collector.TrackLost(lost)
				w.reportError(LogError{
					Level:     ErrorLevelCritical,
					Operation: "shutdown",
					Message:   fmt.Sprintf("flush timeout reached, %d queued events lost", lost),
					Err:       context.DeadlineExceeded,
				})
			}
			return
		}
	}
}

// process runs one item through the chain and the dispatcher. Nothing it
// does can stop the run loop.
func (w *Worker) process(item types.QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			w.collector.TrackProcessingError()
			w.reportError(LogError{
				Level:     ErrorLevelCritical,
				Operation: "process",
				Message:   "recovered from panic",
				Err:       fmt.Errorf("%v", r),
			})
		}
	}()

	rec, err := w.chain.Process(item)
	if err != nil {
		if errors.Is(err, processor.ErrSampled) {
			w.collector.TrackSampledInChain()
			return
		}
		w.collector.TrackProcessingError()
		w.reportError(LogError{
			Level:     ErrorLevelHigh,
			Operation: "process",
			Message:   "dropping event that could not be processed",
			Err:       err,
		})
		return
	}

	w.dispatcher.Dispatch(w.baseCtx, rec)
	w.collector.TrackProcessed()
}

// Flush asks every sink to deliver what it has buffered. It does not wait
// for the queue.
func (w *Worker) Flush(ctx context.Context) error {
	return w.dispatcher.Flush(ctx)
}

// Shutdown stops accepting events, drains the queue, then flushes and
// closes every sink. Without a deadline on ctx the configured flush timeout
// applies. Events still queued when time runs out are counted lost.
// Shutdown is idempotent and may be called from any goroutine; later calls
// return the first result.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() {
		w.shutdownErr = w.shutdown(ctx)
	})
	return w.shutdownErr
}

func (w *Worker) shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.FlushTimeout)
		defer cancel()
	}
	defer w.cancel()

	close(w.closing)
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.Start()
	close(w.stopping)

	var result *multierror.Error
	select {
	case <-w.done:
	case <-ctx.Done():
		close(w.abort)
		w.cancel()
		<-w.done
		result = multierror.Append(result, errors.Wrap(ctx.Err(), "draining queue"))
	}

	if err := w.dispatcher.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Metrics returns a snapshot of the pipeline counters.
func (w *Worker) Metrics() metrics.Metrics {
	return w.collector.GetMetrics(len(w.queue), cap(w.queue))
}

// Sinks returns the sink names in dispatch order.
func (w *Worker) Sinks() []string {
	return w.dispatcher.Sinks()
}

// Closed reports whether Shutdown has been called.
func (w *Worker) Closed() bool {
	return isDone(w.closing)
}
