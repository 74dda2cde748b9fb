package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnipipe/internal/metrics"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// laneInboxSize bounds the jobs waiting on one sink.
const laneInboxSize = 64

type jobKind int

const (
	jobAccept jobKind = iota
	jobFlush
	jobClose
)

func (k jobKind) String() string {
	switch k {
	case jobAccept:
		return "accept"
	case jobFlush:
		return "flush"
	default:
		return "close"
	}
}

type laneResult struct {
	err      error
	duration time.Duration
}

type laneJob struct {
	kind   jobKind
	ctx    context.Context
	rec    *types.Record
	result chan laneResult // buffered, the lane never blocks on it
}

// lane owns one sink. Jobs run one at a time in arrival order, so a sink
// sees records in dispatch order and never concurrently.
type lane struct {
	sink  types.Sink
	name  string
	inbox chan laneJob
	done  chan struct{}

	// closeCtx is set when the close job could not be queued. The lane then
	// closes the sink itself once the inbox is drained. Written before the
	// inbox is closed, read after it.
	closeCtx context.Context
}

func newLane(sink types.Sink) *lane {
	l := &lane{
		sink:  sink,
		name:  sink.Name(),
		inbox: make(chan laneJob, laneInboxSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *lane) run() {
	defer close(l.done)
	defer func() {
		if l.closeCtx != nil {
			_ = l.handle(laneJob{kind: jobClose, ctx: l.closeCtx})
		}
	}()
	for job := range l.inbox {
		start := time.Now()
		var err error
		if job.kind == jobAccept && job.ctx.Err() != nil {
			// The dispatcher already gave up on this record.
			err = job.ctx.Err()
		} else {
			err = l.handle(job)
		}
		job.result <- laneResult{err: err, duration: time.Since(start)}
	}
}

// handle runs one job, turning a sink panic into an error.
func (l *lane) handle(job laneJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked during %s: %v", l.name, job.kind, r)
		}
	}()

	switch job.kind {
	case jobAccept:
		return l.sink.Accept(job.ctx, job.rec)
	case jobFlush:
		return l.sink.Flush(job.ctx)
	default:
		return l.sink.Close(job.ctx)
	}
}

// Dispatcher delivers each record to every sink concurrently. A failing,
// panicking or slow sink only affects its own outcome.
type Dispatcher struct {
	mu        sync.RWMutex
	lanes     []*lane
	closed    bool
	timeout   time.Duration
	collector *metrics.Collector
	report    func(LogError)
}

// NewDispatcher starts one lane per sink. Sink order is kept for outcomes
// and diagnostics.
func NewDispatcher(sinks []types.Sink, timeout time.Duration, collector *metrics.Collector, report func(LogError)) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if report == nil {
		report = SilentErrorHandler
	}
	d := &Dispatcher{
		lanes:     make([]*lane, 0, len(sinks)),
		timeout:   timeout,
		collector: collector,
		report:    report,
	}
	for _, sink := range sinks {
		d.lanes = append(d.lanes, newLane(sink))
	}
	return d
}

// Sinks returns the sink names in configuration order.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.lanes))
	for i, l := range d.lanes {
		names[i] = l.name
	}
	return names
}

// Dispatch hands rec to every sink and waits up to the sink timeout for
// each result. Failures are reported and counted, never returned as an
// error.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *types.Record) []types.Outcome {
	d.mu.RLock()
	defer d.mu.RUnlock()

	outcomes := make([]types.Outcome, len(d.lanes))
	if d.closed {
		for i, l := range d.lanes {
			outcomes[i] = types.Outcome{Sink: l.name, Err: ErrClosed}
		}
		return outcomes
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// A full inbox is retried only after every other lane has the record,
	// so one backed-up sink cannot delay the rest.
	results := make([]chan laneResult, len(d.lanes))
	var backlogged []int
	for i, l := range d.lanes {
		results[i] = make(chan laneResult, 1)
		select {
		case l.inbox <- laneJob{kind: jobAccept, ctx: ctx, rec: rec, result: results[i]}:
		default:
			backlogged = append(backlogged, i)
		}
	}
	for _, i := range backlogged {
		select {
		case d.lanes[i].inbox <- laneJob{kind: jobAccept, ctx: ctx, rec: rec, result: results[i]}:
		case <-ctx.Done():
			results[i] <- laneResult{err: ctx.Err(), duration: d.timeout}
		}
	}

	for i, l := range d.lanes {
		res := awaitResult(ctx, results[i], d.timeout)
		if errors.Is(res.err, context.DeadlineExceeded) {
			res.err = errors.Wrapf(ErrSinkTimeout, "%s after %s", l.name, d.timeout)
		}
		outcomes[i] = types.Outcome{Sink: l.name, Err: res.err, Duration: res.duration}
		d.record(l.name, res)
	}
	return outcomes
}

// awaitResult prefers a result that is already available over an expired
// context.
func awaitResult(ctx context.Context, ch <-chan laneResult, timeout time.Duration) laneResult {
	select {
	case res := <-ch:
		return res
	default:
	}
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return laneResult{err: ctx.Err(), duration: timeout}
	}
}

func (d *Dispatcher) record(name string, res laneResult) {
	d.collector.TrackSinkResult(name, res.err == nil, res.duration)
	if res.err == nil {
		return
	}

	if errors.Is(res.err, ErrSinkTimeout) {
		d.collector.TrackSinkTimeout(name)
		d.report(LogError{
			Timestamp:   time.Now(),
			Level:       ErrorLevelHigh,
			Operation:   "dispatch",
			Destination: name,
			Message:     fmt.Sprintf("sink did not accept record within %s", d.timeout),
			Err:         res.err,
		})
		return
	}
	d.report(LogError{
		Timestamp:   time.Now(),
		Level:       ErrorLevelMedium,
		Operation:   "dispatch",
		Destination: name,
		Message:     "sink rejected record",
		Err:         res.err,
	})
}

// Flush asks every sink to deliver what it buffers and waits for all of
// them or ctx.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return d.broadcast(ctx, jobFlush)
}

// Close flushes and closes every sink and stops the lanes. Errors from all
// sinks are combined. Later calls return nil.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	err := d.broadcast(ctx, jobClose)
	for _, l := range d.lanes {
		close(l.inbox)
	}
	return err
}

// broadcast sends a job of kind to every lane and collects the results.
func (d *Dispatcher) broadcast(ctx context.Context, kind jobKind) error {
	results := make([]chan laneResult, len(d.lanes))
	for i, l := range d.lanes {
		results[i] = make(chan laneResult, 1)
		job := laneJob{kind: kind, ctx: ctx, result: results[i]}
		// Room in the inbox wins over an expired ctx so a sink still gets
		// to close and count what it loses.
		select {
		case l.inbox <- job:
			continue
		default:
		}
		select {
		case l.inbox <- job:
		case <-ctx.Done():
			if kind == jobClose {
				l.closeCtx = ctx
			}
			results[i] <- laneResult{err: ctx.Err()}
		}
	}

	var result *multierror.Error
	for i, l := range d.lanes {
		res := awaitResult(ctx, results[i], 0)
		if res.err != nil {
			result = multierror.Append(result, errors.Wrapf(res.err, "%s %s", kind, l.name))
		}
	}
	return result.ErrorOrNil()
}
