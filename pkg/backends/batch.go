package backends

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnipipe/internal/buffer"
	"github.com/wayneeseguin/omnipipe/internal/retry"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Batch sink errors.
var (
	ErrSinkClosed    = errors.New("sink is closed")
	ErrPendingFull   = errors.New("too many pending batches")
	ErrBatchDropped  = errors.New("batch dropped after retries")
	ErrFlushTimedOut = errors.New("flush timed out")
)

// BatchOption configures a BatchSink.
type BatchOption func(*BatchSink)

// WithBatchClock sets the clock used for retry backoff.
func WithBatchClock(clock retry.Clock) BatchOption {
	return func(s *BatchSink) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithBatchErrorHandler sets the handler that receives delivery failures.
func WithBatchErrorHandler(handler ErrorHandler) BatchOption {
	return func(s *BatchSink) {
		s.errorHandler = handler
	}
}

// pendingItem is either a batch to send or a marker whose done channel is
// closed once every batch queued before it has been handled.
type pendingItem struct {
	batch *buffer.Batch
	done  chan struct{}
}

// BatchSink buffers lines and hands full or aged batches to a background
// sender, which pushes them through a Transport with bounded retries.
// Accept never performs network I/O.
type BatchSink struct {
	name         string
	cfg          BatchConfig
	transport    Transport
	clock        retry.Clock
	errorHandler ErrorHandler

	mu     sync.Mutex
	batch  *buffer.Batch
	timer  *time.Timer
	gen    uint64
	closed bool

	pending    chan pendingItem
	stop       chan struct{}
	done       chan struct{}
	sendCtx    context.Context
	cancelSend context.CancelFunc
	closeOnce  sync.Once
	closeErr   error

	pendingBatches atomic.Int64
	sent           atomic.Uint64
	lost           atomic.Uint64
}

// NewBatchSink starts a batch sink and its sender goroutine.
func NewBatchSink(name string, cfg BatchConfig, transport Transport, opts ...BatchOption) *BatchSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchConfig().BatchSize
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchConfig().BatchInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultBatchConfig().MaxPending
	}

	sendCtx, cancel := context.WithCancel(context.Background())
	s := &BatchSink{
		name:       name,
		cfg:        cfg,
		transport:  transport,
		clock:      retry.SystemClock{},
		pending:    make(chan pendingItem, cfg.MaxPending),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		sendCtx:    sendCtx,
		cancelSend: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.batch = s.newBatch()

	go s.run()
	return s
}

func (s *BatchSink) newBatch() *buffer.Batch {
	return buffer.NewBatch(s.cfg.Labels, s.cfg.BatchSize)
}

func (s *BatchSink) Name() string { return s.name }

// Accept buffers the JSON rendering of rec. Reaching batch_size hands the
// batch to the sender immediately; otherwise the first line of a batch arms
// the batch_interval timer.
func (s *BatchSink) Accept(ctx context.Context, rec *types.Record) error {
	var extra map[string]string
	if s.cfg.LevelLabel && rec.Level != "" {
		extra = map[string]string{"level": rec.Level}
	}
	line := bytes.TrimSuffix(rec.JSON, []byte("\n"))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	n := s.batch.Add(rec.Timestamp, line, extra)
	if n >= s.cfg.BatchSize {
		return s.enqueueLocked(s.swapLocked())
	}
	if n == 1 {
		gen := s.gen
		s.timer = time.AfterFunc(s.cfg.BatchInterval, func() {
			s.flushAged(gen)
		})
	}
	return nil
}

// swapLocked detaches the current batch and disarms its timer.
func (s *BatchSink) swapLocked() *buffer.Batch {
	b := s.batch
	s.batch = s.newBatch()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return b
}

// enqueueLocked hands b to the sender without blocking. When the pending
// queue is full the batch is dropped and its lines counted lost.
func (s *BatchSink) enqueueLocked(b *buffer.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	s.pendingBatches.Add(1)
	select {
	case s.pending <- pendingItem{batch: b}:
		return nil
	default:
		s.pendingBatches.Add(-1)
		s.lost.Add(uint64(b.Len()))
		err := errors.Wrapf(ErrPendingFull, "%s dropped %d lines", s.name, b.Len())
		s.reportError("batch", "pending queue full, dropping batch", err)
		return err
	}
}

func (s *BatchSink) flushAged(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen || s.batch.Len() == 0 {
		return
	}
	_ = s.enqueueLocked(s.swapLocked())
}

// enqueueWait queues b and a marker, waiting for room, then waits until the
// sender has handled everything up to the marker.
func (s *BatchSink) enqueueWait(ctx context.Context, b *buffer.Batch) error {
	if b != nil && b.Len() > 0 {
		s.pendingBatches.Add(1)
		select {
		case s.pending <- pendingItem{batch: b}:
		case <-ctx.Done():
			s.pendingBatches.Add(-1)
			s.lost.Add(uint64(b.Len()))
			return errors.Wrapf(ErrFlushTimedOut, "%s: %d lines not queued", s.name, b.Len())
		}
	}

	marker := make(chan struct{})
	select {
	case s.pending <- pendingItem{done: marker}:
	case <-ctx.Done():
		return errors.Wrap(ErrFlushTimedOut, s.name)
	}

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ErrFlushTimedOut, s.name)
	}
}

// Flush sends the current batch and waits for every queued batch to be
// delivered or dropped.
func (s *BatchSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	b := s.swapLocked()
	s.mu.Unlock()

	return s.enqueueWait(ctx, b)
}

// Close flushes what is buffered and stops the sender. Batches that cannot
// be delivered before ctx ends are counted lost.
func (s *BatchSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		b := s.swapLocked()
		s.mu.Unlock()

		err := s.enqueueWait(ctx, b)
		if err != nil {
			// Abort in-flight sends and backoff waits.
			s.cancelSend()
		}

		close(s.stop)
		<-s.done
		s.cancelSend()
		s.drainStranded()

		if closeErr := s.transport.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.closeErr = err
	})
	return s.closeErr
}

// drainStranded counts batches left behind after the sender stopped.
func (s *BatchSink) drainStranded() {
	for {
		select {
		case item := <-s.pending:
			if item.batch != nil {
				s.pendingBatches.Add(-1)
				s.lost.Add(uint64(item.batch.Len()))
			}
			if item.done != nil {
				close(item.done)
			}
		default:
			return
		}
	}
}

func (s *BatchSink) run() {
	defer close(s.done)
	for {
		select {
		case item := <-s.pending:
			if item.batch != nil {
				s.send(item.batch)
				s.pendingBatches.Add(-1)
			}
			if item.done != nil {
				close(item.done)
			}
		case <-s.stop:
			return
		}
	}
}

// send encodes b once and retries the same payload until the retry policy
// gives up. A dropped batch produces exactly one error report.
func (s *BatchSink) send(b *buffer.Batch) {
	payload, err := s.transport.Encode(b)
	if err != nil {
		s.lost.Add(uint64(b.Len()))
		s.reportError("encode", fmt.Sprintf("dropping batch of %d lines", b.Len()), err)
		return
	}

	m := retry.New(s.cfg.RetryPolicy(), retry.WithClock(s.clock))
	err = m.Run(s.sendCtx, func(ctx context.Context, attempt int) error {
		return s.transport.Send(ctx, payload)
	})
	if err != nil {
		s.lost.Add(uint64(payload.Lines))
		s.reportError("send", fmt.Sprintf("dropping batch of %d lines after %d attempt(s)", payload.Lines, m.Attempts()),
			errors.Wrapf(ErrBatchDropped, "%v", err))
		return
	}
	s.sent.Add(1)
}

func (s *BatchSink) reportError(source, msg string, err error) {
	if s.errorHandler != nil {
		s.errorHandler(source, s.name, msg, err)
	}
}

// Stats reports buffer occupancy and delivery counts.
func (s *BatchSink) Stats() types.SinkStats {
	s.mu.Lock()
	buffered := s.batch.Len()
	s.mu.Unlock()
	return types.SinkStats{
		BufferedLines:  buffered,
		PendingBatches: int(s.pendingBatches.Load()),
		SentBatches:    s.sent.Load(),
		LostLines:      s.lost.Load(),
	}
}
