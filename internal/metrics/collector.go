package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Collector handles metrics collection for a pipeline.
type Collector struct {
	// Producer side
	attempted        uint64
	enqueued         uint64
	dropped          uint64
	sampledAtEnqueue uint64
	rejectedClosed   uint64

	// Consumer side
	processed        uint64
	sampledInChain   uint64
	processingErrors uint64
	lost             uint64

	// File operations
	rotationCount    uint64
	compressionCount uint64

	// Error metrics
	errorCount     uint64
	errorsBySource sync.Map // map[string]*atomic.Uint64

	// Per-sink delivery
	sinks     sync.Map // map[string]*sinkCounters
	sinkOrder []string
	orderMu   sync.Mutex
}

type sinkCounters struct {
	accepted     atomic.Uint64
	failed       atomic.Uint64
	timeouts     atomic.Uint64
	totalLatency atomic.Int64 // nanoseconds
	maxLatency   atomic.Int64 // nanoseconds

	statsMu sync.RWMutex
	stats   func() types.SinkStats
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Metrics contains a point-in-time snapshot of pipeline metrics.
type Metrics struct {
	// Producer side
	Attempted        uint64 `json:"attempted"`
	Enqueued         uint64 `json:"enqueued"`
	Dropped          uint64 `json:"dropped"`
	SampledAtEnqueue uint64 `json:"sampled_at_enqueue"`
	RejectedClosed   uint64 `json:"rejected_closed"`

	// Queue metrics
	QueueDepth       int     `json:"queue_depth"`
	QueueCapacity    int     `json:"queue_capacity"`
	QueueUtilization float64 `json:"queue_utilization"`

	// Consumer side
	Processed        uint64 `json:"processed"`
	SampledInChain   uint64 `json:"sampled_in_chain"`
	ProcessingErrors uint64 `json:"processing_errors"`
	Lost             uint64 `json:"lost"`

	// File operations
	RotationCount    uint64 `json:"rotation_count"`
	CompressionCount uint64 `json:"compression_count"`

	// Error metrics
	ErrorCount     uint64            `json:"error_count"`
	ErrorsBySource map[string]uint64 `json:"errors_by_source"`

	// Sink metrics, in registration order
	Sinks []SinkMetrics `json:"sinks"`
}

// SinkMetrics contains metrics for a single sink.
type SinkMetrics struct {
	Name           string        `json:"name"`
	Accepted       uint64        `json:"accepted"`
	Failed         uint64        `json:"failed"`
	Timeouts       uint64        `json:"timeouts"`
	AverageLatency time.Duration `json:"average_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	BufferedLines  int           `json:"buffered_lines"`
	PendingBatches int           `json:"pending_batches"`
	SentBatches    uint64        `json:"sent_batches"`
	LostLines      uint64        `json:"lost_lines"`
}

// GetMetrics returns current metrics snapshot.
func (c *Collector) GetMetrics(queueDepth, queueCapacity int) Metrics {
	m := Metrics{
		Attempted:        atomic.LoadUint64(&c.attempted),
		Enqueued:         atomic.LoadUint64(&c.enqueued),
		Dropped:          atomic.LoadUint64(&c.dropped),
		SampledAtEnqueue: atomic.LoadUint64(&c.sampledAtEnqueue),
		RejectedClosed:   atomic.LoadUint64(&c.rejectedClosed),
		QueueDepth:       queueDepth,
		QueueCapacity:    queueCapacity,
		Processed:        atomic.LoadUint64(&c.processed),
		SampledInChain:   atomic.LoadUint64(&c.sampledInChain),
		ProcessingErrors: atomic.LoadUint64(&c.processingErrors),
		Lost:             atomic.LoadUint64(&c.lost),
		RotationCount:    atomic.LoadUint64(&c.rotationCount),
		CompressionCount: atomic.LoadUint64(&c.compressionCount),
		ErrorCount:       atomic.LoadUint64(&c.errorCount),
		ErrorsBySource:   make(map[string]uint64),
	}

	if m.QueueCapacity > 0 {
		m.QueueUtilization = float64(m.QueueDepth) / float64(m.QueueCapacity)
	}

	c.errorsBySource.Range(func(key, value interface{}) bool {
		if count := value.(*atomic.Uint64).Load(); count > 0 {
			m.ErrorsBySource[key.(string)] = count
		}
		return true
	})

	for _, name := range c.sinkNames() {
		val, ok := c.sinks.Load(name)
		if !ok {
			continue
		}
		sc := val.(*sinkCounters)
		sm := SinkMetrics{
			Name:       name,
			Accepted:   sc.accepted.Load(),
			Failed:     sc.failed.Load(),
			Timeouts:   sc.timeouts.Load(),
			MaxLatency: time.Duration(sc.maxLatency.Load()),
		}
		if calls := sm.Accepted + sm.Failed; calls > 0 {
			sm.AverageLatency = time.Duration(sc.totalLatency.Load()) / time.Duration(calls)
		}
		sc.statsMu.RLock()
		statsFn := sc.stats
		sc.statsMu.RUnlock()
		if statsFn != nil {
			st := statsFn()
			sm.BufferedLines = st.BufferedLines
			sm.PendingBatches = st.PendingBatches
			sm.SentBatches = st.SentBatches
			sm.LostLines = st.LostLines
		}
		m.Sinks = append(m.Sinks, sm)
	}

	return m
}

func (c *Collector) sinkNames() []string {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	out := make([]string, len(c.sinkOrder))
	copy(out, c.sinkOrder)
	return out
}

func (c *Collector) sink(name string) *sinkCounters {
	if val, ok := c.sinks.Load(name); ok {
		return val.(*sinkCounters)
	}
	val, loaded := c.sinks.LoadOrStore(name, &sinkCounters{})
	if !loaded {
		c.orderMu.Lock()
		c.sinkOrder = append(c.sinkOrder, name)
		c.orderMu.Unlock()
	}
	return val.(*sinkCounters)
}

// RegisterSink makes a sink visible in snapshots. stats may be nil for
// sinks that do not buffer.
func (c *Collector) RegisterSink(name string, stats func() types.SinkStats) {
	sc := c.sink(name)
	sc.statsMu.Lock()
	sc.stats = stats
	sc.statsMu.Unlock()
}

// TrackAttempt counts one call to enqueue.
func (c *Collector) TrackAttempt() { atomic.AddUint64(&c.attempted, 1) }

// TrackEnqueued counts one event accepted into the queue.
func (c *Collector) TrackEnqueued() { atomic.AddUint64(&c.enqueued, 1) }

// TrackDropped counts one event rejected because the queue was full.
func (c *Collector) TrackDropped() { atomic.AddUint64(&c.dropped, 1) }

// TrackSampledAtEnqueue counts one event discarded by the sample overflow policy.
func (c *Collector) TrackSampledAtEnqueue() { atomic.AddUint64(&c.sampledAtEnqueue, 1) }

// TrackRejectedClosed counts one enqueue refused during or after shutdown.
func (c *Collector) TrackRejectedClosed() { atomic.AddUint64(&c.rejectedClosed, 1) }

// TrackProcessed counts one event that went through the chain and dispatch.
func (c *Collector) TrackProcessed() { atomic.AddUint64(&c.processed, 1) }

// TrackSampledInChain counts one event dropped by the chain's sampling gate.
func (c *Collector) TrackSampledInChain() { atomic.AddUint64(&c.sampledInChain, 1) }

// TrackProcessingError counts one event the chain failed on.
func (c *Collector) TrackProcessingError() { atomic.AddUint64(&c.processingErrors, 1) }

// TrackLost counts events abandoned at shutdown.
func (c *Collector) TrackLost(n int) {
	if n > 0 {
		atomic.AddUint64(&c.lost, uint64(n))
	}
}

// TrackRotation increments the rotation counter.
func (c *Collector) TrackRotation() { atomic.AddUint64(&c.rotationCount, 1) }

// TrackCompression increments the compression counter.
func (c *Collector) TrackCompression() { atomic.AddUint64(&c.compressionCount, 1) }

// TrackMetric maps named events reported by sinks onto counters.
func (c *Collector) TrackMetric(event string) {
	switch event {
	case "rotation_completed":
		c.TrackRotation()
	case "compression_completed":
		c.TrackCompression()
	}
}

// TrackSinkResult records the outcome of one delivery to a sink.
func (c *Collector) TrackSinkResult(name string, ok bool, duration time.Duration) {
	sc := c.sink(name)
	if ok {
		sc.accepted.Add(1)
	} else {
		sc.failed.Add(1)
	}
	sc.totalLatency.Add(int64(duration))
	for {
		oldMax := sc.maxLatency.Load()
		if int64(duration) <= oldMax {
			break
		}
		if sc.maxLatency.CompareAndSwap(oldMax, int64(duration)) {
			break
		}
	}
}

// TrackSinkTimeout records a delivery abandoned after the sink timeout.
func (c *Collector) TrackSinkTimeout(name string) {
	c.sink(name).timeouts.Add(1)
}

// TrackError increments the error counter and tracks by source.
func (c *Collector) TrackError(source string) {
	atomic.AddUint64(&c.errorCount, 1)

	val, _ := c.errorsBySource.LoadOrStore(source, &atomic.Uint64{})
	val.(*atomic.Uint64).Add(1)
}

// GetErrorCount returns the total error count.
func (c *Collector) GetErrorCount() uint64 {
	return atomic.LoadUint64(&c.errorCount)
}

// GetErrorCountBySource returns the error count for a specific source.
func (c *Collector) GetErrorCountBySource(source string) uint64 {
	if val, ok := c.errorsBySource.Load(source); ok {
		return val.(*atomic.Uint64).Load()
	}
	return 0
}

// SinkNames returns registered sink names sorted alphabetically.
func (c *Collector) SinkNames() []string {
	names := c.sinkNames()
	sort.Strings(names)
	return names
}
