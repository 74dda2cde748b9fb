package buffer

import (
	"bytes"
	"sync"
)

// maxPooledCap keeps oversized buffers from being retained by the pool.
const maxPooledCap = 32 * 1024

// BufferPool manages reusable byte buffers for rendering and payload encoding.
type BufferPool struct {
	pool     sync.Pool
	capacity int
}

// NewBufferPool creates a pool whose buffers start at 512 bytes.
func NewBufferPool() *BufferPool {
	return NewBufferPoolWithCapacity(512)
}

// NewBufferPoolWithCapacity creates a pool with a specific initial buffer capacity.
func NewBufferPoolWithCapacity(capacity int) *BufferPool {
	bp := &BufferPool{capacity: capacity}
	bp.pool = sync.Pool{
		New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, capacity))
		},
	}
	return bp
}

// Get returns an empty buffer. Return it with Put when done.
func (bp *BufferPool) Get() *bytes.Buffer {
	buf, ok := bp.pool.Get().(*bytes.Buffer)
	if !ok {
		return bytes.NewBuffer(make([]byte, 0, bp.capacity))
	}
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool. Buffers above 32KB are dropped.
func (bp *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledCap {
		return
	}
	buf.Reset()
	bp.pool.Put(buf)
}

var defaultPool = NewBufferPool()

// GetBuffer retrieves a buffer from the shared pool.
func GetBuffer() *bytes.Buffer { return defaultPool.Get() }

// PutBuffer returns a buffer to the shared pool.
func PutBuffer(buf *bytes.Buffer) { defaultPool.Put(buf) }
