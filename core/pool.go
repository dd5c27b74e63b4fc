package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool hands out reusable buffers for record encoding and compression.
type bufferPool struct {
	pool     sync.Pool
	capacity int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// DefaultBufferSize is the initial capacity of pooled buffers.
const DefaultBufferSize = 4 * 1024

// maxPooledBufferSize keeps a single huge record from pinning memory in the pool.
const maxPooledBufferSize = 1 << 20

var BufferPool = NewBufferPool(DefaultBufferSize)

// NewBufferPool creates a new buffer pool.
func NewBufferPool(capacity int) *bufferPool {
	bp := &bufferPool{capacity: capacity}
	bp.pool.New = func() any {
		bp.misses.Add(1)
		return bytes.NewBuffer(make([]byte, 0, bp.capacity))
	}
	return bp
}

// Get retrieves a reset buffer.
func (bp *bufferPool) Get() *bytes.Buffer {
	buf := bp.pool.Get().(*bytes.Buffer)
	bp.hits.Add(1)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	bp.pool.Put(buf)
}

// GetMetrics returns the number of Get calls and of buffers allocated.
func (bp *bufferPool) GetMetrics() (gets, created uint64) {
	return bp.hits.Load(), bp.misses.Load()
}
