package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// BufferPool is a thread-safe pool of reusable byte buffers backed by
// valyala/bytebufferpool. The decoder borrows one buffer per segment download,
// fills it completely and hands the whole segment to the sink in one write.
// Every buffer handed out has at least bufferSize bytes of capacity, so most
// segments fit without the buffer growing mid-download.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a BufferPool whose buffers start with bufferSize bytes
// of capacity. The pool is empty at first and fills as buffers are returned
// with Put; it is ready for concurrent use immediately.
func NewBufferPool(bufferSize int64) *BufferPool {
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a buffer from the pool, reset to zero length. Buffers that
// shrank below the configured capacity are replaced with a fresh allocation.
// Callers own the buffer until they pass it back to Put.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool for reuse. Nil buffers are ignored. The
// buffer must not be touched after Put returns.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// RingBuffer is a thread-safe circular buffer with one writer and many
// concurrent readers. Positions are absolute byte offsets into everything ever
// written; each reader (viewer) keeps its own position, so viewers consume the
// same stream independently. Once full, new data overwrites the oldest bytes,
// and a reader that falls more than a full buffer behind skips forward to the
// oldest byte still retained.
type RingBuffer struct {
	data      []byte
	size      int64
	writePos  atomic.Int64
	readPos   sync.Map
	destroyed atomic.Bool
	mu        sync.RWMutex
}

// NewRingBuffer creates a RingBuffer holding size bytes. The storage is
// allocated up front and zeroed; a non-positive size is raised to one byte.
func NewRingBuffer(size int64) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		data: make([]byte, size),
		size: size,
	}
}

// Write appends data at the write position, wrapping around the end of the
// storage and overwriting the oldest bytes once full. When data is larger than
// the whole buffer only its tail is kept, but the write position still
// advances by the full length so readers see a consistent offset. Writes to a
// destroyed buffer are ignored.
func (rb *RingBuffer) Write(data []byte) {
	if rb.destroyed.Load() {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.destroyed.Load() || rb.data == nil {
		return
	}

	writePos := rb.writePos.Load()
	if int64(len(data)) > rb.size {
		// only the tail survives
		skip := int64(len(data)) - rb.size
		writePos += skip
		data = data[skip:]
	}

	offset := writePos % rb.size
	n := int64(copy(rb.data[offset:], data))
	if n < int64(len(data)) {
		copy(rb.data, data[n:])
	}

	rb.writePos.Store(writePos + int64(len(data)))
}

// ReadNext returns up to max bytes the client has not read yet and advances
// its position past them. Unknown clients are registered at position zero and
// start with everything still retained. A client that fell behind by more
// than the buffer size resumes at the oldest retained byte. A nil result
// means the client is caught up or the buffer is destroyed.
func (rb *RingBuffer) ReadNext(clientID string, max int64) []byte {
	if rb.destroyed.Load() {
		return nil
	}

	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.destroyed.Load() || rb.data == nil {
		return nil
	}

	writePos := rb.writePos.Load()
	pos := rb.GetClientPosition(clientID)
	if pos > writePos {
		pos = writePos
	}
	if writePos-pos > rb.size {
		pos = writePos - rb.size
	}

	n := writePos - pos
	if n > max {
		n = max
	}
	if n <= 0 {
		rb.readPos.Store(clientID, pos)
		return nil
	}

	out := make([]byte, n)
	offset := pos % rb.size
	copied := int64(copy(out, rb.data[offset:]))
	if copied < n {
		copy(out[copied:], rb.data)
	}

	rb.readPos.Store(clientID, pos+n)
	return out
}

// GetClientPosition returns the absolute read position of a client. A client
// seen for the first time is registered at position zero.
func (rb *RingBuffer) GetClientPosition(clientID string) int64 {
	if rb.destroyed.Load() {
		return 0
	}

	pos, _ := rb.readPos.LoadOrStore(clientID, int64(0))
	return pos.(int64)
}

// RemoveClient forgets a client's read position. It is called when a viewer
// disconnects so the position map does not grow without bound.
func (rb *RingBuffer) RemoveClient(clientID string) {
	if rb.destroyed.Load() {
		return
	}

	rb.readPos.Delete(clientID)
}

// Reset discards the buffered content and rewinds the write position and
// every registered client to zero. The relay calls it before a new session
// run so viewers never receive bytes from the previous source.
func (rb *RingBuffer) Reset() {
	if rb.destroyed.Load() {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.destroyed.Load() {
		return
	}

	rb.writePos.Store(0)
	rb.readPos.Range(func(key, _ interface{}) bool {
		rb.readPos.Store(key, int64(0))
		return true
	})
}

// Destroy zeroes and releases the storage and forgets every client. After
// Destroy, reads return nil and writes are ignored. Repeated calls are no-ops.
func (rb *RingBuffer) Destroy() {
	if !rb.destroyed.CompareAndSwap(false, true) {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.readPos.Range(func(key, _ interface{}) bool {
		rb.readPos.Delete(key)
		return true
	})

	clear(rb.data)
	rb.data = nil
	rb.writePos.Store(0)
}

// IsDestroyed reports whether Destroy has been called.
func (rb *RingBuffer) IsDestroyed() bool {
	return rb.destroyed.Load()
}

// GetWritePosition returns the total number of bytes ever written.
func (rb *RingBuffer) GetWritePosition() int64 {
	if rb.destroyed.Load() {
		return 0
	}
	return rb.writePos.Load()
}

// PeekRecentData returns a copy of up to maxBytes of the newest data.
func (rb *RingBuffer) PeekRecentData(maxBytes int64) []byte {
	if rb.destroyed.Load() {
		return nil
	}

	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.destroyed.Load() || rb.data == nil {
		return nil
	}

	writePos := rb.writePos.Load()
	if writePos == 0 {
		return nil
	}

	dataSize := min(maxBytes, writePos, rb.size)
	result := make([]byte, dataSize)
	startPos := (writePos - dataSize) % rb.size
	copied := int64(copy(result, rb.data[startPos:]))
	if copied < dataSize {
		copy(result[copied:], rb.data)
	}
	return result
}
