package buffer

import (
	"math"
	"sync"
	"sync/atomic"
)

// MediaSink is the output surface a decoder renders into. It carries the
// playback controls (pause, seek target, volume) alongside the ring buffer
// viewers read from.
type MediaSink struct {
	ring    *RingBuffer
	paused  atomic.Bool
	volume  atomic.Uint64
	written atomic.Int64
	dropped atomic.Int64

	mu         sync.Mutex
	seekTarget float64
	seekSeq    uint64
}

// NewMediaSink creates a sink backed by a ring buffer of size bytes.
func NewMediaSink(size int64) *MediaSink {
	s := &MediaSink{ring: NewRingBuffer(size)}
	s.volume.Store(math.Float64bits(1))
	return s
}

// Write accepts decoded media. Data arriving while paused is discarded.
func (s *MediaSink) Write(p []byte) (int, error) {
	if s.paused.Load() {
		s.dropped.Add(int64(len(p)))
		return len(p), nil
	}
	s.ring.Write(p)
	s.written.Add(int64(len(p)))
	return len(p), nil
}

func (s *MediaSink) Play() {
	s.paused.Store(false)
}

func (s *MediaSink) Pause() {
	s.paused.Store(true)
}

// Paused reports whether output is currently held.
func (s *MediaSink) Paused() bool {
	return s.paused.Load()
}

// Seek records a new playback position for the decoder to pick up.
func (s *MediaSink) Seek(position float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seekTarget = position
	s.seekSeq++
}

// SeekRequest returns the latest seek target and a sequence number that
// changes on every Seek call.
func (s *MediaSink) SeekRequest() (float64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seekTarget, s.seekSeq
}

func (s *MediaSink) SetVolume(v float64) {
	s.volume.Store(math.Float64bits(v))
}

func (s *MediaSink) Volume() float64 {
	return math.Float64frombits(s.volume.Load())
}

// Ring exposes the buffer viewers read from.
func (s *MediaSink) Ring() *RingBuffer {
	return s.ring
}

// Written returns the number of bytes accepted into the ring.
func (s *MediaSink) Written() int64 {
	return s.written.Load()
}

// Dropped returns the number of bytes discarded while paused.
func (s *MediaSink) Dropped() int64 {
	return s.dropped.Load()
}

// Reset empties the ring and clears pause and seek state for a new source.
func (s *MediaSink) Reset() {
	s.ring.Reset()
	s.paused.Store(false)
	s.mu.Lock()
	s.seekTarget = 0
	s.seekSeq = 0
	s.mu.Unlock()
}

// Destroy releases the ring buffer.
func (s *MediaSink) Destroy() {
	s.ring.Destroy()
}
