package decoder

import "sync"

// SegmentTracker remembers the most recently written segment URIs in a
// fixed-size circular buffer, so live playlist refreshes only forward new
// segments. The oldest entry is evicted once the tracker is full.
type SegmentTracker struct {
	segments    []string
	segmentMap  map[string]int
	head        int
	maxSize     int
	currentSize int
	mutex       sync.RWMutex
}

// NewSegmentTracker creates a tracker holding up to maxSize segments.
func NewSegmentTracker(maxSize int) *SegmentTracker {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &SegmentTracker{
		segments:   make([]string, maxSize),
		segmentMap: make(map[string]int, maxSize),
		maxSize:    maxSize,
	}
}

// HasProcessed reports whether uri is still tracked.
func (st *SegmentTracker) HasProcessed(uri string) bool {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	_, exists := st.segmentMap[uri]
	return exists
}

// MarkProcessed records uri, evicting the oldest entry when full.
func (st *SegmentTracker) MarkProcessed(uri string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if _, exists := st.segmentMap[uri]; exists {
		return
	}

	if st.currentSize >= st.maxSize {
		if old := st.segments[st.head]; old != "" {
			delete(st.segmentMap, old)
		}
	} else {
		st.currentSize++
	}

	st.segments[st.head] = uri
	st.segmentMap[uri] = st.head
	st.head = (st.head + 1) % st.maxSize
}

// Size returns the number of tracked segments.
func (st *SegmentTracker) Size() int {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return st.currentSize
}

// Clear forgets every tracked segment.
func (st *SegmentTracker) Clear() {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	clear(st.segmentMap)
	clear(st.segments)
	st.head = 0
	st.currentSize = 0
}
