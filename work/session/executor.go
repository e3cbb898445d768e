package session

import "sync"

// executor runs steps one at a time in submission order. There is no
// background goroutine: whichever caller finds the queue idle drains it,
// including steps queued by other goroutines meanwhile. A step that posts
// another step never runs it inline.
type executor struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// post queues fn without waiting for it.
func (e *executor) post(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()

	e.drain()
}

// do queues fn and waits until it has run. Must not be called from a step.
func (e *executor) do(fn func()) {
	done := make(chan struct{})
	e.post(func() {
		defer close(done)
		fn()
	})
	<-done
}

func (e *executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}
