package watcher

import "sync"

// pathQueue is a thread-safe FIFO of changed file paths.
//
// Debounce timers enqueue from their own goroutines while the watcher loop
// dequeues. A path already waiting in the queue is not added twice.
//
// The queue signals through a buffered channel so the loop can select on it
// together with context cancellation.
type pathQueue struct {
	mu     sync.Mutex
	paths  []string
	queued map[string]bool
	closed bool
	signal chan struct{} // buffered, size 1
}

func newPathQueue() *pathQueue {
	return &pathQueue{
		paths:  make([]string, 0, 16),
		queued: make(map[string]bool),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds path to the back of the queue.
// Returns false if the queue is closed.
func (q *pathQueue) Enqueue(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if !q.queued[path] {
		q.queued[path] = true
		q.paths = append(q.paths, path)
	}

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front path without blocking.
func (q *pathQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.paths) == 0 {
		return "", false
	}
	p := q.paths[0]
	delete(q.queued, p)
	if len(q.paths) == 1 {
		q.paths = q.paths[:0]
	} else {
		q.paths = q.paths[1:]
	}
	return p, true
}

// Wait returns a channel that signals when paths may be available.
func (q *pathQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued paths.
func (q *pathQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.paths)
}

// Close stops further enqueues and wakes any waiter.
func (q *pathQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
