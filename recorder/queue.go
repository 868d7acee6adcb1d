package recorder

import (
	"log"
	"sync"
)

// Queue is an unbounded, closable multi-producer queue drained by a single
// consumer. Items the consumer cannot handle yet are put back with Defer;
// they are returned again by the next Drain that is woken by new work, a
// Poke or Close.
type Queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	deferred []T
	poked    bool
	closed   bool
}

// NewQueue creates an empty queue
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send appends an item. It reports false once the queue is closed.
func (q *Queue[T]) Send(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// Defer puts an item back without waking the consumer
func (q *Queue[T]) Defer(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deferred = append(q.deferred, item)
}

// Poke wakes the consumer if deferred items are waiting
func (q *Queue[T]) Poke() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.deferred) > 0 && !q.poked {
		q.poked = true
		q.cond.Signal()
	}
}

// Close stops accepting items and wakes the consumer
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Drain blocks until there is new work, a poke or the queue is closed, then
// returns every pending item, deferred ones first. open is false once the
// queue has been closed; the returned items are the last ones.
func (q *Queue[T]) Drain() (items []T, open bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !(q.poked && len(q.deferred) > 0) && !q.closed {
		q.cond.Wait()
	}

	items = make([]T, 0, len(q.deferred)+len(q.items))
	items = append(items, q.deferred...)
	items = append(items, q.items...)
	q.deferred = nil
	q.items = nil
	q.poked = false
	return items, !q.closed
}

// Len returns the number of queued and deferred items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.deferred)
}

// Deferred returns the number of deferred items
func (q *Queue[T]) Deferred() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deferred)
}

// worker runs a function on its own goroutine and lets the owner wait for
// it. A panic in the function is logged and still completes the worker.
type worker struct {
	done chan struct{}
}

func startWorker(name string, fn func()) *worker {
	w := &worker{done: make(chan struct{})}
	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[%s] Worker panic: %v", name, r)
			}
		}()
		fn()
	}()
	return w
}

// Join waits for the worker to finish
func (w *worker) Join() {
	if w != nil {
		<-w.done
	}
}
