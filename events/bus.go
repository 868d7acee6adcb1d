package events

import "sync"

// Bus delivers messages of one type to its subscribers. Publish runs every
// listener synchronously on the caller's goroutine in subscription order,
// so listeners that do I/O must hand the message off.
type Bus[T any] struct {
	mu        sync.RWMutex
	listeners []func(T)
}

// NewBus creates an empty bus
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers a listener
func (b *Bus[T]) Subscribe(fn func(T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Publish delivers msg to every listener
func (b *Bus[T]) Publish(msg T) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(msg)
	}
}

// Len returns the number of listeners
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
