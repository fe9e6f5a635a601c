package buffer

import "sync"

// RingBuffer is a thread-safe bounded FIFO. When full, Add overwrites the
// oldest entry and counts it as dropped.
type RingBuffer[T any] struct {
	mu      sync.Mutex
	data    []T
	head    int // index of the oldest entry
	size    int
	dropped uint64
}

// New creates a RingBuffer holding at most capacity items. Capacities below
// one are raised to one.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// Add appends item and reports whether the oldest entry was overwritten
func (rb *RingBuffer[T]) Add(item T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.data)
	if rb.size == capacity {
		rb.data[rb.head] = item
		rb.head = (rb.head + 1) % capacity
		rb.dropped++
		return true
	}

	rb.data[(rb.head+rb.size)%capacity] = item
	rb.size++
	return false
}

// Drain removes and returns up to max items, oldest first. A max of zero or
// less drains everything.
func (rb *RingBuffer[T]) Drain(max int) []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	n := rb.size
	if max > 0 && max < n {
		n = max
	}

	var zero T
	capacity := len(rb.data)
	out := make([]T, n)
	for i := 0; i < n; i++ {
		idx := (rb.head + i) % capacity
		out[i] = rb.data[idx]
		rb.data[idx] = zero
	}

	rb.head = (rb.head + n) % capacity
	rb.size -= n
	if rb.size == 0 {
		rb.head = 0
	}

	return out
}

// Len returns the number of buffered items
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Cap returns the maximum number of buffered items
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.data)
}

// Dropped returns how many items were overwritten since creation
func (rb *RingBuffer[T]) Dropped() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}
