// Package queue provides a fixed-capacity FIFO ring buffer.
//
// A Queue has no internal locking. The owner serialises access; the usual
// arrangement is one producer and one consumer sharing a mutex held only for
// the duration of a single call.
package queue

// Policy selects what Push does when the queue is full.
type Policy int

const (
	// RejectNewest refuses the new item and keeps the queued ones.
	RejectNewest Policy = iota
	// EvictOldest discards the oldest item to make room for the new one.
	EvictOldest
)

func (p Policy) String() string {
	switch p {
	case RejectNewest:
		return "reject-newest"
	case EvictOldest:
		return "evict-oldest"
	default:
		return "unknown"
	}
}

// Queue is a bounded circular buffer with a full-queue policy fixed at construction.
type Queue[T any] struct {
	buf         []T
	head        int // index of the oldest item
	count       int
	policy      Policy
	overwritten uint64
}

// New creates a queue holding at most capacity items. Capacities below one are raised to one.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:    make([]T, capacity),
		policy: policy,
	}
}

// Push appends item. With RejectNewest it returns false when the queue is full.
// With EvictOldest it always returns true and counts the evicted item.
func (q *Queue[T]) Push(item T) bool {
	if q.count == len(q.buf) {
		if q.policy == RejectNewest {
			return false
		}
		q.buf[q.head] = item
		q.head = (q.head + 1) % len(q.buf)
		q.overwritten++
		return true
	}

	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	return true
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.count == 0 {
		return zero, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return item, true
}

// PeekLast returns the most recently pushed item without removing it.
func (q *Queue[T]) PeekLast() (T, bool) {
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.buf[(q.head+q.count-1)%len(q.buf)], true
}

// ForEach visits items from oldest to newest. Returning false from fn stops the walk.
func (q *Queue[T]) ForEach(fn func(item T) bool) {
	for i := 0; i < q.count; i++ {
		if !fn(q.buf[(q.head+i)%len(q.buf)]) {
			return
		}
	}
}

// Snapshot copies the queued items, oldest first.
func (q *Queue[T]) Snapshot() []T {
	out := make([]T, 0, q.count)
	q.ForEach(func(item T) bool {
		out = append(out, item)
		return true
	})
	return out
}

// Clear drops every queued item. The overwrite counter is kept.
func (q *Queue[T]) Clear() {
	clear(q.buf)
	q.head = 0
	q.count = 0
}

func (q *Queue[T]) Len() int { return q.count }
func (q *Queue[T]) Cap() int { return len(q.buf) }
func (q *Queue[T]) Empty() bool { return q.count == 0 }
func (q *Queue[T]) Full() bool { return q.count == len(q.buf) }
func (q *Queue[T]) Policy() Policy { return q.policy }
func (q *Queue[T]) Overwritten() uint64 { return q.overwritten }
