// Package fifo holds the hand-off queue between asynchronous producers (radio
// callbacks, handler goroutines) and the single-threaded tick.
package fifo

import "sync"

// Queue is an unbounded-or-capped FIFO. Push may be called from any
// goroutine; Drain is meant for the tick owner.
type Queue[T any] struct {
    mu      sync.Mutex
    items   []T
    max     int
    dropped uint64
}

// New returns a queue holding at most max items (0 = unbounded). When full,
// the oldest item is discarded so fresh traffic wins.
func New[T any](max int) *Queue[T] { return &Queue[T]{max: max} }

// Push appends v.
func (q *Queue[T]) Push(v T) {
    q.mu.Lock(); defer q.mu.Unlock()
    if q.max > 0 && len(q.items) >= q.max {
        var zero T
        q.items[0] = zero
        q.items = q.items[1:]
        q.dropped++
    }
    q.items = append(q.items, v)
}

// Drain removes and returns every queued item in arrival order.
func (q *Queue[T]) Drain() []T {
    q.mu.Lock(); defer q.mu.Unlock()
    if len(q.items) == 0 { return nil }
    out := q.items
    q.items = nil
    return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
    q.mu.Lock(); defer q.mu.Unlock()
    return len(q.items)
}

// Dropped returns how many items were discarded due to the cap.
func (q *Queue[T]) Dropped() uint64 {
    q.mu.Lock(); defer q.mu.Unlock()
    return q.dropped
}
