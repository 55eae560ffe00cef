package pipeline

import (
	"sync/atomic"
	"time"
)

// Queue is a bounded FIFO connecting two pipeline stages. It wraps a buffered
// channel with try-send / try-receive semantics plus cumulative loss counters,
// making each edge's overflow policy explicit at the call site: TryPush drops
// the new element on overflow, PushEvictOldest drops the oldest.
//
// Queue is safe for multiple producers and consumers, though every pipeline
// edge uses it single-producer/single-consumer.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
	evicted atomic.Uint64
}

// NewQueue returns a Queue with the given capacity. Capacity must be ≥ 1.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues v if there is room, otherwise drops v and returns false.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// PushEvictOldest enqueues v, evicting the oldest queued element first if the
// queue is full. It reports whether an eviction happened. The retry loop
// covers a concurrent consumer racing the eviction; it terminates because each
// iteration either enqueues or removes one element.
func (q *Queue[T]) PushEvictOldest(v T) (evicted bool) {
	for {
		select {
		case q.ch <- v:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			q.evicted.Add(1)
			evicted = true
		default:
		}
	}
}

// PopTimeout dequeues one element, waiting up to timeout. The second return
// is false when the wait expired with the queue still empty.
func (q *Queue[T]) PopTimeout(timeout time.Duration) (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-q.ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// TryPop dequeues one element without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Chan exposes the underlying channel for consumers that range over the
// queue. Elements received this way bypass the Pop helpers.
func (q *Queue[T]) Chan() <-chan T { return q.ch }

// Close closes the underlying channel. No push may follow a Close; consumers
// ranging over Chan still receive everything buffered before the close.
func (q *Queue[T]) Close() { close(q.ch) }

// Len returns the current number of queued elements.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Occupancy returns Len/Cap as a ratio in [0, 1].
func (q *Queue[T]) Occupancy() float64 {
	return float64(len(q.ch)) / float64(cap(q.ch))
}

// Dropped returns the cumulative count of elements rejected by TryPush.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

// Evicted returns the cumulative count of elements removed by PushEvictOldest.
func (q *Queue[T]) Evicted() uint64 { return q.evicted.Load() }
