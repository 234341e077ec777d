// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_queue provides the bounded FIFO on which all
// inter-component handoff rests. Producers never block: when a queue is
// full the overflow policy decides whether the oldest or the incoming
// item is discarded. Consumers block on Take until an item arrives or the
// queue closes.
package internal_queue

import "sync"

// OverflowPolicy selects which item a full queue discards.
type OverflowPolicy string

const (
	// DropOldest evicts the head to make room for the incoming item.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest discards the incoming item.
	DropNewest OverflowPolicy = "drop_newest"
)

// Valid reports whether the policy is one of the known values.
func (p OverflowPolicy) Valid() bool {
	return p == DropOldest || p == DropNewest
}

// PutOutcome reports what Put did with the item.
type PutOutcome int

const (
	// PutAccepted: the item was enqueued without loss.
	PutAccepted PutOutcome = iota
	// PutDroppedNew: the queue was full and the incoming item was discarded.
	PutDroppedNew
	// PutDroppedOld: the queue was full and Evicted old items were discarded
	// to make room.
	PutDroppedOld
	// PutClosed: the queue was closed; the item was discarded.
	PutClosed
)

// PutResult is the outcome of a single Put.
type PutResult struct {
	Outcome PutOutcome
	// Evicted is the number of old items removed (PutDroppedOld only).
	Evicted int
}

// Accepted reports whether the item was enqueued (possibly evicting others).
func (r PutResult) Accepted() bool {
	return r.Outcome == PutAccepted || r.Outcome == PutDroppedOld
}

// BoundedQueue is a fixed-capacity FIFO safe for concurrent producers and
// consumers. len <= capacity holds at all times.
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	items  []T
	head   int
	size   int
	closed bool

	policy   OverflowPolicy
	dropsOld uint64
	dropsNew uint64
}

// New creates a queue. A zero capacity is coerced to 1; an unknown policy
// falls back to DropNewest.
func New[T any](capacity uint, policy OverflowPolicy) *BoundedQueue[T] {
	if capacity == 0 {
		capacity = 1
	}
	if !policy.Valid() {
		policy = DropNewest
	}
	q := &BoundedQueue[T]{
		items:  make([]T, capacity),
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Put enqueues item without ever blocking the caller. On overflow the
// configured policy applies and the matching drop counter increments.
func (q *BoundedQueue[T]) Put(item T) PutResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return PutResult{Outcome: PutClosed}
	}

	if q.size < len(q.items) {
		q.enqueueLocked(item)
		q.notEmpty.Signal()
		return PutResult{Outcome: PutAccepted}
	}

	if q.policy == DropNewest {
		q.dropsNew++
		return PutResult{Outcome: PutDroppedNew}
	}

	// DropOldest: evict the head, then enqueue.
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.dropsOld++
	q.enqueueLocked(item)
	q.notEmpty.Signal()
	return PutResult{Outcome: PutDroppedOld, Evicted: 1}
}

// Take blocks until an item is available or the queue is closed and
// drained. The second return value is false only on closure.
func (q *BoundedQueue[T]) Take() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.dequeueLocked(), true
}

// TryTake removes the head without blocking. The second return value is
// false when the queue is empty or closed-and-drained.
func (q *BoundedQueue[T]) TryTake() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.dequeueLocked(), true
}

// Drain removes every queued item for which match returns true, preserving
// the order of the rest. Returns the number removed.
func (q *BoundedQueue[T]) Drain(match func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return 0
	}
	kept := make([]T, 0, q.size)
	removed := 0
	for i := 0; i < q.size; i++ {
		item := q.items[(q.head+i)%len(q.items)]
		if match(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	if removed == 0 {
		return 0
	}
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	copy(q.items, kept)
	q.head = 0
	q.size = len(kept)
	return removed
}

// Close wakes all pending takers. Queued items remain takeable until the
// backlog drains; afterwards Take returns the closed sentinel. Idempotent.
func (q *BoundedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
}

// Closed reports whether Close has been called.
func (q *BoundedQueue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the current backlog size.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the configured capacity.
func (q *BoundedQueue[T]) Cap() int {
	return len(q.items)
}

// Policy returns the configured overflow policy.
func (q *BoundedQueue[T]) Policy() OverflowPolicy {
	return q.policy
}

// Drops returns the monotonically increasing drop counters, segregated by
// policy: items evicted as oldest, items rejected as newest.
func (q *BoundedQueue[T]) Drops() (evictedOld, rejectedNew uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropsOld, q.dropsNew
}

func (q *BoundedQueue[T]) enqueueLocked(item T) {
	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
}

func (q *BoundedQueue[T]) dequeueLocked() T {
	item := q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return item
}
