// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package fifo provides the in-process queue that sits between the push
// receiver and the foreground consumer.
package fifo

import (
	"context"
	"sync"
	"sync/atomic"
)

// Policy decides what Push does when a bounded queue is full.
type Policy uint8

const (
	// Block makes the producer wait until room is available or the push is abandoned.
	Block Policy = iota
	// DropOldest evicts the head of the queue to make room for the new item.
	DropOldest
)

// String returns the policy name as used in configuration.
func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop-oldest"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a configuration value to a Policy. Unknown values yield Block.
func ParsePolicy(s string) Policy {
	if s == DropOldest.String() {
		return DropOldest
	}

	return Block
}

// ClosedError is returned by Push once the queue has been closed.
type ClosedError struct{}

// Error implements the error interface for ClosedError.
func (ClosedError) Error() string {
	return "fifo closed, unable to push"
}

// Queue is a FIFO with an optional capacity. Items leave in the order they were pushed.
//   - items:    pending items, head at index 0
//   - capacity: maximum number of pending items, 0 for unbounded
//   - changed:  closed and replaced on every state change to wake waiters
//   - dropped:  number of items evicted by DropOldest
type Queue[T any] struct {
	mute     sync.Mutex
	items    []T
	capacity int
	policy   Policy
	closed   bool
	changed  chan struct{}
	dropped  atomic.Uint64
}

// New returns a queue holding at most capacity items. A capacity of 0 or less
// disables the bound and the policy is never consulted.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}

	return &Queue[T]{
		capacity: capacity,
		policy:   policy,
		changed:  make(chan struct{}),
	}
}

// broadcast wakes every waiter. Must be called with mute held.
func (q *Queue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Push appends item. On a full queue it either waits (Block) until room is made,
// ctx is done or the queue is closed, or evicts the oldest item (DropOldest).
// It reports whether an item was evicted.
func (q *Queue[T]) Push(ctx context.Context, item T) (bool, error) {
	for {
		q.mute.Lock()
		if q.closed {
			q.mute.Unlock()

			return false, ClosedError{}
		}

		if q.capacity == 0 || len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.broadcast()
			q.mute.Unlock()

			return false, nil
		}

		if q.policy == DropOldest {
			var zero T

			q.items[0] = zero
			q.items = append(q.items[1:], item)
			q.dropped.Add(1)
			q.broadcast()
			q.mute.Unlock()

			return true, nil
		}

		wait := q.changed
		q.mute.Unlock()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-wait:
		}
	}
}

// Pop removes the head item, waiting until one is available. It returns false
// when ctx is done, or when the queue is closed and fully drained.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	for {
		q.mute.Lock()
		if len(q.items) > 0 {
			item := q.take()
			q.mute.Unlock()

			return item, true
		}

		if q.closed {
			q.mute.Unlock()

			var zero T

			return zero, false
		}

		wait := q.changed
		q.mute.Unlock()

		select {
		case <-ctx.Done():
			var zero T

			return zero, false
		case <-wait:
		}
	}
}

// TryPop removes the head item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mute.Lock()
	defer q.mute.Unlock()

	if len(q.items) == 0 {
		var zero T

		return zero, false
	}

	return q.take(), true
}

// take removes the head item. Must be called with mute held on a non-empty queue.
func (q *Queue[T]) take() T {
	var zero T

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.broadcast()

	return item
}

// Close stops further pushes and wakes all waiters. Pending items remain poppable.
func (q *Queue[T]) Close() {
	q.mute.Lock()
	defer q.mute.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.broadcast()
}

// Len returns the number of pending items.
func (q *Queue[T]) Len() int {
	q.mute.Lock()
	defer q.mute.Unlock()

	return len(q.items)
}

// Dropped returns how many items DropOldest has evicted so far.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mute.Lock()
	defer q.mute.Unlock()

	return q.closed
}
