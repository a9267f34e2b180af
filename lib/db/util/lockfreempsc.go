// Package util
//
// This file provides a lock-free multi-producer single-consumer queue.
//
// Features and Guarantees:
//
//   - Lock-Free pushes: producers append with a CAS on the tail, a push never
//     waits for the consumer
//   - Unbounded Size: limited only by memory, Pending reports the backlog
//   - Single Consumer: values are delivered in order of completed pushes on
//     the Recv() channel, which is closed after Close once the backlog is drained
//
// The tree uses it to hand maintenance requests (checkpoint, sweep) from
// operation goroutines to its background loop without blocking them.
package util

import (
	"runtime"
	"sync/atomic"
)

// mpscNode is one element of the linked list
type mpscNode[T any] struct {
	value T
	next  atomic.Pointer[mpscNode[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue
type LockFreeMPSC[T any] struct {
	head    atomic.Pointer[mpscNode[T]] // consumed sentinel, owned by the consumer
	tail    atomic.Pointer[mpscNode[T]]
	pending atomic.Int64
	closed  atomic.Bool

	wake chan struct{} // capacity 1, coalesces wake ups
	out  chan T
}

// NewLockFreeMPSC creates a queue and starts its delivery goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &mpscNode[T]{}
	q := &LockFreeMPSC[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.deliver()
	return q
}

// Push appends value. It returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	// counted before linking, so a draining consumer waits for this push
	q.pending.Add(1)

	n := &mpscNode[T]{value: value}
	for spins := 0; ; spins++ {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// another producer linked a node but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			break
		}
		if spins > 8 {
			runtime.Gosched()
		}
	}

	q.signal()
	return true
}

// Recv returns the channel values are delivered on
func (q *LockFreeMPSC[T]) Recv() <-chan T {
	return q.out
}

// Pending returns the number of values pushed (or being pushed) and not yet received
func (q *LockFreeMPSC[T]) Pending() int {
	return int(q.pending.Load())
}

// Close stops accepting values. Values pushed before are still delivered,
// then the Recv channel is closed.
func (q *LockFreeMPSC[T]) Close() {
	if !q.closed.Swap(true) {
		q.signal()
	}
}

// IsClosed returns true if the queue is closed
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (q *LockFreeMPSC[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// deliver moves values from the list to the out channel
func (q *LockFreeMPSC[T]) deliver() {
	defer close(q.out)

	var zero T
	for {
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			value := next.value
			next.value = zero
			q.head.Store(next)

			q.out <- value
			q.pending.Add(-1)
		}

		if q.closed.Load() {
			if q.pending.Load() == 0 {
				return
			}
			runtime.Gosched()
			continue
		}
		<-q.wake
	}
}
