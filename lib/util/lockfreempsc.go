package util

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue.
//
// Producers append to a linked list with CAS operations and never block.
// A single internal goroutine moves the items to the channel returned by
// Recv, in the order in which the producers completed their Push.
//
// Close stops accepting items. Items pushed before Close are still
// delivered, after the last one the Recv channel is closed and Done fires.
type LockFreeMPSC[T any] struct {
	head    atomic.Pointer[node[T]]
	tail    atomic.Pointer[node[T]]
	out     chan *T
	signal  chan struct{} // wakes the consumer, buffered (1)
	done    chan struct{}
	closed  atomic.Bool
	length  atomic.Int64
	pushing atomic.Int64 // producers between the closed check and linking their node
}

// NewLockFreeMPSC creates the queue and starts its consumer goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	// sentinel node, head always points at the last consumed node
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{
		out:    make(chan *T),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.consume()
	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if value is nil or the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil {
		return false
	}
	q.pushing.Add(1)
	defer func() {
		q.pushing.Add(-1)
		q.wake()
	}()
	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var spins uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// may fail if another producer already helped, the tail still moves forward
				q.tail.CompareAndSwap(tailNode, newNode)
				q.length.Add(1)
				return true
			}
		} else {
			// another producer appended but did not move the tail yet, help it
			q.tail.CompareAndSwap(tailNode, next)
		}

		// spin a little at low contention, yield at high contention
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals the consumer without blocking
func (q *LockFreeMPSC[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// consume moves items from the linked list to the output channel
func (q *LockFreeMPSC[T]) consume() {
	defer close(q.done)
	defer close(q.out)

	for {
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			value := next.value
			q.head.Store(next)
			q.length.Add(-1)
			q.out <- value
			next.value = nil
		}

		// closed and drained, and no producer that passed the closed check
		// is still linking its node
		if q.closed.Load() && q.pushing.Load() == 0 && q.head.Load().next.Load() == nil {
			return
		}

		<-q.signal
	}
}

// Recv returns the channel the items are delivered on
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Done is closed once the queue is closed and every item was delivered
func (q *LockFreeMPSC[T]) Done() <-chan struct{} {
	return q.done
}

// Close stops accepting new items. Items already queued are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.wake()
}

// IsClosed returns true if the queue is closed
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of queued items that were not handed to Recv yet
func (q *LockFreeMPSC[T]) Len() int {
	return int(q.length.Load())
}
