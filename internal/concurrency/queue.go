package concurrency

import (
	"sync/atomic"
)

// Queue is an unbounded multi-producer FIFO. Dequeue must only be called
// from a single consumer goroutine.
type Queue[T any] struct {
	head  atomic.Pointer[node[T]]
	tail  atomic.Pointer[node[T]]
	size  atomic.Int64
	dummy node[T]
}

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.head.Store(&q.dummy)
	q.tail.Store(&q.dummy)
	return q
}

// Push appends value at the tail. Safe for concurrent producers.
func (q *Queue[T]) Push(value T) {
	n := &node[T]{value: value}
	for {
		tail := q.tail.Load()
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.Store(n)
			q.size.Add(1)
			return
		}
	}
}

// Pop removes the head element. The popped node becomes the new sentinel, so
// its value is cleared to let the element be collected.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return zero, false
	}
	q.head.Store(next)
	v := next.value
	next.value = zero
	q.size.Add(-1)
	return v, true
}

// Len is approximate while producers are active.
func (q *Queue[T]) Len() int {
	return int(q.size.Load())
}

func (q *Queue[T]) IsEmpty() bool {
	return q.head.Load().next.Load() == nil
}
