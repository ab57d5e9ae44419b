package queue

import (
	"errors"

	"github.com/Nugine/async-rdma/lib/ds/internal"
)

var (
	ErrQueueEmpty = errors.New("queue is empty")
	ErrQueueFull  = errors.New("queue is full")
)

// Circular is a fixed capacity FIFO. It is not safe for concurrent use.
type Circular[T any] struct {
	queue      []T
	head, tail uint

	count uint
}

func NewCircular[T any](size uint) *Circular[T] {
	return &Circular[T]{
		queue: make([]T, size),
		head:  0, tail: 0, count: 0,
	}
}

// Enqueue adds an element to the queue.
// If the queue is full, it will return [ErrQueueFull].
func (q *Circular[T]) Enqueue(data T) error {
	if q.Full() {
		return ErrQueueFull
	}

	q.queue[q.tail] = data
	q.tail = q.advance(q.tail)
	q.count++

	return nil
}

// Dequeue removes and returns the front element of the queue.
// If the queue is empty. It will return [ErrQueueEmpty].
func (q *Circular[T]) Dequeue() (T, error) {
	if q.Len() == 0 {
		return internal.Zero[T](), ErrQueueEmpty
	}

	data := q.queue[q.head]
	// Drop the reference so dequeued buffers can be collected.
	q.queue[q.head] = internal.Zero[T]()

	q.head = q.advance(q.head)
	q.count--

	return data, nil
}

// Peek returns the head element without removing it.
// If the queue is empty. It will return [ErrQueueEmpty].
func (q *Circular[T]) Peek() (T, error) {
	if q.Len() == 0 {
		return internal.Zero[T](), ErrQueueEmpty
	}

	return q.queue[q.head], nil
}

// Drain removes every element, calling fn on each in FIFO order.
func (q *Circular[T]) Drain(fn func(T)) {
	for q.Len() > 0 {
		v, _ := q.Dequeue()
		fn(v)
	}
}

func (q *Circular[T]) Len() uint  { return q.count }
func (q *Circular[T]) Size() uint { return uint(len(q.queue)) }
func (q *Circular[T]) Full() bool { return q.count == q.Size() }

func (q *Circular[T]) advance(n uint) uint {
	return (n + 1) % uint(len(q.queue))
}
