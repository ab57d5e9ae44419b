package queue

import (
	"testing"

	"github.com/Nugine/async-rdma/lib/ds/internal"

	"github.com/stretchr/testify/assert"
)

func TestQueueNew(t *testing.T) {
	size := uint(5)
	q := NewCircular[int](size)

	assert.Equal(t, size, q.Size())
	assert.Equal(t, uint(0), q.Len())
	assert.False(t, q.Full())
}

func TestQueueEnqueueDequeue(t *testing.T) {
	size := uint(3)
	q := NewCircular[int](size)

	assert.NoError(t, q.Enqueue(1))
	assert.NoError(t, q.Enqueue(2))
	assert.NoError(t, q.Enqueue(3))
	assert.True(t, q.Full())
	assert.ErrorIs(t, q.Enqueue(4), ErrQueueFull)

	val, err := q.Dequeue()
	assert.NoError(t, err)
	assert.Equal(t, 1, val)

	assert.NoError(t, q.Enqueue(4)) // should be space after dequeue
	assert.Equal(t, uint(3), q.Len())
}

func TestQueuePeek(t *testing.T) {
	q := NewCircular[[]byte](2)

	assert.NoError(t, q.Enqueue([]byte("hello")))
	assert.NoError(t, q.Enqueue([]byte("world")))

	val, err := q.Peek()
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), val)

	// should not remove
	assert.Equal(t, uint(2), q.Len())
}

func TestQueueEmpty(t *testing.T) {
	q := NewCircular[int](0)

	val, err := q.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Equal(t, internal.Zero[int](), val)

	val, err = q.Peek()
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Equal(t, internal.Zero[int](), val)

	// A zero sized queue is always full.
	assert.ErrorIs(t, q.Enqueue(1), ErrQueueFull)
}

func TestQueueWrapAround(t *testing.T) {
	q := NewCircular[int](4)

	q.Enqueue(1)
	q.Enqueue(2)
	q.Dequeue() // head moves
	q.Enqueue(3)
	q.Enqueue(4)
	q.Enqueue(5) // tail wraps around

	assert.Equal(t, uint(4), q.Len())

	var got []int
	q.Drain(func(v int) { got = append(got, v) })

	assert.Equal(t, []int{2, 3, 4, 5}, got)
	assert.Equal(t, uint(0), q.Len())
}
