package pipe

import (
	"context"
	"testing"
	"time"

	"github.com/Nugine/async-rdma/transport"
	"github.com/Nugine/async-rdma/transport/test"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type PipeTestSuite struct {
	test.QueuePairTestSuite
}

func TestPipeTestSuite(t *testing.T) {
	suite.Run(t, new(PipeTestSuite))
}

func (s *PipeTestSuite) SetupTest() {
	s.QueuePairTestSuite.SetupTest()
	s.Q1, s.Q2 = Pair(transport.LoopbackAddr(1), transport.LoopbackAddr(2), 128, s.Clock)
}

func TestQPDeadLine(t *testing.T) {
	mock := clock.NewMock()
	q1, q2 := Pair(transport.LoopbackAddr(1), transport.LoopbackAddr(2), 8, mock)
	defer q1.Close()
	defer q2.Close()

	q1.SetReadDeadLine(mock.Now().Add(time.Second))
	q1.SetWriteDeadLine(mock.Now().Add(time.Second))

	done := make(chan error)
	go func() {
		_, err := q1.Receive(context.Background())
		done <- err
	}()

	// Let the receiver park before the deadline fires.
	time.Sleep(10 * time.Millisecond)
	mock.Add(2 * time.Second)

	assert.ErrorIs(t, <-done, transport.ErrDeadLineExceeded)
	assert.Eventually(t, func() bool {
		return isClosed(q1.wdeadLine.wait())
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, q1.Send(context.Background(), []byte("x")), transport.ErrDeadLineExceeded)

	// A zero deadline lifts the limit again.
	q1.SetWriteDeadLine(time.Time{})
	assert.NoError(t, q1.Send(context.Background(), []byte("x")))
}

func TestQPSendCopies(t *testing.T) {
	q1, q2 := Pair(transport.LoopbackAddr(1), transport.LoopbackAddr(2), 8, clock.New())
	defer q1.Close()
	defer q2.Close()

	msg := []byte("abc")
	assert.NoError(t, q1.Send(context.Background(), msg))
	msg[0] = 'z'

	got, err := q2.Receive(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}
