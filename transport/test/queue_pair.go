package test

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/Nugine/async-rdma/transport"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

// QueuePairTestSuite checks the behaviour every [transport.QueuePair] shares.
// Embedders must set Q1 and Q2 to the two ends of one connection in SetupTest.
type QueuePairTestSuite struct {
	suite.Suite
	Q1, Q2 transport.QueuePair
	Clock  clock.Clock

	done  chan struct{}
	timer *time.Timer
}

func (s *QueuePairTestSuite) SetupTest() {
	s.done = make(chan struct{})
	s.Clock = clock.New() // Use real-time timer for now.

	s.timer = time.AfterFunc(5*time.Second, func() {
		select {
		case <-s.done:
		default:
			s.FailNow("timeout exceeded")
		}
	})
}

func (s *QueuePairTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.NoError(s.Q1.Close())
	s.NoError(s.Q2.Close())
	close(s.done)
	s.timer.Stop()
}

func (s *QueuePairTestSuite) TestSendReceive() {
	data := []byte("Hello, World!")

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.NoError(s.Q1.Send(context.Background(), data))
	}()
	go func() {
		defer wg.Done()
		got, err := s.Q2.Receive(context.Background())
		s.NoError(err)
		s.Equal(data, got)
	}()
}

func (s *QueuePairTestSuite) TestBothDirections() {
	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(2)

	exchange := func(self, peer transport.QueuePair, msg string) {
		defer wg.Done()
		s.NoError(self.Send(context.Background(), []byte(msg)))

		got, err := self.Receive(context.Background())
		s.NoError(err)
		s.NotEqual(msg, string(got))
	}

	go exchange(s.Q1, s.Q2, "ping")
	go exchange(s.Q2, s.Q1, "pong")
}

func (s *QueuePairTestSuite) TestMaxMsgLen() {
	s.Equal(s.Q1.MaxMsgLen(), s.Q2.MaxMsgLen())
	max := s.Q1.MaxMsgLen()

	exact := bytes.Repeat([]byte{0xAB}, max)

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := s.Q2.Receive(context.Background())
		s.NoError(err)
		s.Equal(exact, got)
	}()

	s.Require().NoError(s.Q1.Send(context.Background(), exact))
	<-done

	err := s.Q1.Send(context.Background(), make([]byte, max+1))
	s.ErrorIs(err, transport.ErrMessageTooLong)
}

func (s *QueuePairTestSuite) TestOrdering() {
	N := 32

	go func() {
		for i := 0; i < N; i++ {
			if err := s.Q1.Send(context.Background(), []byte{byte(i)}); err != nil {
				return
			}
		}
	}()

	for i := 0; i < N; i++ {
		got, err := s.Q2.Receive(context.Background())
		s.Require().NoError(err)
		s.Equal([]byte{byte(i)}, got)
	}
}

func (s *QueuePairTestSuite) TestClose() {
	s.Require().NoError(s.Q1.Close())
	s.NoError(s.Q1.Close())

	err := s.Q1.Send(context.Background(), []byte("hey"))
	s.ErrorIs(err, transport.ErrConnClosed)

	_, err = s.Q1.Receive(context.Background())
	s.ErrorIs(err, transport.ErrConnClosed)

	// The peer observes the closure.
	_, err = s.Q2.Receive(context.Background())
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *QueuePairTestSuite) TestReceiveBeforeClose() {
	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Q2.Receive(context.Background())
		s.ErrorIs(err, transport.ErrConnClosed)
	}()

	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(s.Q1.Close())
}

func (s *QueuePairTestSuite) TestReceiveCancel() {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	got, err := s.Q2.Receive(ctx)
	s.ErrorIs(err, context.Canceled)
	s.Nil(got)
}

func (s *QueuePairTestSuite) TestAddr() {
	local1, remote1 := s.Q1.LocalAddr(), s.Q1.RemoteAddr()
	local2, remote2 := s.Q2.LocalAddr(), s.Q2.RemoteAddr()

	s.Equal(local1, remote2)
	s.Equal(local2, remote1)
}
