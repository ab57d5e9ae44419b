package pipe

import (
	"context"
	"testing"
	"time"

	"github.com/Nugine/async-rdma/transport"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
)

var testConfig = transport.RoleConfig{PortNum: 1, GIDIndex: 1, MaxMsgLen: 128}

type TransportTestSuite struct {
	suite.Suite

	transport *Transport
	addr      transport.Addr
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func (s *TransportTestSuite) SetupTest() {
	s.transport = NewTransport(clock.New())
	s.addr = transport.LoopbackAddr(18515)
}

func (s *TransportTestSuite) TestBind() {
	lis, err := s.transport.Bind(context.Background(), s.addr)
	s.Require().NoError(err)
	s.Require().NotNil(lis)
	s.Equal(s.addr, lis.Addr())

	got, ok := s.transport.listeners[s.addr]
	s.True(ok)
	s.Equal(lis, got)

	lis, err = s.transport.Bind(context.Background(), s.addr)
	s.ErrorIs(err, transport.ErrAddrAlreadyInUse)
	s.Nil(lis)
}

func (s *TransportTestSuite) TestConnect() {
	lis, err := s.transport.Bind(context.Background(), s.addr)
	s.Require().NoError(err)
	defer lis.Close()

	accepted := make(chan *QP, 1)
	go func() {
		qp, err := lis.Accept(context.Background(), testConfig)
		s.NoError(err)
		accepted <- qp
	}()

	qp, err := s.transport.Connect(context.Background(), s.addr, testConfig)
	s.Require().NoError(err)
	s.Require().NotNil(qp)

	peer := <-accepted
	s.Require().NotNil(peer)

	s.Equal(s.addr, qp.RemoteAddr())
	s.Equal(testConfig.MaxMsgLen, qp.MaxMsgLen())
	s.Equal(testConfig.MaxMsgLen, peer.MaxMsgLen())
}

func (s *TransportTestSuite) TestConnectNotListening() {
	qp, err := s.transport.Connect(context.Background(), s.addr, testConfig)
	s.ErrorIs(err, transport.ErrConnRefused)
	s.Nil(qp)
}

func (s *TransportTestSuite) TestConnectConfigMismatch() {
	lis, err := s.transport.Bind(context.Background(), s.addr)
	s.Require().NoError(err)
	defer lis.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := lis.Accept(context.Background(), testConfig)
		s.ErrorIs(err, transport.ErrConfigMismatch)
	}()

	other := testConfig
	other.MaxMsgLen = 64

	_, err = s.transport.Connect(context.Background(), s.addr, other)
	s.ErrorIs(err, transport.ErrConfigMismatch)
	<-done
}

func (s *TransportTestSuite) TestConnectInvalidConfig() {
	_, err := s.transport.Connect(context.Background(), s.addr, transport.RoleConfig{})
	s.Error(err)
}

func (s *TransportTestSuite) TestAcceptCancels() {
	lis, err := s.transport.Bind(context.Background(), s.addr)
	s.Require().NoError(err)
	defer lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	qp, err := lis.Accept(ctx, testConfig)
	s.Nil(qp)
	s.ErrorIs(err, context.Canceled)
}

func (s *TransportTestSuite) TestAcceptSkipsAbandonedConnect() {
	lis, err := s.transport.Bind(context.Background(), s.addr)
	s.Require().NoError(err)
	defer lis.Close()

	accepted := make(chan *QP, 1)
	go func() {
		qp, err := lis.Accept(context.Background(), testConfig)
		s.NoError(err)
		accepted <- qp
	}()

	// A dialer whose ctx ended after its request was taken.
	gone := make(chan struct{})
	close(gone)
	lis.(*Listener).requests <- connRequest{cfg: testConfig, reply: make(chan connReply), done: gone}

	qp, err := s.transport.Connect(context.Background(), s.addr, testConfig)
	s.Require().NoError(err)
	defer qp.Close()

	peer := <-accepted
	s.Require().NotNil(peer)
	defer peer.Close()

	s.Require().NoError(qp.Send(context.Background(), []byte("hi")))
	got, err := peer.Receive(context.Background())
	s.Require().NoError(err)
	s.Equal([]byte("hi"), got)
}

func (s *TransportTestSuite) TestClose() {
	lis, err := s.transport.Bind(context.Background(), s.addr)
	s.Require().NoError(err)

	s.Require().NoError(lis.Close())
	s.ErrorIs(lis.Close(), transport.ErrConnListenerClosed)

	_, ok := s.transport.listeners[s.addr]
	s.False(ok)

	qp, err := lis.Accept(context.Background(), testConfig)
	s.ErrorIs(err, transport.ErrConnListenerClosed)
	s.Nil(qp)

	// The address can be bound again.
	lis, err = s.transport.Bind(context.Background(), s.addr)
	s.Require().NoError(err)
	s.NoError(lis.Close())
}
