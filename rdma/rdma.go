// Package rdma simulates a reliable connected queue pair on top of loopback
// TCP. The handshake exchanges the same endpoint numbers a verbs based stack
// would, then a yamux session carries two-sided messages on one stream and
// one-sided memory operations on short lived streams of their own.
package rdma

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/Nugine/async-rdma/lib/ds/queue"
	"github.com/Nugine/async-rdma/transport"

	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
)

// First byte written on every yamux stream.
const (
	kindMessage byte = iota + 1
	kindWrite
	kindRead
)

// Rdma is an established queue pair.
type Rdma struct {
	session *yamux.Session
	msg     net.Conn // two-sided message stream

	local, remote         endpointInfo
	localAddr, remoteAddr transport.Addr
	maxMsgLen             int

	sendMu sync.Mutex

	recvMu   sync.Mutex
	recvQ    *queue.Circular[[]byte]
	recvErr  error
	readable chan struct{}
	writable chan struct{}

	mrs *regionTable

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger *slog.Logger
}

var _ transport.QueuePair = (*Rdma)(nil)

func newRdma(
	session *yamux.Session,
	msg net.Conn,
	local, remote endpointInfo,
	localAddr, remoteAddr transport.Addr,
	opts Options,
) *Rdma {
	r := &Rdma{
		session:    session,
		msg:        msg,
		local:      local,
		remote:     remote,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
		maxMsgLen:  local.MaxMsgLen,
		recvQ:      queue.NewCircular[[]byte](opts.RecvDepth),
		readable:   make(chan struct{}, 1),
		writable:   make(chan struct{}, 1),
		mrs:        newRegionTable(),
		closed:     make(chan struct{}),
		logger: opts.Logger.With(
			"local", localAddr.String(),
			"remote", remoteAddr.String(),
			"qpn", local.QPN.String(),
		),
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.receiveLoop()
	}()
	go func() {
		defer r.wg.Done()
		r.serveOneSided()
	}()

	r.logger.Debug("queue pair established", "peer", remote.String())
	return r
}

func (r *Rdma) LocalAddr() transport.Addr  { return r.localAddr }
func (r *Rdma) RemoteAddr() transport.Addr { return r.remoteAddr }
func (r *Rdma) MaxMsgLen() int             { return r.maxMsgLen }

// QPN returns the local and remote queue pair numbers.
func (r *Rdma) QPN() (local, remote uint32) { return r.local.QPN.Uint32(), r.remote.QPN.Uint32() }

// Send posts msg to the peer's receive queue.
func (r *Rdma) Send(ctx context.Context, msg []byte) error {
	if len(msg) > r.maxMsgLen {
		return errors.Wrapf(transport.ErrMessageTooLong, "%d > %d", len(msg), r.maxMsgLen)
	}
	if r.isClosed() {
		return transport.ErrConnClosed
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	release := bindDeadline(ctx, r.msg.SetWriteDeadline)
	defer release()

	if err := writeFrame(r.msg, msg); err != nil {
		return errors.Wrap(normalizeErr(ctx, err), "posting send")
	}
	return nil
}

// Receive returns the next message from the receive completion queue.
func (r *Rdma) Receive(ctx context.Context) ([]byte, error) {
	for {
		if r.isClosed() {
			return nil, transport.ErrConnClosed
		}

		r.recvMu.Lock()
		msg, err := r.recvQ.Dequeue()
		if err == nil {
			more := r.recvQ.Len() > 0
			r.recvMu.Unlock()

			notify(r.writable)
			if more {
				notify(r.readable)
			}
			return msg, nil
		}
		if r.recvErr != nil {
			err := r.recvErr
			r.recvMu.Unlock()
			return nil, err
		}
		r.recvMu.Unlock()

		select {
		case <-r.readable:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.closed:
			return nil, transport.ErrConnClosed
		}
	}
}

func (r *Rdma) receiveLoop() {
	for {
		msg, err := readFrame(r.msg, r.maxMsgLen)

		r.recvMu.Lock()
		if err != nil {
			r.recvErr = normalizeErr(context.Background(), err)
			r.recvMu.Unlock()
			notify(r.readable)

			if !errors.Is(r.recvErr, transport.ErrConnClosed) {
				r.logger.Error("receive queue broken", "error", err)
			}
			return
		}

		for r.recvQ.Full() {
			// Hold the sender back until the consumer makes room.
			r.recvMu.Unlock()
			select {
			case <-r.writable:
			case <-r.closed:
				return
			}
			r.recvMu.Lock()
		}

		r.recvQ.Enqueue(msg)
		r.recvMu.Unlock()
		notify(r.readable)
	}
}

func (r *Rdma) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// Close tears the queue pair down. Pending operations on both ends fail
// with [transport.ErrConnClosed]. Calling Close more than once is a no-op.
func (r *Rdma) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.session.Close()
		r.wg.Wait()

		r.recvMu.Lock()
		dropped := r.recvQ.Len()
		r.recvQ.Drain(func([]byte) {})
		r.recvMu.Unlock()

		r.logger.Debug("queue pair closed", "dropped", dropped)
	})
	return err
}

func notify(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
