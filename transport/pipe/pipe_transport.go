package pipe

import (
	"context"
	"sync"

	"github.com/Nugine/async-rdma/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type connRequest struct {
	cfg   transport.RoleConfig
	reply chan connReply
	done  <-chan struct{} // the dialer's ctx.Done()
}

type connReply struct {
	qp  *QP
	err error
}

// Transport is an in-process [transport.Transport]. Listeners are keyed by
// address and nothing touches the OS network stack.
type Transport struct {
	listeners map[transport.Addr]*Listener
	clock     clock.Clock

	mu sync.Mutex
}

func NewTransport(clock clock.Clock) *Transport {
	return &Transport{
		listeners: make(map[transport.Addr]*Listener),
		clock:     clock,
	}
}

var _ transport.Transport[*QP] = (*Transport)(nil)

func (pt *Transport) Connect(ctx context.Context, addr transport.Addr, cfg transport.RoleConfig) (*QP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pt.mu.Lock()
	listener, ok := pt.listeners[addr]
	pt.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(transport.ErrConnRefused, "nothing listens on %s", addr)
	}

	req := connRequest{cfg: cfg, reply: make(chan connReply), done: ctx.Done()}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-listener.closed:
		return nil, transport.ErrConnRefused
	case listener.requests <- req:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-req.reply:
		return reply.qp, reply.err
	}
}

func (pt *Transport) Bind(ctx context.Context, addr transport.Addr) (transport.Listener[*QP], error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if _, ok := pt.listeners[addr]; ok {
		return nil, errors.Wrap(transport.ErrAddrAlreadyInUse, addr.String())
	}

	pl := &Listener{
		addr:      addr,
		transport: pt,
		requests:  make(chan connRequest),
		closed:    make(chan struct{}),
	}
	pt.listeners[addr] = pl

	return pl, nil
}

type Listener struct {
	addr transport.Addr

	transport *Transport

	requests chan connRequest
	closed   chan struct{}

	mu sync.Mutex
}

var _ transport.Listener[*QP] = (*Listener)(nil)

func (pl *Listener) Addr() transport.Addr { return pl.addr }

func (pl *Listener) Accept(ctx context.Context, cfg transport.RoleConfig) (*QP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for {
		var req connRequest
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pl.closed:
			return nil, transport.ErrConnListenerClosed
		case req = <-pl.requests:
		}

		if req.cfg.MaxMsgLen != cfg.MaxMsgLen {
			err := errors.Wrapf(transport.ErrConfigMismatch,
				"max message length %d != %d", req.cfg.MaxMsgLen, cfg.MaxMsgLen)
			select {
			case req.reply <- connReply{err: err}:
			case <-req.done:
			}
			return nil, err
		}

		// The dialing end has no port of its own.
		dialer, acceptor := Pair(transport.LoopbackAddr(0), pl.addr, cfg.MaxMsgLen, pl.transport.clock)

		select {
		case req.reply <- connReply{qp: dialer}:
			return acceptor, nil
		case <-req.done:
			// The dialer gave up before taking its end; wait for the next one.
			dialer.Close()
			acceptor.Close()
		case <-ctx.Done():
			dialer.Close()
			acceptor.Close()
			return nil, ctx.Err()
		}
	}
}

func (pl *Listener) Close() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	select {
	case <-pl.closed:
		return transport.ErrConnListenerClosed
	default:
	}

	close(pl.closed)

	pl.transport.mu.Lock()
	delete(pl.transport.listeners, pl.addr)
	pl.transport.mu.Unlock()

	return nil
}
