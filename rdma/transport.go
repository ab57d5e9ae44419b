package rdma

import (
	"context"
	"io"
	"log/slog"
	"net"
	"syscall"

	"github.com/Nugine/async-rdma/transport"

	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
)

const DefaultRecvDepth = 64

type Options struct {
	Logger *slog.Logger

	// RecvDepth is the capacity of the receive completion queue.
	// A full queue stalls the sender.
	RecvDepth uint
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.RecvDepth == 0 {
		o.RecvDepth = DefaultRecvDepth
	}
}

// Transport binds and connects simulated queue pairs.
type Transport struct {
	opts Options
}

var _ transport.Transport[*Rdma] = (*Transport)(nil)

func New(opts Options) *Transport {
	opts.setDefaults()
	return &Transport{opts: opts}
}

func (t *Transport) Bind(ctx context.Context, addr transport.Addr) (transport.Listener[*Rdma], error) {
	l, err := t.bind(ctx, addr)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (t *Transport) bind(ctx context.Context, addr transport.Addr) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", addr.String())
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, errors.Wrap(transport.ErrAddrAlreadyInUse, addr.String())
		}
		return nil, errors.Wrapf(err, "binding %s", addr)
	}

	bound, err := transport.AddrFromNet(ln.Addr())
	if err != nil {
		ln.Close()
		return nil, err
	}

	t.opts.Logger.Debug("listening", "addr", bound.String())
	return &Listener{
		ln:   ln.(*net.TCPListener),
		addr: bound,
		opts: t.opts,
	}, nil
}

func (t *Transport) Connect(ctx context.Context, addr transport.Addr, cfg transport.RoleConfig) (*Rdma, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr.String())
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, errors.Wrapf(transport.ErrConnRefused, "dialing %s", addr)
		}
		return nil, errors.Wrapf(normalizeErr(ctx, err), "dialing %s", addr)
	}

	r, err := establish(ctx, conn, cfg, true, t.opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

// establish runs the handshake on a fresh control connection and sets up
// the data plane on top of it. initiator selects the connecting role.
func establish(
	ctx context.Context,
	conn net.Conn,
	cfg transport.RoleConfig,
	initiator bool,
	opts Options,
) (*Rdma, error) {
	localAddr, err := transport.AddrFromNet(conn.LocalAddr())
	if err != nil {
		return nil, err
	}
	remoteAddr, err := transport.AddrFromNet(conn.RemoteAddr())
	if err != nil {
		return nil, err
	}

	local := newEndpointInfo(cfg, localAddr)

	var remote endpointInfo
	if initiator {
		remote, err = initiate(ctx, conn, local)
	} else {
		remote, err = respond(ctx, conn, local)
	}
	if err != nil {
		return nil, err
	}

	ycfg := yamux.DefaultConfig()
	ycfg.LogOutput = io.Discard

	var (
		session *yamux.Session
		msg     net.Conn
	)
	if initiator {
		session, err = yamux.Client(conn, ycfg)
		if err != nil {
			return nil, errors.Wrap(err, "starting session")
		}
		msg, err = openMessageStream(ctx, session)
	} else {
		session, err = yamux.Server(conn, ycfg)
		if err != nil {
			return nil, errors.Wrap(err, "starting session")
		}
		msg, err = acceptMessageStream(ctx, session)
	}
	if err != nil {
		session.Close()
		return nil, err
	}

	return newRdma(session, msg, local, remote, localAddr, remoteAddr, opts), nil
}

func openMessageStream(ctx context.Context, session *yamux.Session) (net.Conn, error) {
	s, err := session.OpenStream()
	if err != nil {
		return nil, errors.Wrap(normalizeErr(ctx, err), "opening message stream")
	}

	release := bindDeadline(ctx, s.SetWriteDeadline)
	defer release()

	if _, err := s.Write([]byte{kindMessage}); err != nil {
		s.Close()
		return nil, errors.Wrap(normalizeErr(ctx, err), "opening message stream")
	}
	return s, nil
}

func acceptMessageStream(ctx context.Context, session *yamux.Session) (net.Conn, error) {
	s, err := session.AcceptStreamWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(normalizeErr(ctx, err), "accepting message stream")
	}

	release := bindDeadline(ctx, s.SetReadDeadline)
	defer release()

	var kind [1]byte
	if _, err := io.ReadFull(s, kind[:]); err != nil {
		s.Close()
		return nil, errors.Wrap(normalizeErr(ctx, err), "accepting message stream")
	}
	if kind[0] != kindMessage {
		s.Close()
		return nil, errors.Wrapf(ErrHandshake, "first stream has kind %d", kind[0])
	}
	return s, nil
}

// Listener is a bound address waiting for its one peer.
type Listener struct {
	ln   *net.TCPListener
	addr transport.Addr
	opts Options
}

var _ transport.Listener[*Rdma] = (*Listener)(nil)

func (l *Listener) Addr() transport.Addr { return l.addr }

// Accept waits for one peer to connect and completes the handshake with it.
func (l *Listener) Accept(ctx context.Context, cfg transport.RoleConfig) (*Rdma, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	release := bindDeadline(ctx, l.ln.SetDeadline)
	conn, err := l.ln.AcceptTCP()
	release()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, transport.ErrConnListenerClosed
		}
		return nil, errors.Wrap(err, "accepting connection")
	}

	r, err := establish(ctx, conn, cfg, false, l.opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

func (l *Listener) Close() error {
	if err := l.ln.Close(); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return transport.ErrConnListenerClosed
		}
		return err
	}
	return nil
}
