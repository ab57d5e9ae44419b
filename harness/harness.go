// Package harness stands up both ends of a queue-pair connection for a test.
//
// A run allocates one loopback address, starts the server endpoint, waits for
// the rendezvous, starts the client endpoint, and then joins client and server
// in that order. Each endpoint runs in its own execution context on its own
// OS thread. Once spawned an endpoint is never cancelled: a hung endpoint
// hangs the run unless Options.JoinTimeout is set, and keeps its address
// until it exits.
package harness

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/Nugine/async-rdma/transport"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type State int32

const (
	NotStarted State = iota
	Running
	Completed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Harness drives a single server/client run over transport t.
type Harness[H io.Closer] struct {
	t     transport.Transport[H]
	opts  Options
	state atomic.Int32
}

func New[H io.Closer](t transport.Transport[H], opts Options) (*Harness[H], error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	return &Harness[H]{t: t, opts: opts}, nil
}

func (h *Harness[H]) State() State { return State(h.state.Load()) }

// Run executes server and client against each other and reports the first
// failure it observes, client first. A Harness runs at most once.
func (h *Harness[H]) Run(server, client TestFunc[H]) error {
	if !h.state.CompareAndSwap(int32(NotStarted), int32(Running)) {
		return ErrAlreadyRun
	}
	defer h.state.Store(int32(Completed))

	logger := h.opts.Logger.With("run", uuid.NewString())

	addr, release, err := h.opts.Allocator.Allocate()
	if err != nil {
		logger.Error("no address for run", "error", err)
		return fail(RoleNone, PhaseAllocate, err)
	}
	logger = logger.With("addr", addr.String())

	ready := make(chan struct{})
	srv := spawn(RoleServer, logger, func(ctx context.Context, logger *slog.Logger) error {
		return serve(ctx, logger, h.t, addr, h.opts.Role, ready, server)
	})

	if !h.rendezvous(ready, srv) {
		// The server gave up before it could listen; nobody to connect to.
		err := h.join(srv)
		releaseWhenDone(release, srv)
		logger.Error("server failed before rendezvous", "error", err)
		return err
	}

	cli := spawn(RoleClient, logger, func(ctx context.Context, logger *slog.Logger) error {
		return connect(ctx, logger, h.t, addr, h.opts.Role, client)
	})

	clientErr := h.join(cli)
	serverErr := h.join(srv)
	releaseWhenDone(release, cli, srv)

	switch {
	case clientErr != nil:
		if serverErr != nil {
			logger.Error("server failed as well", "error", serverErr)
		}
		logger.Error("run failed", "error", clientErr)
		return clientErr
	case serverErr != nil:
		logger.Error("run failed", "error", serverErr)
		return serverErr
	}

	logger.Info("run completed")
	return nil
}

// rendezvous blocks until the client may start. It returns false if the
// server finished before signalling readiness.
func (h *Harness[H]) rendezvous(ready <-chan struct{}, srv *endpoint) bool {
	switch h.opts.Rendezvous {
	case RendezvousReady:
		select {
		case <-ready:
			return true
		case <-srv.finished():
			select {
			case <-ready:
				// Bound, then failed later on. The client still gets its turn.
				return true
			default:
				return false
			}
		}
	default:
		if h.opts.SettleInterval > 0 {
			h.opts.Clock.Sleep(h.opts.SettleInterval)
		}
		return true
	}
}

// releaseWhenDone gives the address back once every endpoint has exited.
// An endpoint that outlived its join may still be listening on it.
func releaseWhenDone(release func(), endpoints ...*endpoint) {
	for _, e := range endpoints {
		select {
		case <-e.finished():
		default:
			go func() {
				for _, e := range endpoints {
					<-e.finished()
				}
				release()
			}()
			return
		}
	}
	release()
}

func (h *Harness[H]) join(e *endpoint) error {
	if h.opts.JoinTimeout <= 0 {
		<-e.finished()
		return e.err
	}

	select {
	case <-e.finished():
		return e.err
	case <-h.opts.Clock.After(h.opts.JoinTimeout):
		return fail(e.role, PhaseJoin, errors.Wrapf(ErrHarnessTimeout, "after %s", h.opts.JoinTimeout))
	}
}
