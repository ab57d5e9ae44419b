package harness

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"

	"github.com/Nugine/async-rdma/transport"

	"github.com/pkg/errors"
)

// TestFunc is the user logic run against one end of the connection.
// The handle is owned by the runner and closed once TestFunc returns.
type TestFunc[H any] func(ctx context.Context, h H) error

// endpoint is one running execution context.
type endpoint struct {
	role Role
	done chan struct{}
	err  error
}

// spawn runs body on a goroutine wired to an OS thread of its own, with a
// root context and logger nothing else shares. The thread is discarded when
// body returns, so no scheduler state leaks into the next run.
// A panic in body is reported as a join failure instead of crashing the process.
func spawn(role Role, logger *slog.Logger, body func(ctx context.Context, logger *slog.Logger) error) *endpoint {
	e := &endpoint{role: role, done: make(chan struct{})}

	go func() {
		runtime.LockOSThread()
		// Exiting while locked terminates the thread.

		defer close(e.done)
		defer func() {
			if p := recover(); p != nil {
				e.err = fail(role, PhaseJoin, errors.Wrapf(ErrEndpointPanicked, "%v\n%s", p, debug.Stack()))
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		e.err = body(ctx, logger.With("role", role.String()))
	}()

	return e
}

func (e *endpoint) finished() <-chan struct{} { return e.done }

func serve[H io.Closer](
	ctx context.Context,
	logger *slog.Logger,
	t transport.Transport[H],
	addr transport.Addr,
	cfg transport.RoleConfig,
	ready chan<- struct{},
	fn TestFunc[H],
) error {
	l, err := t.Bind(ctx, addr)
	if err != nil {
		return fail(RoleServer, PhaseBind, err)
	}
	close(ready)
	logger.Debug("listening")

	h, err := l.Accept(ctx, cfg)
	// Exactly one connection per run.
	if cerr := l.Close(); cerr != nil {
		logger.Warn("error when closing listener", "error", cerr)
	}
	if err != nil {
		return fail(RoleServer, PhaseAccept, err)
	}
	logger.Debug("accepted")

	return runBody(ctx, logger, RoleServer, h, fn)
}

func connect[H io.Closer](
	ctx context.Context,
	logger *slog.Logger,
	t transport.Transport[H],
	addr transport.Addr,
	cfg transport.RoleConfig,
	fn TestFunc[H],
) error {
	h, err := t.Connect(ctx, addr, cfg)
	if err != nil {
		return fail(RoleClient, PhaseConnect, err)
	}
	logger.Debug("connected")

	return runBody(ctx, logger, RoleClient, h, fn)
}

func runBody[H io.Closer](ctx context.Context, logger *slog.Logger, role Role, h H, fn TestFunc[H]) error {
	defer func() {
		if err := h.Close(); err != nil {
			logger.Warn("error when closing endpoint", "error", err)
		}
	}()

	if err := fn(ctx, h); err != nil {
		return fail(role, PhaseBody, err)
	}
	return nil
}
