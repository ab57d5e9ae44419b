package test

import (
	"bytes"
	"context"
	"testing"

	"github.com/Nugine/async-rdma/harness"
	"github.com/Nugine/async-rdma/rdma"
	"github.com/Nugine/async-rdma/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestServerClient(t *testing.T) {
	defer goleak.VerifyNone(t)

	msg := []byte("hello from client")

	ServerClient(t,
		func(ctx context.Context, r *rdma.Rdma) error {
			got, err := r.Receive(ctx)
			if err != nil {
				return err
			}
			if !bytes.Equal(msg, got) {
				return errors.Errorf("got %q", got)
			}
			return r.Send(ctx, got)
		},
		func(ctx context.Context, r *rdma.Rdma) error {
			if err := r.Send(ctx, msg); err != nil {
				return err
			}
			echo, err := r.Receive(ctx)
			if err != nil {
				return err
			}
			if !bytes.Equal(msg, echo) {
				return errors.Errorf("echo %q", echo)
			}
			return nil
		},
	)
}

func readyOptions() harness.Options {
	opts := harness.DefaultOptions()
	opts.Rendezvous = harness.RendezvousReady
	return opts
}

func TestMaxMsgLen(t *testing.T) {
	defer goleak.VerifyNone(t)

	ServerClientWithOptions(t, readyOptions(),
		func(ctx context.Context, r *rdma.Rdma) error {
			got, err := r.Receive(ctx)
			if err != nil {
				return err
			}
			if len(got) != harness.MaxMsgLen {
				return errors.Errorf("got %d bytes", len(got))
			}
			return nil
		},
		func(ctx context.Context, r *rdma.Rdma) error {
			if r.MaxMsgLen() != harness.MaxMsgLen {
				return errors.Errorf("negotiated max message length %d", r.MaxMsgLen())
			}
			if err := r.Send(ctx, make([]byte, harness.MaxMsgLen+1)); !errors.Is(err, transport.ErrMessageTooLong) {
				return errors.Errorf("oversized send returned %v", err)
			}
			return r.Send(ctx, make([]byte, harness.MaxMsgLen))
		},
	)
}

func TestOneSidedWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	data := []byte("written without the server asking")

	ServerClientWithOptions(t, readyOptions(),
		func(ctx context.Context, r *rdma.Rdma) error {
			mr, err := r.RegisterMR(64)
			if err != nil {
				return err
			}
			defer mr.Deregister()

			if err := r.SendRemoteMR(ctx, mr.Remote()); err != nil {
				return err
			}
			// The client reports back once its write landed.
			if _, err := r.Receive(ctx); err != nil {
				return err
			}
			if !bytes.Equal(data, mr.Bytes()[:len(data)]) {
				return errors.Errorf("region holds %q", mr.Bytes())
			}
			return nil
		},
		func(ctx context.Context, r *rdma.Rdma) error {
			remote, err := r.ReceiveRemoteMR(ctx)
			if err != nil {
				return err
			}
			if err := r.Write(ctx, data, remote, 0); err != nil {
				return err
			}

			got := make([]byte, len(data))
			if err := r.Read(ctx, got, remote, 0); err != nil {
				return err
			}
			if !bytes.Equal(data, got) {
				return errors.Errorf("read back %q", got)
			}
			return r.Send(ctx, []byte("done"))
		},
	)
}

func TestFailureIsAttributed(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("assertion failed")

	h, err := harness.New[*rdma.Rdma](rdma.New(rdma.Options{}), readyOptions())
	require.NoError(t, err)

	err = h.Run(
		func(ctx context.Context, r *rdma.Rdma) error {
			_, err := r.Receive(ctx)
			return err
		},
		func(ctx context.Context, r *rdma.Rdma) error { return boom },
	)

	var herr *harness.Error
	require.ErrorAs(t, err, &herr)
	require.Equal(t, harness.RoleClient, herr.Role)
	require.Equal(t, harness.PhaseBody, herr.Phase)
	require.ErrorIs(t, err, boom)
}
