// Package test runs server/client test bodies over the simulated RDMA
// transport and fails the calling test with the attributed error.
package test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/Nugine/async-rdma/harness"
	"github.com/Nugine/async-rdma/rdma"

	"github.com/stretchr/testify/require"
)

// ServerClient runs server and client against each other with the default
// options: a one second settle interval and the shared role configuration.
func ServerClient(t testing.TB, server, client harness.TestFunc[*rdma.Rdma]) {
	t.Helper()
	ServerClientWithOptions(t, harness.DefaultOptions(), server, client)
}

func ServerClientWithOptions(t testing.TB, opts harness.Options, server, client harness.TestFunc[*rdma.Rdma]) {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h, err := harness.New[*rdma.Rdma](rdma.New(rdma.Options{Logger: opts.Logger}), opts)
	require.NoError(t, err)
	require.NoError(t, h.Run(server, client))
}
