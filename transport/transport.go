// Package transport defines what the harness needs from a queue-pair transport:
// a way to bind and accept on a loopback address, a way to connect to it,
// and the role configuration both ends must agree on.
package transport

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

var (
	ErrConnClosed         = errors.New("connection is closed")
	ErrConnListenerClosed = errors.New("conn listener is closed")
	ErrConnRefused        = errors.New("connection refused")
	ErrAddrAlreadyInUse   = errors.New("address already in use")
	ErrDeadLineExceeded   = errors.New("deadline exceeded")
	ErrMessageTooLong     = errors.New("message exceeds max message length")
	ErrConfigMismatch     = errors.New("role configuration mismatch")
	ErrNoFreePort         = errors.New("no free port available")
)

// RoleConfig is the triple both endpoints of a queue pair must agree on.
type RoleConfig struct {
	PortNum   uint8 // physical port of the local device
	GIDIndex  int   // index into the port's GID table
	MaxMsgLen int   // upper bound for a single two-sided message
}

func (c RoleConfig) Validate() error {
	if c.PortNum == 0 {
		return errors.New("port number starts from 1")
	}
	if c.GIDIndex < 0 {
		return errors.Errorf("gid index(%d) must not be negative", c.GIDIndex)
	}
	if c.MaxMsgLen <= 0 {
		return errors.Errorf("max message length(%d) must be positive", c.MaxMsgLen)
	}
	return nil
}

// QueuePair is the message oriented handle an established connection exposes.
type QueuePair interface {
	// Send transmits msg as one message.
	// It fails with [ErrMessageTooLong] if msg is longer than MaxMsgLen.
	Send(ctx context.Context, msg []byte) error
	// Receive blocks until the next message arrives.
	Receive(ctx context.Context) ([]byte, error)
	MaxMsgLen() int

	LocalAddr() Addr
	RemoteAddr() Addr

	io.Closer
}

// Listener accepts exactly the connections a bound address receives.
type Listener[H any] interface {
	Accept(ctx context.Context, cfg RoleConfig) (H, error)
	Addr() Addr
	Close() error
}

// Transport is the collaborator the harness drives: bind+listen on one side,
// connect on the other. H is the endpoint handle the transport produces.
type Transport[H any] interface {
	Bind(ctx context.Context, addr Addr) (Listener[H], error)
	Connect(ctx context.Context, addr Addr, cfg RoleConfig) (H, error)
}
