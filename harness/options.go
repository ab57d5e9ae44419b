package harness

import (
	"io"
	"log/slog"
	"time"

	"github.com/Nugine/async-rdma/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Role configuration both endpoints share.
const (
	PortNum   = 1
	GIDIndex  = 1
	MaxMsgLen = 128
)

var DefaultRoleConfig = transport.RoleConfig{
	PortNum:   PortNum,
	GIDIndex:  GIDIndex,
	MaxMsgLen: MaxMsgLen,
}

const DefaultSettleInterval = time.Second

// Rendezvous selects how the client learns the server is listening.
type Rendezvous uint8

const (
	// RendezvousSleep starts the client after SettleInterval, listening or not.
	RendezvousSleep Rendezvous = iota
	// RendezvousReady starts the client once the server has bound its address.
	RendezvousReady
)

// Allocator hands out the address a run binds to.
type Allocator interface {
	Allocate() (addr transport.Addr, release func(), err error)
}

type Options struct {
	Role transport.RoleConfig

	Rendezvous Rendezvous

	// SettleInterval is how long RendezvousSleep waits before starting the
	// client. Zero means DefaultSettleInterval, negative means no wait at all.
	SettleInterval time.Duration

	// JoinTimeout bounds the wait for each endpoint. Zero waits forever.
	JoinTimeout time.Duration

	Allocator Allocator
	Clock     clock.Clock
	Logger    *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Role:           DefaultRoleConfig,
		Rendezvous:     RendezvousSleep,
		SettleInterval: DefaultSettleInterval,
	}
}

func (o *Options) setDefaults() {
	if o.Role == (transport.RoleConfig{}) {
		o.Role = DefaultRoleConfig
	}
	if o.SettleInterval == 0 {
		o.SettleInterval = DefaultSettleInterval
	}
	if o.Allocator == nil {
		o.Allocator = transport.DefaultAllocator()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

func (o Options) validate() error {
	if err := o.Role.Validate(); err != nil {
		return errors.Wrap(err, "role configuration")
	}
	if o.JoinTimeout < 0 {
		return errors.Errorf("join timeout(%s) must not be negative", o.JoinTimeout)
	}
	if o.Rendezvous > RendezvousReady {
		return errors.Errorf("unknown rendezvous(%d)", o.Rendezvous)
	}
	return nil
}
