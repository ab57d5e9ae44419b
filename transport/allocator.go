package transport

import (
	"math/rand"
	"net"
	"sync"

	ipv4 "github.com/Nugine/async-rdma/network/ip/v4"
)

// Allocator hands out loopback addresses whose port is free at the instant of
// allocation. The port is not reserved at the OS level, so another process may
// still take it before the endpoint binds.
type Allocator struct {
	ports *PortTable
	ip    ipv4.Addr
}

func NewAllocator(ports *PortTable) *Allocator {
	return &Allocator{ports: ports, ip: ipv4.Loopback}
}

var defaultAllocator = sync.OnceValue(func() *Allocator {
	return NewAllocator(NewPortTable(EphemeralPortOptions{
		Range:  [2]uint16{49152, 65535},
		Rand:   func() uint16 { return uint16(rand.Uint32()) },
		MaxTry: 64,
		Probe:  ProbeLoopback,
	}))
})

// DefaultAllocator is shared by the whole process, so two runs never hold the same port.
func DefaultAllocator() *Allocator { return defaultAllocator() }

// Allocate returns an unused loopback address.
// release hands the port back to the allocator; it is safe to call more than once.
func (a *Allocator) Allocate() (addr Addr, release func(), err error) {
	ok, port, release := a.ports.Occupy(0)
	if !ok {
		return Addr{}, nil, ErrNoFreePort
	}
	return Addr{IP: a.ip, Port: port}, release, nil
}

// ProbeLoopback reports whether port can currently be bound on 127.0.0.1.
func ProbeLoopback(port uint16) bool {
	l, err := net.ListenTCP("tcp4", LoopbackAddr(port).TCPAddr())
	if err != nil {
		return false
	}
	l.Close()
	return true
}
