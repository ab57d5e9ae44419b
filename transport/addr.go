package transport

import (
	"net"
	"strconv"

	ipv4 "github.com/Nugine/async-rdma/network/ip/v4"
	"github.com/pkg/errors"
)

// Addr is an IPv4 address with a port. The zero port means "not chosen yet".
type Addr struct {
	IP   ipv4.Addr
	Port uint16
}

func LoopbackAddr(port uint16) Addr {
	return Addr{IP: ipv4.Loopback, Port: port}
}

func AddrFromNet(a net.Addr) (Addr, error) {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return Addr{}, errors.Errorf("unsupported address type %T", a)
	}
	ip, err := ipv4.FromIP(tcp.IP)
	if err != nil {
		return Addr{}, err
	}
	return Addr{IP: ip, Port: uint16(tcp.Port)}, nil
}

func (a Addr) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP.IP(), Port: int(a.Port)}
}

func (a Addr) String() string {
	return a.IP.String() + ":" + strconv.FormatUint(uint64(a.Port), 10)
}
