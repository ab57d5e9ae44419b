// Package ipv4 holds the IPv4 address type endpoints are bound to.
package ipv4

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Addr [4]byte

// Loopback is the address every harness endpoint binds or dials.
var Loopback = Addr{127, 0, 0, 1}

func ParseAddr(s string) (Addr, error) {
	digits := strings.Split(s, ".")
	if len(digits) != 4 {
		return Addr{}, errors.New("digits are not properly seperated")
	}

	var addr Addr
	for idx, digit := range digits {
		n, err := strconv.ParseUint(digit, 10, 8)
		if err != nil {
			return Addr{}, errors.Wrap(err, "failed to parse a part into digit")
		}

		if digit[0] == '0' && !(n == 0 && len(digit) == 1) {
			// '00', '01'
			return Addr{}, errors.New("leading zero is not allowed in digit")
		}
		addr[idx] = byte(n)
	}

	return addr, nil
}

// FromIP converts a 4-byte representable [net.IP].
func FromIP(ip net.IP) (Addr, error) {
	v4 := ip.To4()
	if v4 == nil {
		return Addr{}, errors.Errorf("%s is not an IPv4 address", ip)
	}
	return Addr(v4), nil
}

func (a Addr) IP() net.IP       { return net.IPv4(a[0], a[1], a[2], a[3]).To4() }
func (a Addr) Raw() []byte      { return a[:] }
func (a Addr) IsLoopback() bool { return a[0] == 127 }

func (a Addr) String() string {
	parts := make([]string, 0, len(a))
	for _, b := range a {
		parts = append(parts, strconv.FormatUint(uint64(b), 10))
	}
	return strings.Join(parts, ".")
}
