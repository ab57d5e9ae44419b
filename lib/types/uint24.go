package types

import (
	"strconv"

	"github.com/pkg/errors"
)

// Uint24 is a 24 bit unsigned integer such as a queue pair number or a
// packet sequence number. Stored in big endian.
type Uint24 struct{ data [3]uint8 }

const MaxUint24 = 1<<24 - 1

// NOTE: This truncates most significant byte from u32.
func NewUint24(u32 uint32) Uint24 {
	return Uint24{data: [3]uint8{
		uint8(u32 >> 16),
		uint8(u32 >> 8),
		uint8(u32),
	}}
}

func (u24 Uint24) Uint32() uint32 {
	d := u24.data
	return uint32(d[0])<<16 | uint32(d[1])<<8 | uint32(d[2])
}

func (u24 Uint24) String() string {
	return strconv.FormatUint(uint64(u24.Uint32()), 10)
}

// MarshalBinary encodes u24 as its three big endian bytes.
func (u24 Uint24) MarshalBinary() ([]byte, error) {
	return u24.data[:], nil
}

func (u24 *Uint24) UnmarshalBinary(b []byte) error {
	if len(b) != len(u24.data) {
		return errors.Errorf("uint24 needs %d bytes, got %d", len(u24.data), len(b))
	}
	copy(u24.data[:], b)
	return nil
}
