package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUint24(t *testing.T) {
	u24 := NewUint24(0x123456)
	assert.Equal(t, [3]uint8{0x12, 0x34, 0x56}, u24.data)
}

func TestNewUint24Truncate(t *testing.T) {
	u32 := uint32(0x12345678)
	u24 := NewUint24(u32)
	assert.Equal(t, [3]uint8{0x34, 0x56, 0x78}, u24.data)
}

func TestUint24String(t *testing.T) {
	u24 := NewUint24(0x123456)
	assert.Equal(t, "1193046", u24.String()) // 0x123456 in decimal is 1193046
}

func TestUint24Uint32(t *testing.T) {
	u32 := uint32(0x123456)
	u24 := NewUint24(u32)
	assert.Equal(t, u32, u24.Uint32())

	assert.Equal(t, uint32(MaxUint24), NewUint24(0xFFFFFFFF).Uint32())
}

func TestUint24Binary(t *testing.T) {
	b, err := NewUint24(0xABCDEF).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xCD, 0xEF}, b)

	var u24 Uint24
	require.NoError(t, u24.UnmarshalBinary([]byte{0x00, 0x00, 0x2A}))
	assert.Equal(t, uint32(42), u24.Uint32())

	assert.Error(t, u24.UnmarshalBinary([]byte{0x01, 0x02}))
}
