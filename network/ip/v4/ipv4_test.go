package ipv4

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAddr(t *testing.T) {
	testcases := []struct {
		desc     string
		input    string
		expected Addr
		wantErr  bool
	}{
		{
			desc:     "localhost",
			input:    "127.0.0.1",
			expected: Addr{127, 0, 0, 1},
			wantErr:  false,
		},
		{
			desc:    "missing a digit",
			input:   "127.0.0",
			wantErr: true,
		},
		{
			desc:    "non-digit",
			input:   "foo.0.0.1s",
			wantErr: true,
		},
		{
			desc:    "bigger than 255",
			input:   "256.0.0.1",
			wantErr: true,
		},
		{
			desc:    "negative number",
			input:   "127.0.0.-1",
			wantErr: true,
		},
		{
			desc:    "leading 0",
			input:   "127.0.0.01",
			wantErr: true,
		},
		{
			desc:    "unnecessary 0",
			input:   "127.0.00.1",
			wantErr: true,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			parsed, err := ParseAddr(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Zero(t, parsed)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.expected, parsed)
		})
	}
}

func TestAddrString(t *testing.T) {
	assert.Equal(t, "127.0.0.1", Loopback.String())
	assert.Equal(t, "10.0.255.7", Addr{10, 0, 255, 7}.String())

	parsed, err := ParseAddr(Loopback.String())
	assert.NoError(t, err)
	assert.Equal(t, Loopback, parsed)
}

func TestFromIP(t *testing.T) {
	addr, err := FromIP(net.ParseIP("127.0.0.1"))
	assert.NoError(t, err)
	assert.Equal(t, Loopback, addr)
	assert.True(t, addr.IsLoopback())
	assert.True(t, addr.IP().Equal(net.IPv4(127, 0, 0, 1)))

	_, err = FromIP(net.ParseIP("::1"))
	assert.Error(t, err)

	addr, err = FromIP(net.ParseIP("192.168.1.1"))
	assert.NoError(t, err)
	assert.False(t, addr.IsLoopback())
}
