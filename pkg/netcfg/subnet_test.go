package netcfg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubnetMap_GatewayFor(t *testing.T) {
	m, err := NewSubnetMap(nil)
	require.NoError(t, err)

	tests := []struct {
		ip     string
		want   string
		wantOK bool
	}{
		{"10.20.1.5", "10.20.0.1", true},
		{"10.0.3.4", "10.0.0.1", true},
		{"10.253.9.9", "10.253.0.1", true},
		{"10.2.1.1", "", false},
		{"10.200.1.1", "", false},
		{"192.168.1.1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			got, ok := m.GatewayFor(tt.ip)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.wantOK, m.Contains(tt.ip))
		})
	}
}

func TestNewSubnetMap_Custom(t *testing.T) {
	m, err := NewSubnetMap([]string{"172.16."})
	require.NoError(t, err)

	gw, ok := m.GatewayFor("172.16.4.4")
	require.True(t, ok)
	require.Equal(t, "172.16.0.1", gw)
	require.Equal(t, []string{"172.16."}, m.Prefixes())

	for _, bad := range []string{"10.", "10.20", "10.20.1.", "a.b."} {
		_, err := NewSubnetMap([]string{bad})
		require.Error(t, err, bad)
	}
}

func TestSameSubnet(t *testing.T) {
	require.True(t, SameSubnet("10.20.1.5", "10.20.200.9"))
	require.False(t, SameSubnet("10.20.1.5", "10.24.1.5"))
	require.False(t, SameSubnet("10", "10.20.1.5"))
}

func TestValidIPv4(t *testing.T) {
	for _, ok := range []string{"10.20.1.5", "0.0.0.0", "255.255.255.255"} {
		require.True(t, ValidIPv4(ok), ok)
	}
	for _, bad := range []string{"", "10.20.1", "10.20.1.256", "fe80::1", "::ffff:10.0.0.1", "host"} {
		require.False(t, ValidIPv4(bad), bad)
	}
}
