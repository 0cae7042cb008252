package addrkey

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildDeterministic(t *testing.T) {
	k1, err := Build(net.ParseIP("93.184.216.34"), 443)
	require.NoError(t, err)
	k2, err := Build(net.ParseIP("93.184.216.34"), 443)
	require.NoError(t, err)
	require.Equal(t, k1, k2, "same destination must serialize identically")
}

func TestBuildDistinctDestinations(t *testing.T) {
	cases := []struct {
		ip   string
		port uint16
	}{
		{"93.184.216.34", 443},
		{"93.184.216.34", 80},
		{"93.184.216.35", 443},
		{"2606:2800:220:1:248:1893:25c8:1946", 443},
	}
	seen := map[Key]bool{}
	for _, c := range cases {
		k, err := Build(net.ParseIP(c.ip), c.port)
		require.NoError(t, err)
		require.False(t, seen[k], "collision for %s:%d", c.ip, c.port)
		seen[k] = true
	}
}

func TestV4MappedV6Canonicalization(t *testing.T) {
	v4, err := Build(net.ParseIP("93.184.216.34"), 443)
	require.NoError(t, err)
	mapped, err := Build(net.ParseIP("::ffff:93.184.216.34"), 443)
	require.NoError(t, err)
	require.Equal(t, v4, mapped, "v4-mapped v6 must canonicalize to the same key as plain v4")
	require.Equal(t, FamilyV4, v4.Family())
}

func TestFamilyAndPort(t *testing.T) {
	k, err := Build(net.ParseIP("2606:2800:220:1:248:1893:25c8:1946"), 8443)
	require.NoError(t, err)
	require.Equal(t, FamilyV6, k.Family())
	require.Equal(t, uint16(8443), k.Port())
}

func TestFromTCPAddr(t *testing.T) {
	a := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1234}
	k, err := FromTCPAddr(a)
	require.NoError(t, err)
	require.Equal(t, uint16(1234), k.Port())

	_, err = FromTCPAddr(nil)
	require.Error(t, err)
}
