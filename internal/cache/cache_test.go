package cache

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parhelion/desyncproxy/internal/addrkey"
)

func key(t *testing.T, ip string, port uint16) addrkey.Key {
	t.Helper()
	k, err := addrkey.Build(net.ParseIP(ip), port)
	require.NoError(t, err)
	return k
}

func TestLookupMissThenHit(t *testing.T) {
	c := New(time.Minute)
	dst := key(t, "93.184.216.34", 443)

	_, status := c.Lookup(dst)
	require.Equal(t, Miss, status)

	c.Insert(dst, 2)
	idx, status := c.Lookup(dst)
	require.Equal(t, Hit, status)
	require.Equal(t, 2, idx)
}

func TestLookupStaleNeverReturned(t *testing.T) {
	c := New(10 * time.Millisecond)
	dst := key(t, "93.184.216.34", 443)
	c.Insert(dst, 3)

	time.Sleep(30 * time.Millisecond)
	idx, status := c.Lookup(dst)
	require.Equal(t, Stale, status)
	require.Equal(t, 0, idx, "stale lookups must never surface the cached index")
}

func TestDelete(t *testing.T) {
	c := New(time.Minute)
	dst := key(t, "10.0.0.1", 80)
	c.Insert(dst, 1)
	c.Delete(dst)
	_, status := c.Lookup(dst)
	require.Equal(t, Miss, status)
}

func TestInsertOverwrites(t *testing.T) {
	c := New(time.Minute)
	dst := key(t, "10.0.0.1", 80)
	c.Insert(dst, 1)
	c.Insert(dst, 5)
	idx, status := c.Lookup(dst)
	require.Equal(t, Hit, status)
	require.Equal(t, 5, idx)
	require.Equal(t, 1, c.Len())
}

func TestEvictionSweepRemovesStaleEntries(t *testing.T) {
	c := New(5 * time.Millisecond)
	dst := key(t, "10.0.0.2", 80)
	c.Insert(dst, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go c.RunEvictionSweep(ctx, 5*time.Millisecond, 1.0)
	defer cancel()

	require.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSnapshot(t *testing.T) {
	c := New(time.Minute)
	dst := key(t, "10.0.0.3", 443)
	c.Insert(dst, 7)
	snap := c.Snapshot()
	require.Len(t, snap, 1)
	for _, e := range snap {
		require.Equal(t, 7, e.Index)
	}
}
