package flow

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parhelion/desyncproxy/internal/addrkey"
	"github.com/parhelion/desyncproxy/internal/cache"
	"github.com/parhelion/desyncproxy/internal/config"
	"github.com/parhelion/desyncproxy/internal/desync"
	"github.com/parhelion/desyncproxy/internal/metrics"
	"github.com/parhelion/desyncproxy/internal/strategy"
)

func testDst(t *testing.T) addrkey.Key {
	t.Helper()
	k, err := addrkey.Build(net.ParseIP("93.184.216.34"), 443)
	require.NoError(t, err)
	return k
}

func baselineOnly() []strategy.Strategy {
	return []strategy.Strategy{{Detect: strategy.DetectNone, Mode: strategy.ModeNone}}
}

// newTestCore builds a Core around a real Cache/Desyncer/Metrics (cheap,
// in-memory, no network) with a caller-supplied Dial so individual flow
// methods can be exercised directly against net.Pipe endpoints.
func newTestCore(t *testing.T, strategies []strategy.Strategy) *Core {
	t.Helper()
	p := config.New(strategies)
	c := cache.New(time.Minute)
	d := desync.New(strategies)
	m := metrics.New("")
	return New(p, c, d, m)
}

// pairedFlows registers a client-side and an upstream-side Flow in core's
// table, pairs them, and returns both plus the net.Pipe test ends so the
// test can drive bytes through them without going through Core.HandleClient.
func pairedFlows(t *testing.T, core *Core, dst addrkey.Key) (client, upstream *Flow, clientTest, upTest net.Conn) {
	t.Helper()
	clientProxy, clientTest := net.Pipe()
	upProxy, upTest := net.Pipe()

	client = &Flow{core: core, table: core.table, conn: clientProxy, dst: dst, dialAddr: "example.com:443", state: StateDesync, cache: true}
	core.table.register(client)
	upstream = &Flow{core: core, table: core.table, conn: upProxy, dst: dst, dialAddr: "example.com:443", state: StateConn}
	core.table.register(upstream)
	core.table.pair(client, upstream)

	return client, upstream, clientTest, upTest
}
