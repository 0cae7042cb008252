package flow

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/parhelion/desyncproxy/internal/addrkey"
	"github.com/parhelion/desyncproxy/internal/cache"
	"github.com/parhelion/desyncproxy/internal/desync"
	"github.com/parhelion/desyncproxy/internal/strategy"
)

// recordingDesyncer wraps a real Desyncer and records the strategy index
// each Desync call was made with, so tests can assert which attempt actually
// reached the wire without depending on byte-level output differences.
type recordingDesyncer struct {
	desync.Desyncer
	mu       sync.Mutex
	attempts []int
}

func (r *recordingDesyncer) Desync(conn net.Conn, buf []byte, offset int, dst addrkey.Key, m int) (int, error) {
	r.mu.Lock()
	r.attempts = append(r.attempts, m)
	r.mu.Unlock()
	return r.Desyncer.Desync(conn, buf, offset, dst, m)
}

var errDialFailed = errors.New("dial failed")

func TestConnectHookCacheMissDialsAndRegisters(t *testing.T) {
	core := newTestCore(t, baselineOnly())
	upProxy, upTest := net.Pipe()
	defer upTest.Close()
	core.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) { return upProxy, nil }

	dst := testDst(t)
	f, attempt, doCache, err := core.ConnectHook(context.Background(), dst, "example.com:443")
	require.NoError(t, err)
	require.Equal(t, StateConn, f.state)
	require.Equal(t, 0, attempt)
	require.True(t, doCache)
	require.Equal(t, float64(1), testutil.ToFloat64(core.Metrics.CacheMisses))
	require.Equal(t, float64(1), testutil.ToFloat64(core.Metrics.ActiveFlows))
	require.Equal(t, 1, core.table.len())
}

// Scenario: a cache hit at a non-baseline index skips re-selection and
// suppresses the redundant cache refresh ConnectHook would otherwise plan
// for a fresh flow.
func TestConnectHookCacheHitNonBaselineSkipsCacheRefresh(t *testing.T) {
	core := newTestCore(t, []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectTORST},
	})
	dst := testDst(t)
	core.Cache.Insert(dst, 1)

	upProxy, upTest := net.Pipe()
	defer upTest.Close()
	core.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) { return upProxy, nil }

	_, attempt, doCache, err := core.ConnectHook(context.Background(), dst, "example.com:443")
	require.NoError(t, err)
	require.Equal(t, 1, attempt)
	require.False(t, doCache)
	require.Equal(t, float64(1), testutil.ToFloat64(core.Metrics.CacheHits))
}

func TestConnectHookDialFailureReturnsError(t *testing.T) {
	core := newTestCore(t, baselineOnly())
	core.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errDialFailed
	}

	_, _, _, err := core.ConnectHook(context.Background(), testDst(t), "example.com:443")
	require.Error(t, err)
}

// Scenario 1 (SPEC_FULL.md §8): happy path, no anomaly, tunnel commits and
// the strategy cache gets a fresh entry. Exercised end to end through
// HandleClient rather than the individual Flow methods.
func TestHandleClientHappyPathEndToEnd(t *testing.T) {
	core := newTestCore(t, baselineOnly())
	clientProxy, clientTest := net.Pipe()
	upProxy, upTest := net.Pipe()
	core.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) { return upProxy, nil }

	dst := testDst(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		core.HandleClient(ctx, clientProxy, dst, "example.com:443")
		close(done)
	}()

	_, err := clientTest.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	reqBuf := make([]byte, 4096)
	n, err := upTest.Read(reqBuf)
	require.NoError(t, err)
	require.Contains(t, string(reqBuf[:n]), "example.com")

	_, err = upTest.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)

	respBuf := make([]byte, 4096)
	n, err = clientTest.Read(respBuf)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", string(respBuf[:n]))

	// Tunnel committed: further bytes pass through opaquely in both
	// directions via plain io.Copy.
	_, err = upTest.Write([]byte("more-data"))
	require.NoError(t, err)
	n, err = clientTest.Read(respBuf)
	require.NoError(t, err)
	require.Equal(t, "more-data", string(respBuf[:n]))

	idx, status := core.Cache.Lookup(dst)
	require.Equal(t, cache.Hit, status)
	require.Equal(t, 0, idx)

	clientTest.Close()
	upTest.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleClient did not return after both ends closed")
	}
}

// Scenario: a second connection to a dst the Strategy Cache already holds a
// non-baseline index for must skip re-selection entirely and apply the
// cached strategy straight away (SPEC_FULL.md §4.1/§4.5's "second connection
// to same dst: lookup hits, skip re-selection" property). Strategy index 1
// here is conditional (Detect: DetectTORST), so SelectTCP would never choose
// it on a fresh scan of this plain HTTP payload — if HandleClient wired the
// cache hit onto the wrong Flow (or not at all), the recorded attempt would
// come back 0, not 1.
func TestHandleClientCachedNonBaselineStrategySkipsReselection(t *testing.T) {
	strategies := []strategy.Strategy{
		{Detect: strategy.DetectNone, Mode: strategy.ModeNone},
		{Detect: strategy.DetectTORST, Mode: strategy.ModeMultisplit},
	}
	core := newTestCore(t, strategies)
	dst := testDst(t)
	core.Cache.Insert(dst, 1)

	rec := &recordingDesyncer{Desyncer: core.Desyncer}
	core.Desyncer = rec

	clientProxy, clientTest := net.Pipe()
	upProxy, upTest := net.Pipe()
	core.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) { return upProxy, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		core.HandleClient(ctx, clientProxy, dst, "example.com:443")
		close(done)
	}()

	_, err := clientTest.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	reqBuf := make([]byte, 4096)
	n, err := upTest.Read(reqBuf)
	require.NoError(t, err)
	require.Contains(t, string(reqBuf[:n]), "example.com")

	_, err = upTest.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)

	respBuf := make([]byte, 4096)
	_, err = clientTest.Read(respBuf)
	require.NoError(t, err)

	clientTest.Close()
	upTest.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleClient did not return after both ends closed")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []int{1}, rec.attempts, "cached non-baseline index must reach the Desyncer without falling back to selection")
}

func TestHandleClientUpstreamDialFailureClosesClient(t *testing.T) {
	core := newTestCore(t, baselineOnly())
	clientProxy, clientTest := net.Pipe()
	core.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errDialFailed
	}

	done := make(chan struct{})
	go func() {
		core.HandleClient(context.Background(), clientProxy, testDst(t), "example.com:443")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleClient did not return on dial failure")
	}

	_, err := clientTest.Write([]byte("x"))
	require.Error(t, err, "client conn should have been closed after the failed dial")
}
