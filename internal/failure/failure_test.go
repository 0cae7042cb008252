package failure

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parhelion/desyncproxy/internal/strategy"
)

func tlsClientHello() []byte {
	b := make([]byte, 64)
	b[0] = 0x16
	b[5] = 0x01
	return b
}

func tlsServerHello() []byte {
	b := make([]byte, 64)
	b[0] = 0x16
	b[5] = 0x02
	return b
}

// Scenario 2: RST on first attempt, strategy 1 counters TORST, reconnect
// possible.
func TestOnTORSTReconnects(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectTORST},
	}
	out := OnTORST(Input{Strategies: list, Attempt: 0, CanReconnect: true})
	require.Equal(t, Reconnect, out.Kind)
	require.Equal(t, 1, out.ReconnectIndex)
}

func TestOnTORSTCachesWhenNotReconnectable(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectTORST},
	}
	out := OnTORST(Input{Strategies: list, Attempt: 0, CanReconnect: false, AutoLevel: 1})
	require.Equal(t, Destroy, out.Kind)
	require.Equal(t, CacheInsert, out.Cache)
	require.Equal(t, 1, out.CacheIndex)
}

// Scenario 6: cached strategy also fails, scan exhausts, previous attempt
// (3) > 1 so the cache entry is deleted.
func TestOnTORSTExhaustedDeletesCacheWhenPreviousAttemptAboveOne(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectHTTPLocat},
		{Detect: strategy.DetectHTTPLocat},
		{Detect: strategy.DetectHTTPLocat},
		{Detect: strategy.DetectHTTPLocat},
	}
	out := OnTORST(Input{Strategies: list, Attempt: 3, CanReconnect: true})
	require.Equal(t, Destroy, out.Kind)
	require.Equal(t, CacheDelete, out.Cache)
}

func TestOnTORSTExhaustedNoDeleteWhenPreviousAttemptNotAboveOne(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectHTTPLocat},
	}
	out := OnTORST(Input{Strategies: list, Attempt: 0, CanReconnect: true})
	require.Equal(t, Destroy, out.Kind)
	require.Equal(t, CacheNone, out.Cache)
}

func TestOnTORSTCollapsesToBaseline(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectNone}, // unconditional found before any TORST match
		{Detect: strategy.DetectTORST},
	}
	out := OnTORST(Input{Strategies: list, Attempt: 0, CanReconnect: true})
	require.Equal(t, Destroy, out.Kind)
	require.Equal(t, CacheNone, out.Cache)
}

func TestOnTORSTSkipsScanWhenNotReconnectableAndAutoDisabled(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectTORST},
	}
	out := OnTORST(Input{Strategies: list, Attempt: 0, CanReconnect: false, AutoLevel: 0})
	require.Equal(t, Destroy, out.Kind)
	require.Equal(t, CacheNone, out.Cache)
}

// Scenario 3: TLS handshake broken, not reconnectable, marked TLS, round
// count <= 1: finds TLS_ERR strategy at index 2, caches it.
func TestOnFINCachesTLSErrWhenNotReconnectable(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectHTTPLocat},
		{Detect: strategy.DetectTLSErr},
	}
	out := OnFIN(Input{
		Strategies:   list,
		Attempt:      0,
		CanReconnect: false,
		AutoLevel:    1,
		Mark:         true,
		RoundCount:   1,
	})
	require.Equal(t, Destroy, out.Kind)
	require.Equal(t, CacheInsert, out.Cache)
	require.Equal(t, 2, out.CacheIndex)
}

func TestOnFINReconnectsWhenReconnectableAndFirstPayloadWasTLS(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectTLSErr},
	}
	out := OnFIN(Input{
		Strategies:   list,
		Attempt:      0,
		CanReconnect: true,
		FirstPayload: tlsClientHello(),
	})
	require.Equal(t, Reconnect, out.Kind)
	require.Equal(t, 1, out.ReconnectIndex)
}

func TestOnFINGivesUpWhenNotTLS(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectTLSErr},
	}
	out := OnFIN(Input{
		Strategies:   list,
		Attempt:      0,
		CanReconnect: true,
		FirstPayload: []byte("GET / HTTP/1.1\r\n"),
	})
	require.Equal(t, Destroy, out.Kind)
	require.Equal(t, CacheNone, out.Cache)
}

func TestOnFINRoundCountZeroCountsAsTLSErr(t *testing.T) {
	// Preserves the source's `<=1` (not `==1`) ambiguity per DESIGN.md.
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectTLSErr},
	}
	out := OnFIN(Input{
		Strategies:   list,
		Attempt:      0,
		CanReconnect: false,
		AutoLevel:    1,
		Mark:         true,
		RoundCount:   0,
	})
	require.Equal(t, CacheInsert, out.Cache)
}

// Scenario 4: HTTP redirect to block page found at index 1.
func TestOnResponseMatchesHTTPRedirect(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectHTTPLocat},
	}
	req := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp := []byte("HTTP/1.1 302 Found\r\nLocation: http://block.example\r\n\r\n")
	out := OnResponse(Input{Strategies: list, Attempt: 0, FirstPayload: req}, resp)
	require.Equal(t, Reconnect, out.Kind)
	require.Equal(t, 1, out.ReconnectIndex)
}

// Scenario 1: SHLO with no anomaly -> Continue (commit happens in SM).
func TestOnResponseNoMatchContinues(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
	}
	out := OnResponse(Input{Strategies: list, Attempt: 0, FirstPayload: tlsClientHello()}, tlsServerHello())
	require.Equal(t, Continue, out.Kind)
}

func TestOnResponseTLSErrOnMismatchedHandshake(t *testing.T) {
	list := []strategy.Strategy{
		{Detect: strategy.DetectNone},
		{Detect: strategy.DetectTLSErr},
	}
	out := OnResponse(Input{Strategies: list, Attempt: 0, FirstPayload: tlsClientHello()}, []byte("not a shlo"))
	require.Equal(t, Reconnect, out.Kind)
	require.Equal(t, 1, out.ReconnectIndex)
}
