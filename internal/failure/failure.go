// Package failure implements the Failure Classifier: three entry points
// (OnTORST, OnFIN, OnResponse), each invoked exactly once per upstream
// event, deciding whether a flow should reconnect with the next candidate
// strategy, adjust the cache, or give up. This is a near-literal port of
// extend.c's on_torst/on_fin/on_response, translated from negative-int
// sentinels into the explicit Outcome sum type described in SPEC_FULL.md §9.
package failure

import (
	"github.com/parhelion/desyncproxy/internal/classify"
	"github.com/parhelion/desyncproxy/internal/strategy"
)

// OutcomeKind tags what the Flow State Machine must do next.
type OutcomeKind int

const (
	// Destroy means the flow cannot continue; the caller tears it down,
	// arming SO_LINGER on the client-facing side first for OnTORST
	// outcomes only (OnFIN outcomes close without it).
	Destroy OutcomeKind = iota
	// Reconnect means the caller should close the upstream connection
	// and redial with ReconnectIndex as the new attempt.
	Reconnect
	// Continue means no anomaly was found; the caller proceeds normally
	// (used only by OnResponse's "no match" path, which is a success
	// signal, not a give-up).
	Continue
)

// CacheAction tags whether/how the cache should be touched as a side effect
// of this outcome. The Flow State Machine, not this package, performs the
// actual cache mutation — this package only decides what should happen.
type CacheAction int

const (
	CacheNone CacheAction = iota
	CacheInsert
	CacheDelete
)

// Outcome is the result of a Failure Classifier entry point.
type Outcome struct {
	Kind           OutcomeKind
	ReconnectIndex int
	Cache          CacheAction
	CacheIndex     int
}

// Input carries everything the classifier needs to know about a flow
// without depending on the Flow State Machine's concrete type.
type Input struct {
	Strategies []strategy.Strategy
	// Attempt is the flow's current strategy index before this event
	// (val->pair->attempt in extend.c); scans start at Attempt+1.
	Attempt int
	// CanReconnect is true iff the first-payload buffer is still held
	// AND no bytes have yet been received from upstream.
	CanReconnect bool
	AutoLevel    int
	// FirstPayload is the buffered first client payload (req).
	FirstPayload []byte
	// Mark is the "this flow's first request was a TLS CHLO" hint, set
	// on the upstream-side flow at its tunnel-commit time.
	Mark bool
	// RoundCount counts completed send/receive rounds on this flow.
	RoundCount int
}

// giveUp builds a plain Destroy outcome with no cache side effect.
func giveUp() Outcome { return Outcome{Kind: Destroy, Cache: CacheNone} }

// OnTORST handles an upstream RST or connect error
// (ECONNRESET/ECONNREFUSED/ETIMEDOUT). extend.c's on_torst.
func OnTORST(in Input) Outcome {
	if !in.CanReconnect && in.AutoLevel < 1 {
		return giveUp()
	}

	m := in.Attempt + 1
	collapsed := false
	found := false
	for ; m < len(in.Strategies); m++ {
		dp := in.Strategies[m]
		if dp.Unconditional() {
			collapsed = true
			break
		}
		if dp.Detect.Has(strategy.DetectTORST) {
			found = true
			break
		}
	}

	switch {
	case collapsed:
		// "m = 0" in the C source: do nothing special, just tear down.
		return giveUp()
	case found && in.CanReconnect:
		return Outcome{Kind: Reconnect, ReconnectIndex: m}
	case found:
		return Outcome{Kind: Destroy, Cache: CacheInsert, CacheIndex: m}
	default:
		// Exhausted without a match.
		if in.Attempt > 1 {
			return Outcome{Kind: Destroy, Cache: CacheDelete}
		}
		return giveUp()
	}
}

// OnFIN handles an upstream clean close with zero or minimal bytes.
// extend.c's on_fin.
func OnFIN(in Input) Outcome {
	if !in.CanReconnect && in.AutoLevel < 1 {
		return giveUp()
	}

	sslErr := false
	if in.CanReconnect {
		sslErr = classify.IsTLSClientHello(in.FirstPayload)
	} else if in.Mark && in.RoundCount <= 1 {
		sslErr = true
	}
	if !sslErr {
		return giveUp()
	}

	m := in.Attempt + 1
	for ; m < len(in.Strategies); m++ {
		dp := in.Strategies[m]
		if dp.Unconditional() {
			return giveUp()
		}
		if dp.Detect.Has(strategy.DetectTLSErr) {
			if in.CanReconnect {
				return Outcome{Kind: Reconnect, ReconnectIndex: m}
			}
			return Outcome{Kind: Destroy, Cache: CacheInsert, CacheIndex: m}
		}
	}
	if in.Attempt > 1 {
		return Outcome{Kind: Destroy, Cache: CacheDelete}
	}
	return giveUp()
}

// OnResponse handles upstream bytes arriving in PRE_TUNNEL. Returning Kind
// Continue means no anomaly matched: the Flow State Machine should proceed
// to commit the tunnel. extend.c's on_response.
func OnResponse(in Input, resp []byte) Outcome {
	m := in.Attempt + 1
	for ; m < len(in.Strategies); m++ {
		dp := in.Strategies[m]
		if dp.Unconditional() {
			return Outcome{Kind: Continue}
		}
		if dp.Detect.Has(strategy.DetectHTTPLocat) && classify.IsHTTPRedirect(in.FirstPayload, resp) {
			return Outcome{Kind: Reconnect, ReconnectIndex: m}
		}
		if dp.Detect.Has(strategy.DetectTLSErr) &&
			((classify.IsTLSClientHello(in.FirstPayload) && !classify.IsTLSServerHello(resp)) ||
				classify.NeqTLSSessionID(in.FirstPayload, resp)) {
			return Outcome{Kind: Reconnect, ReconnectIndex: m}
		}
	}
	return Outcome{Kind: Continue}
}
