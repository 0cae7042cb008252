// Package strategy defines the read-only, ordered list of desync strategies
// a proxy instance was configured with, and the bitmask types used to match
// a strategy against an observed flow.
//
// Field shape is adapted from the DesyncOp/Strategy pair found in the
// Fokir-Ianus-Split-Tunnel-VPN reference (internal/dpi/strategy.go): a named
// DesyncMode enum plus per-op filters, generalized here to also carry the
// "detect" mask the failure classifier scans for (extend.c's
// struct desync_params).
package strategy

import "fmt"

// Detect is a bitmask of failure conditions a strategy is designed to
// counter. A strategy with Detect == 0 is an unconditional fallback: the
// selector takes it unconditionally, and the failure classifier's scans stop
// there ("collapse to baseline").
type Detect uint8

const (
	DetectNone      Detect = 0
	DetectTORST     Detect = 1 << (iota - 1) // peer RST / connect-refused / timeout
	DetectTLSErr                             // TLS handshake broken
	DetectHTTPLocat                          // HTTP redirect to a block page
)

func (d Detect) Has(bit Detect) bool { return d&bit != 0 }

// Proto is a bitmask of L7 protocols a strategy applies to. Match is
// satisfied if any set bit applies to the observed first payload.
type Proto uint8

const (
	ProtoTCP Proto = 1 << iota
	ProtoHTTP
	ProtoHTTPS
	ProtoUDP
)

func (p Proto) Has(bit Proto) bool { return p&bit != 0 }

// Mode names a desync technique understood by the default Desyncer. Any
// alternative Desyncer implementation is free to interpret Mode differently,
// or ignore it and dispatch entirely on the other Strategy fields.
type Mode string

const (
	ModeNone          Mode = "none"
	ModeMultisplit    Mode = "multisplit"
	ModeFake          Mode = "fake"
	ModeFakedsplit    Mode = "fakedsplit"
	ModeMultidisorder Mode = "multidisorder"
)

// PortRange is an inclusive [Lo, Hi] destination port precondition. A zero
// value (Lo == Hi == 0) means "no port precondition".
type PortRange struct {
	Lo, Hi uint16
}

// Contains reports whether port falls within the range. An empty range
// (Lo == Hi == 0) is treated as "no precondition": it always matches.
func (r PortRange) Contains(port uint16) bool {
	if r.Lo == 0 && r.Hi == 0 {
		return true
	}
	return port >= r.Lo && port <= r.Hi
}

// SplitPosAutoSNI is the sentinel split offset meaning "split at the parsed
// SNI boundary" (extend.c has no direct analogue here; this rework's
// Desyncer needs an explicit auto marker since split positions are
// data-dependent).
const SplitPosAutoSNI = 0

// Strategy is one entry, at a fixed index, in the process-wide read-only
// strategy list (extend.c's struct desync_params, params.dp[]).
type Strategy struct {
	// Detect names the failure condition(s) this strategy counters. Zero
	// means "unconditional fallback / baseline".
	Detect Detect
	// Ports, if non-zero, restricts this strategy to destinations whose
	// port falls in range.
	Ports PortRange
	// Protocols, if non-zero, restricts this strategy to the given L7
	// protocol(s) as observed in the first payload.
	Protocols Proto
	// Hosts, if non-empty, restricts this strategy to destinations whose
	// TLS SNI or HTTP Host matches one of these suffixes.
	Hosts map[string]struct{}

	// Mode is the desync technique name for the default Desyncer.
	Mode Mode
	// SplitPos lists byte offsets (or SplitPosAutoSNI, or negative
	// from-the-end offsets) at which the first payload is split.
	SplitPos []int
	// FakeTTL is the IP TTL used for injected decoy packets.
	FakeTTL int
	// FakeRepeats is how many decoy packets to inject.
	FakeRepeats int
	// FakePayload is raw bytes for a decoy TLS ClientHello. Empty means
	// "use the built-in default decoy".
	FakePayload []byte
}

// Unconditional reports whether the strategy is an unconditional fallback,
// i.e. Detect == DetectNone.
func (s Strategy) Unconditional() bool { return s.Detect == DetectNone }

// Validate checks a strategy list against the invariants SPEC_FULL.md §3
// requires: index 0 exists, and at least one unconditional strategy exists
// to guarantee scans terminate.
func Validate(list []Strategy) error {
	if len(list) == 0 {
		return fmt.Errorf("strategy: list must contain at least one entry (index 0, the baseline)")
	}
	hasFallback := false
	for _, s := range list {
		if s.Unconditional() {
			hasFallback = true
			break
		}
	}
	if !hasFallback {
		return fmt.Errorf("strategy: list must contain at least one unconditional (Detect==0) entry to terminate scans")
	}
	return nil
}
