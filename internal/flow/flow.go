// Package flow implements the Flow State Machine: the per-connection CONN →
// DESYNC → PRE_TUNNEL → TUNNEL lifecycle that drives the Strategy Selector,
// the default Desyncer, and the Failure Classifier. Grounded end-to-end on
// extend.c's connect_hook/reconnect/on_desync/on_desync_again/
// on_tunnel_check/udp_hook, reworked from the C original's single-threaded
// poll loop into one goroutine per flow pair doing ordinary blocking I/O
// (SPEC_FULL.md §5) — a deliberate redesign, not a literal translation of
// the event dispatch, though the state names and transition order are kept
// identical so the state machine itself stays a single source of truth.
package flow

import (
	"net"

	"github.com/parhelion/desyncproxy/internal/addrkey"
)

// FlowState mirrors extend.c's EV_CONN/EV_DESYNC/EV_PRE_TUNNEL/EV_TUNNEL/EV_IGNORE.
type FlowState int

const (
	StateConn FlowState = iota
	StateDesync
	StatePreTunnel
	StateTunnel
	StateIgnore
)

func (s FlowState) String() string {
	switch s {
	case StateConn:
		return "CONN"
	case StateDesync:
		return "DESYNC"
	case StatePreTunnel:
		return "PRE_TUNNEL"
	case StateTunnel:
		return "TUNNEL"
	case StateIgnore:
		return "IGNORE"
	default:
		return "UNKNOWN"
	}
}

// OutcomeKind is the Go encoding of extend.c's negative-int sentinel return
// convention (SPEC_FULL.md §9).
type OutcomeKind int

const (
	Continue OutcomeKind = iota
	Destroy
)

// Outcome is returned by every event-handling method on Flow. Reconnected
// tells the caller the flow has been reshaped in place (new upstream conn,
// reset counters) and must not be touched further this tick.
type Outcome struct {
	Kind        OutcomeKind
	Reconnected bool
}

// buffer is extend.c's struct buffer { data, size, offset }, minus the
// manual malloc/realloc/free bookkeeping.
type buffer struct {
	data   []byte
	offset int
}

// Flow is one endpoint of a client↔upstream pair — extend.c's struct eval.
// attempt/cache/buff are meaningful on the client-side endpoint (the buffer
// owner); recvCount/roundCount/lastRound/mark are meaningful on the
// upstream-side endpoint, exactly as in extend.c where each struct eval has
// its own recv_count but only the client-facing one holds the request
// buffer. A Flow reaches its peer through the flowTable by integer handle,
// never by raw pointer (SPEC_FULL.md §9).
type Flow struct {
	core  *Core
	table *flowTable

	handle     int
	pairHandle int

	conn     net.Conn
	dialAddr string
	dst      addrkey.Key
	state    FlowState

	buff     buffer
	attempt  int
	selected bool
	cache    bool

	recvCount  int
	roundCount int
	lastRound  int
	mark       bool
}

func (f *Flow) pair() (*Flow, bool) {
	return f.table.get(f.pairHandle)
}

// toTunnel is extend.c's to_tunnel: release the buffer and mark this
// endpoint TUNNEL. Called on the client-side (buffer-owning) Flow; the
// caller marks the upstream-side endpoint itself.
func (f *Flow) toTunnel() {
	f.state = StateTunnel
	f.buff.data = nil
	f.buff.offset = 0
}

func (f *Flow) closeIfNotTunnel() {
	if f.state != StateTunnel {
		_ = f.conn.Close()
	}
}

// State reports the flow's current FlowState, used by the admin surface and tests.
func (f *Flow) State() FlowState { return f.state }

// Attempt reports the currently selected strategy index.
func (f *Flow) Attempt() int { return f.attempt }

// Dst reports the flow's destination address key.
func (f *Flow) Dst() addrkey.Key { return f.dst }
