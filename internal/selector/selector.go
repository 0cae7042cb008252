// Package selector picks, for a flow's destination and observed first
// payload, the lowest-index strategy whose preconditions hold — the direct
// translation of extend.c's inline scan loops in on_desync and udp_hook.
package selector

import (
	"github.com/parhelion/desyncproxy/internal/classify"
	"github.com/parhelion/desyncproxy/internal/strategy"
)

// Flow is the minimal view the selector needs of a candidate flow: its
// destination port and first-payload bytes. Kept narrow and dependency-free
// so the Flow State Machine's real struct doesn't need to satisfy any wider
// interface just to be selected against.
type Flow struct {
	Port        uint16
	FirstPayload []byte
}

// SelectTCP scans list from index 0 and returns the first strategy whose
// Detect == 0 (unconditional) AND whose port/protocol/host preconditions all
// match. Returns ok=false if the list is exhausted without a match.
func SelectTCP(list []strategy.Strategy, f Flow) (m int, ok bool) {
	for i, s := range list {
		if !s.Unconditional() {
			continue
		}
		if !s.Ports.Contains(f.Port) {
			continue
		}
		if s.Protocols != 0 && !matchesProtoTCP(s.Protocols, f.FirstPayload) {
			continue
		}
		if len(s.Hosts) > 0 && !classify.HostMatch(s.Hosts, f.FirstPayload) {
			continue
		}
		return i, true
	}
	return 0, false
}

// SelectUDP is SelectTCP's analogue for connectionless flows: the protocol
// mask must include UDP, and SNI/Host preconditions are skipped entirely
// (extend.c's udp_hook never calls check_host).
func SelectUDP(list []strategy.Strategy, port uint16) (m int, ok bool) {
	for i, s := range list {
		if !s.Unconditional() {
			continue
		}
		if s.Protocols != 0 && !s.Protocols.Has(strategy.ProtoUDP) {
			continue
		}
		if !s.Ports.Contains(port) {
			continue
		}
		return i, true
	}
	return 0, false
}

func matchesProtoTCP(mask strategy.Proto, payload []byte) bool {
	if mask.Has(strategy.ProtoTCP) {
		return true
	}
	if mask.Has(strategy.ProtoHTTP) && classify.IsHTTP(payload) {
		return true
	}
	if mask.Has(strategy.ProtoHTTPS) && classify.IsTLSClientHello(payload) {
		return true
	}
	return false
}
