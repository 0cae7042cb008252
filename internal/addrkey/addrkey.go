// Package addrkey builds the canonical cache key for a proxied destination:
// port, address family, and raw IPv4/IPv6 bytes concatenated in a fixed
// layout. Two destinations that resolve to the same key are, for caching
// purposes, the same strategy decision.
package addrkey

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Family tags the address kind, mirroring AF_INET/AF_INET6 without pulling
// in syscall constants for something that's purely a cache-key discriminator.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// Key is the opaque, comparable byte string used to look up a destination in
// the Strategy Cache. It is always port(2) || family(1) || addr(4 or 16).
type Key string

// maxLen is the largest a Key can be: 2 (port) + 1 (family) + 16 (v6 addr).
const maxLen = 2 + 1 + 16

// Build serializes a destination IP/port into a Key. IPv4-mapped IPv6
// addresses are canonicalized down to their 4-byte form so a connection
// dialed as ::ffff:93.184.216.34 and one dialed as 93.184.216.34 collide in
// the cache, per SPEC_FULL.md §8 boundary tests.
func Build(ip net.IP, port uint16) (Key, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return "", fmt.Errorf("addrkey: invalid IP %v", ip)
	}
	addr = addr.Unmap()

	buf := make([]byte, 0, maxLen)
	buf = binary.BigEndian.AppendUint16(buf, port)
	if addr.Is4() {
		buf = append(buf, byte(FamilyV4))
		a := addr.As4()
		buf = append(buf, a[:]...)
	} else {
		buf = append(buf, byte(FamilyV6))
		a := addr.As16()
		buf = append(buf, a[:]...)
	}
	return Key(buf), nil
}

// FromTCPAddr is a convenience wrapper around Build for *net.TCPAddr, the
// common case when a flow has already resolved its upstream destination.
func FromTCPAddr(a *net.TCPAddr) (Key, error) {
	if a == nil {
		return "", fmt.Errorf("addrkey: nil TCPAddr")
	}
	return Build(a.IP, uint16(a.Port))
}

// FromUDPAddr mirrors FromTCPAddr for UDP destinations.
func FromUDPAddr(a *net.UDPAddr) (Key, error) {
	if a == nil {
		return "", fmt.Errorf("addrkey: nil UDPAddr")
	}
	return Build(a.IP, uint16(a.Port))
}

// Family reports the address family encoded in k. Panics if k is shorter
// than the fixed header, which would indicate a programming invariant
// violation (a Key not produced by Build).
func (k Key) Family() Family {
	if len(k) < 3 {
		panic("addrkey: malformed key")
	}
	return Family(k[2])
}

// Port reports the destination port encoded in k.
func (k Key) Port() uint16 {
	if len(k) < 2 {
		panic("addrkey: malformed key")
	}
	return binary.BigEndian.Uint16([]byte(k)[:2])
}
