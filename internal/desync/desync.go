// Package desync implements the default, swappable Desyncer: the low-level
// byte-mangling primitive that splits, reorders, or precedes a first payload
// with decoy packets so that a passive DPI middlebox and the real
// destination see different byte streams. Grounded on the
// Fokir-Ianus-Split-Tunnel-VPN reference's desyncConn (applyMultisplit,
// applyFake, applyFakedsplit, applyMultidisorder), generalized from a
// connection wrapper into a stateless Desyncer driven by an explicit
// strategy index rather than a per-connection field.
package desync

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/parhelion/desyncproxy/internal/addrkey"
	"github.com/parhelion/desyncproxy/internal/classify"
	"github.com/parhelion/desyncproxy/internal/strategy"
)

const (
	defaultFakeTTL     = 4
	defaultTTL         = 64
	splitGapDelay      = time.Millisecond
	defaultFakeRepeats = 1
)

var defaultFakeClientHello = []byte{
	0x16, 0x03, 0x01, 0x00, 0x2f,
	0x01, 0x00, 0x00, 0x2b, 0x03, 0x03,
	0xde, 0xde, 0xde, 0xde, 0xde, 0xde, 0xde, 0xde,
	0xde, 0xde, 0xde, 0xde, 0xde, 0xde, 0xde, 0xde,
	0xde, 0xde, 0xde, 0xde, 0xde, 0xde, 0xde, 0xde,
	0xde, 0xde, 0xde, 0xde, 0xde, 0xde, 0xde, 0xde,
	0x00, 0x00, 0x02, 0x00, 0xff, 0x01, 0x00,
}

// Desyncer is the interface the Flow State Machine drives; the default
// implementation below is one of possibly several.
type Desyncer interface {
	Desync(conn net.Conn, buf []byte, offset int, dst addrkey.Key, m int) (n int, err error)
	DesyncUDP(conn net.PacketConn, buf []byte, dst addrkey.Key, m int) (n int, err error)
	PostDesync(conn net.Conn, m int) error
}

// Default is the bundled Desyncer, grounded on the Fokir-Ianus-Split-Tunnel-VPN
// reference's four techniques. It is stateless; strategy parameters for a
// given attempt come entirely from Strategies[m].
type Default struct {
	Strategies []strategy.Strategy
}

func New(strategies []strategy.Strategy) *Default {
	return &Default{Strategies: strategies}
}

// Desync sends buf[offset:] to conn according to Strategies[m]'s mode,
// returning the number of bytes of buf newly consumed (not counting decoy
// bytes, which are not part of buf). A resumed call (offset > 0) always
// happens after a short write or deadline error on a prior call; since
// Go's net.Conn.Write for a stream socket already loops internally until
// the buffer is drained or an error occurs, a resume simply forwards the
// remainder verbatim rather than re-running the mode's split/fake logic.
func (d *Default) Desync(conn net.Conn, buf []byte, offset int, dst addrkey.Key, m int) (int, error) {
	if offset > 0 {
		return writeRemaining(conn, buf, offset)
	}
	if m < 0 || m >= len(d.Strategies) {
		return writeRemaining(conn, buf, 0)
	}

	s := d.Strategies[m]
	switch s.Mode {
	case strategy.ModeMultisplit:
		return d.multisplit(conn, buf, s)
	case strategy.ModeFake:
		return d.fake(conn, buf, dst, s)
	case strategy.ModeFakedsplit:
		return d.fakedsplit(conn, buf, dst, s)
	case strategy.ModeMultidisorder:
		return d.multidisorder(conn, buf, s)
	default:
		return writeRemaining(conn, buf, 0)
	}
}

func writeRemaining(conn net.Conn, buf []byte, offset int) (int, error) {
	if offset >= len(buf) {
		return 0, nil
	}
	n, err := conn.Write(buf[offset:])
	return n, err
}

// splitPositions resolves a strategy's configured split offsets into sorted,
// deduplicated, in-bounds byte offsets within payload. SplitPosAutoSNI (and
// an empty SplitPos list) resolve to the parsed SNI boundary; negative
// values count from the end.
func splitPositions(payload []byte, s strategy.Strategy) []int {
	if len(s.SplitPos) == 0 {
		if off := sniOffset(payload); off > 0 {
			return []int{off}
		}
		return nil
	}

	lazySNI := -1
	var out []int
	for _, pos := range s.SplitPos {
		switch {
		case pos == strategy.SplitPosAutoSNI:
			if lazySNI < 0 {
				lazySNI = sniOffset(payload)
			}
			if lazySNI > 0 && lazySNI < len(payload) {
				out = append(out, lazySNI)
			}
		case pos < 0:
			if actual := len(payload) + pos; actual > 0 && actual < len(payload) {
				out = append(out, actual)
			}
		default:
			if pos > 0 && pos < len(payload) {
				out = append(out, pos)
			}
		}
	}
	return dedupSorted(out)
}

func dedupSorted(positions []int) []int {
	if len(positions) < 2 {
		return positions
	}
	for i := 1; i < len(positions); i++ {
		for j := i; j > 0 && positions[j-1] > positions[j]; j-- {
			positions[j-1], positions[j] = positions[j], positions[j-1]
		}
	}
	out := positions[:1]
	for _, p := range positions[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

func chunksAt(payload []byte, positions []int) [][]byte {
	if len(positions) == 0 {
		return [][]byte{payload}
	}
	chunks := make([][]byte, 0, len(positions)+1)
	start := 0
	for _, pos := range positions {
		chunks = append(chunks, payload[start:pos])
		start = pos
	}
	chunks = append(chunks, payload[start:])
	return chunks
}

func (d *Default) multisplit(conn net.Conn, payload []byte, s strategy.Strategy) (int, error) {
	chunks := chunksAt(payload, splitPositions(payload, s))
	return writeChunks(conn, chunks)
}

func (d *Default) multidisorder(conn net.Conn, payload []byte, s strategy.Strategy) (int, error) {
	chunks := chunksAt(payload, splitPositions(payload, s))
	reversed := make([][]byte, len(chunks))
	for i, c := range chunks {
		reversed[len(chunks)-1-i] = c
	}
	return writeChunks(conn, reversed)
}

func writeChunks(conn net.Conn, chunks [][]byte) (int, error) {
	total := 0
	for i, c := range chunks {
		n, err := conn.Write(c)
		total += n
		if err != nil {
			return total, err
		}
		if i < len(chunks)-1 {
			time.Sleep(splitGapDelay)
		}
	}
	return total, nil
}

func (d *Default) fake(conn net.Conn, payload []byte, dst addrkey.Key, s strategy.Strategy) (int, error) {
	d.injectFake(conn, dst, s)
	return writeChunks(conn, [][]byte{payload})
}

func (d *Default) fakedsplit(conn net.Conn, payload []byte, dst addrkey.Key, s strategy.Strategy) (int, error) {
	chunks := chunksAt(payload, splitPositions(payload, s))
	total := 0
	for i, c := range chunks {
		d.injectFake(conn, dst, s)
		n, err := conn.Write(c)
		total += n
		if err != nil {
			return total, err
		}
		if i < len(chunks)-1 {
			time.Sleep(splitGapDelay)
		}
	}
	return total, nil
}

func (d *Default) injectFake(conn net.Conn, dst addrkey.Key, s strategy.Strategy) {
	payload := s.FakePayload
	if len(payload) == 0 {
		payload = defaultFakeClientHello
	}
	repeats := s.FakeRepeats
	if repeats <= 0 {
		repeats = defaultFakeRepeats
	}
	ttl := s.FakeTTL
	if ttl <= 0 {
		ttl = defaultFakeTTL
	}

	if err := setTTL(conn, ttl); err != nil {
		log.WithError(err).WithField("port", dst.Port()).Debug("desync: could not lower TTL for fake packet")
	}
	for i := 0; i < repeats; i++ {
		if _, err := conn.Write(payload); err != nil {
			log.WithError(err).WithField("port", dst.Port()).Debug("desync: fake packet write failed")
		}
	}
	if err := setTTL(conn, defaultTTL); err != nil {
		log.WithError(err).WithField("port", dst.Port()).Debug("desync: could not restore TTL after fake packet")
	}
}

// PostDesync sets the connection's TTL back to defaultTTL (64) for the fake
// and fakedsplit modes. It is a no-op for modes that never lowered it.
func (d *Default) PostDesync(conn net.Conn, m int) error {
	if m < 0 || m >= len(d.Strategies) {
		return nil
	}
	switch d.Strategies[m].Mode {
	case strategy.ModeFake, strategy.ModeFakedsplit:
		return setTTL(conn, defaultTTL)
	default:
		return nil
	}
}

func setTTL(conn net.Conn, ttl int) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if isIPv6(tcp) {
		return ipv6.NewConn(tcp).SetHopLimit(ttl)
	}
	return ipv4.NewConn(tcp).SetTTL(ttl)
}

func isIPv6(tcp *net.TCPConn) bool {
	addr, ok := tcp.RemoteAddr().(*net.TCPAddr)
	return ok && addr.IP.To4() == nil
}

// udpWriter is satisfied by a connected *net.UDPConn passed in as a
// net.PacketConn: DesyncUDP has no destination address parameter, so the
// caller must hand it an already-connected socket.
type udpWriter interface {
	Write([]byte) (int, error)
}

// DesyncUDP applies a strategy to a single outbound datagram. Only decoy
// injection has meaning for UDP: fake and fakedsplit both send decoy
// datagram(s) ahead of the real one, without splitting it; split/disorder
// modes have no TCP segment boundary to exploit and fall through to a plain
// forward.
func (d *Default) DesyncUDP(conn net.PacketConn, buf []byte, dst addrkey.Key, m int) (int, error) {
	w, ok := conn.(udpWriter)
	if !ok {
		return 0, fmt.Errorf("desync: DesyncUDP requires a connected socket, got %T", conn)
	}
	if m < 0 || m >= len(d.Strategies) {
		return w.Write(buf)
	}

	s := d.Strategies[m]
	if s.Mode != strategy.ModeFake && s.Mode != strategy.ModeFakedsplit {
		return w.Write(buf)
	}

	decoy := s.FakePayload
	if len(decoy) == 0 {
		decoy = defaultFakeClientHello
	}
	repeats := s.FakeRepeats
	if repeats <= 0 {
		repeats = defaultFakeRepeats
	}
	for i := 0; i < repeats; i++ {
		if _, err := w.Write(decoy); err != nil {
			log.WithError(err).WithField("port", dst.Port()).Debug("desync: fake UDP datagram failed")
		}
	}
	return w.Write(buf)
}

// sniOffset returns the byte offset of the TLS SNI hostname within payload,
// or 0 if payload is not a ClientHello carrying one.
func sniOffset(payload []byte) int {
	off, _ := classify.ParseTLSSNI(payload)
	return off
}
