package flow

import (
	"context"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/parhelion/desyncproxy/internal/addrkey"
	"github.com/parhelion/desyncproxy/internal/selector"
)

// UDPFlow is the UDP analogue of a Flow: just enough per-client-address
// state for the first-datagram strategy selection extend.c's udp_hook
// needs (`val->recv_count` gating "is this the first datagram").
type UDPFlow struct {
	Dst  addrkey.Key
	Conn *net.UDPConn

	attempt   int
	recvCount int
}

// UDPHook applies a strategy to the first datagram of a UDP flow and
// forwards every later one unchanged. extend.c's udp_hook.
func (e *Core) UDPHook(f *UDPFlow, buf []byte) error {
	if f.recvCount > 0 {
		_, err := f.Conn.Write(buf)
		return err
	}

	m := f.attempt
	if m == 0 {
		strategies := e.Params.Strategies()
		idx, ok := selector.SelectUDP(strategies, f.Dst.Port())
		if !ok {
			return fmt.Errorf("flow: udp_hook: no strategy matches port %d", f.Dst.Port())
		}
		m = idx
	}
	f.attempt = m
	f.recvCount++

	_, err := e.Desyncer.DesyncUDP(f.Conn, buf, f.Dst, m)
	return err
}

// ServeUDP reads datagrams from pc until ctx is canceled, dialing a fresh
// upstream *net.UDPConn the first time a client address is seen and
// dispatching every datagram through UDPHook.
func (e *Core) ServeUDP(ctx context.Context, pc net.PacketConn, resolve ResolveUDPDst) error {
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	buf := make([]byte, e.Params.BufSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("flow: udp read: %w", err)
		}
		payload := append([]byte(nil), buf[:n]...)
		go e.handleUDPDatagram(pc, addr, payload, resolve)
	}
}

func (e *Core) handleUDPDatagram(pc net.PacketConn, clientAddr net.Addr, payload []byte, resolve ResolveUDPDst) {
	key := clientAddr.String()

	e.udpMu.Lock()
	f, ok := e.udpFlows[key]
	if !ok {
		dst, addr, rerr := resolve(clientAddr)
		if rerr != nil {
			e.udpMu.Unlock()
			log.WithError(rerr).Warn("flow: udp destination resolution failed")
			return
		}
		upAddr, rerr := net.ResolveUDPAddr("udp", addr)
		if rerr != nil {
			e.udpMu.Unlock()
			log.WithError(rerr).WithField("addr", addr).Warn("flow: udp resolve upstream addr failed")
			return
		}
		conn, derr := net.DialUDP("udp", nil, upAddr)
		if derr != nil {
			e.udpMu.Unlock()
			log.WithError(derr).WithField("addr", addr).Warn("flow: udp dial upstream failed")
			return
		}
		f = &UDPFlow{Dst: dst, Conn: conn}
		e.udpFlows[key] = f
		go e.pumpUDPResponses(pc, clientAddr, conn, key)
	}
	e.udpMu.Unlock()

	if err := e.UDPHook(f, payload); err != nil {
		log.WithError(err).Debug("flow: udp_hook failed")
	}
}

func (e *Core) pumpUDPResponses(pc net.PacketConn, clientAddr net.Addr, upstream *net.UDPConn, key string) {
	defer func() {
		e.udpMu.Lock()
		delete(e.udpFlows, key)
		e.udpMu.Unlock()
		_ = upstream.Close()
	}()

	buf := make([]byte, e.Params.BufSize)
	for {
		n, err := upstream.Read(buf)
		if err != nil {
			return
		}
		if _, err := pc.WriteTo(buf[:n], clientAddr); err != nil {
			return
		}
	}
}
