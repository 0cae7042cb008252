package flow

import (
	"context"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/parhelion/desyncproxy/internal/addrkey"
	"github.com/parhelion/desyncproxy/internal/cache"
	"github.com/parhelion/desyncproxy/internal/config"
	"github.com/parhelion/desyncproxy/internal/desync"
	"github.com/parhelion/desyncproxy/internal/metrics"
	"github.com/parhelion/desyncproxy/internal/sockctl"
)

// DialFunc dials a fresh upstream connection; swappable for tests.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ResolveDst maps a freshly accepted client connection (or, for UDP, a
// client source address) to its intended destination. Transparent-proxy
// redirect mechanisms (e.g. Linux SO_ORIGINAL_DST) are deployment-specific
// and live in cmd/, not here — this package stays testable without any
// iptables plumbing.
type ResolveDst func(client net.Conn) (dst addrkey.Key, addr string, err error)

// ResolveUDPDst is ResolveDst's analogue for UDP, keyed by client source address.
type ResolveUDPDst func(clientAddr net.Addr) (dst addrkey.Key, addr string, err error)

// Core wires the Strategy Cache, Desyncer, and metrics into the Flow State
// Machine and owns the flow table. It is the "loop" SPEC_FULL.md §6
// describes driving ConnectHook/OnReadable/OnWritable/OnTunnelCheck/UDPHook.
type Core struct {
	Params   *config.Params
	Cache    *cache.Cache
	Desyncer desync.Desyncer
	Metrics  *metrics.Metrics
	Dial     DialFunc

	table *flowTable

	udpMu    sync.Mutex
	udpFlows map[string]*UDPFlow
}

func New(p *config.Params, c *cache.Cache, d desync.Desyncer, m *metrics.Metrics) *Core {
	return &Core{
		Params:   p,
		Cache:    c,
		Desyncer: d,
		Metrics:  m,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},
		table:    newFlowTable(),
		udpFlows: make(map[string]*UDPFlow),
	}
}

func (e *Core) modParams() sockctl.ModParams {
	return sockctl.ModParams{
		CustomTTL:   e.Params.CustomTTL,
		DefTTL:      e.Params.DefTTL,
		ProtectPath: e.Params.ProtectPath,
	}
}

// ConnectHook dials a fresh upstream connection for dst, consulting the
// Strategy Cache first (extend.c's connect_hook / mode_add_get(dst, -1)): any
// cache hit suppresses a redundant cache refresh on success, and a hit with a
// non-baseline index also skips re-selection. attempt/doCache/selected describe what
// the client-side (buffer-owning) Flow should be primed with — the caller is
// responsible for applying them there, since ConnectHook only ever builds the
// upstream-side Flow it returns.
func (e *Core) ConnectHook(ctx context.Context, dst addrkey.Key, addr string) (uf *Flow, attempt int, doCache bool, err error) {
	doCache = true
	if idx, status := e.Cache.Lookup(dst); status == cache.Hit {
		e.Metrics.CacheHits.Inc()
		attempt = idx
		doCache = false
	} else {
		e.Metrics.CacheMisses.Inc()
	}

	conn, derr := e.Dial(ctx, "tcp", addr)
	if derr != nil {
		return nil, 0, false, fmt.Errorf("flow: dial %s: %w", addr, derr)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if merr := sockctl.SocketMod(tcp, e.modParams()); merr != nil {
			log.WithError(merr).WithField("addr", addr).Warn("flow: socket_mod failed")
		}
		if e.Params.Timeout > 0 {
			if terr := sockctl.SetTimeout(tcp, e.Params.Timeout); terr != nil {
				log.WithError(terr).Debug("flow: set_timeout failed")
			}
		}
	}

	f := &Flow{
		core:     e,
		table:    e.table,
		conn:     conn,
		dialAddr: addr,
		dst:      dst,
		state:    StateConn,
	}
	e.table.register(f)
	e.Metrics.ActiveFlows.Inc()
	return f, attempt, doCache, nil
}

// HandleClient drives one client connection end to end: dial upstream,
// accumulate/desync the first payload, commit or reconnect, then pump the
// tunnel. Recovers a panic from the flow's own goroutine so one bad flow
// can't take the process down (SPEC_FULL.md §7, a deliberate hardening
// beyond the C original's bare abort()).
func (e *Core) HandleClient(ctx context.Context, client net.Conn, dst addrkey.Key, addr string) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("flow: recovered panic in client handler")
		}
	}()

	uf, attempt, doCache, err := e.ConnectHook(ctx, dst, addr)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Warn("flow: upstream connect failed")
		_ = client.Close()
		return
	}
	defer e.Metrics.ActiveFlows.Dec()
	defer e.table.unregister(uf.handle)

	cf := &Flow{
		core: e, table: e.table, conn: client, dst: dst, dialAddr: addr,
		state: StateDesync, attempt: attempt, cache: doCache, selected: attempt > 0,
	}
	e.table.register(cf)
	e.Metrics.ActiveFlows.Inc()
	defer e.Metrics.ActiveFlows.Dec()
	defer e.table.unregister(cf.handle)

	e.table.pair(cf, uf)
	cf.run(ctx)
}

// ServeTCP accepts connections on ln until ctx is canceled, dispatching
// each to its own goroutine via HandleClient.
func (e *Core) ServeTCP(ctx context.Context, ln net.Listener, resolve ResolveDst) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("flow: accept: %w", err)
		}
		go func() {
			dst, addr, rerr := resolve(conn)
			if rerr != nil {
				log.WithError(rerr).Warn("flow: destination resolution failed")
				_ = conn.Close()
				return
			}
			e.HandleClient(ctx, conn, dst, addr)
		}()
	}
}
