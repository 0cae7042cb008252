package flow

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avast/retry-go/v4"

	"github.com/parhelion/desyncproxy/internal/classify"
	"github.com/parhelion/desyncproxy/internal/failure"
	"github.com/parhelion/desyncproxy/internal/selector"
	"github.com/parhelion/desyncproxy/internal/sockctl"
)

// OnReadable accumulates client bytes into the buffer and selects a strategy
// if none is selected yet; run() then applies it through applyDesync.
// extend.c's on_desync (the out==false / readable branch).
func (f *Flow) OnReadable(ctx context.Context) Outcome {
	bufSize := f.core.Params.BufSize
	if len(f.buff.data) >= bufSize {
		// Boundary case (SPEC_FULL.md §8): the buffer filled before a
		// strategy was chosen. extend.c's to_tunnel here releases the
		// buffer without ever desyncing it; preserved verbatim.
		f.state = StatePreTunnel
		if peer, ok := f.pair(); ok {
			peer.state = StatePreTunnel
		}
		return Outcome{Kind: Continue}
	}

	chunk := make([]byte, bufSize-len(f.buff.data))
	n, err := f.conn.Read(chunk)
	if n <= 0 {
		if err != nil && err != io.EOF {
			log.WithError(err).Debug("flow: client read failed")
		}
		return Outcome{Kind: Destroy}
	}
	f.buff.data = append(f.buff.data, chunk[:n]...)
	f.recvCount += n
	f.roundCount = 1

	if !f.selected {
		strategies := f.core.Params.Strategies()
		idx, ok := selector.SelectTCP(strategies, selector.Flow{Port: f.dst.Port(), FirstPayload: f.buff.data})
		if !ok {
			return Outcome{Kind: Destroy}
		}
		f.attempt = idx
		f.selected = true
	}
	return Outcome{Kind: Continue}
}

// OnWritable emits (or resumes emitting) the buffered first payload onto
// the peer's connection through the Desyncer. extend.c's on_desync_again.
func (f *Flow) OnWritable(ctx context.Context) Outcome {
	peer, ok := f.pair()
	if !ok {
		return Outcome{Kind: Destroy}
	}
	if f.core.Params.Timeout > 0 {
		if tcp, ok := peer.conn.(*net.TCPConn); ok {
			if err := sockctl.SetTimeout(tcp, f.core.Params.Timeout); err != nil {
				log.WithError(err).Debug("flow: set_timeout before desync failed")
			}
		}
	}

	n, err := f.core.Desyncer.Desync(peer.conn, f.buff.data, f.buff.offset, f.dst, f.attempt)
	f.buff.offset += n
	if err != nil {
		log.WithError(err).WithField("attempt", f.attempt).Debug("flow: desync write failed")
		return Outcome{Kind: Destroy}
	}
	if f.buff.offset < len(f.buff.data) {
		// Partial emission (SPEC_FULL.md §8 scenario 5): stay in DESYNC,
		// the caller loops back into OnWritable with the same buffer and
		// an advanced offset.
		return Outcome{Kind: Continue}
	}
	f.state = StatePreTunnel
	peer.state = StatePreTunnel
	return Outcome{Kind: Continue}
}

// applyDesync drives OnWritable until the payload is fully emitted or an
// error destroys the flow — the explicit partial-write retry loop
// SPEC_FULL.md §4.5/§5 calls out as the one place the C original's
// "re-arm POLLOUT" is preserved rather than collapsed into a single
// blocking Write.
func (f *Flow) applyDesync(ctx context.Context) Outcome {
	for {
		out := f.OnWritable(ctx)
		if out.Kind == Destroy || f.state == StatePreTunnel {
			return out
		}
	}
}

// OnTunnelCheck handles the first upstream-readable event in PRE_TUNNEL:
// classify the response, commit to TUNNEL, or reconnect. extend.c's
// on_tunnel_check. Called on the upstream-side Flow; its pair is the
// client-side, buffer-owning Flow.
func (f *Flow) OnTunnelCheck(ctx context.Context) Outcome {
	peer, ok := f.pair()
	if !ok {
		return Outcome{Kind: Destroy}
	}

	buf := make([]byte, f.core.Params.BufSize)
	n, err := f.conn.Read(buf)
	if n < 1 {
		if err == nil || err == io.EOF {
			return f.onFIN(ctx, peer)
		}
		if isTransientNetErr(err) {
			return f.onTORST(ctx, peer)
		}
		log.WithError(err).Debug("flow: upstream read failed")
		return Outcome{Kind: Destroy}
	}
	resp := buf[:n]

	if out := failure.OnResponse(f.classifierInput(peer), resp); out.Kind == failure.Reconnect {
		return f.doReconnect(ctx, peer, out.ReconnectIndex, "http_locat")
	}

	if _, werr := peer.conn.Write(resp); werr != nil {
		log.WithError(werr).Debug("flow: forward to client failed")
		return Outcome{Kind: Destroy}
	}
	f.recvCount += n
	f.roundCount = 1
	f.lastRound = 1

	strategies := f.core.Params.Strategies()
	if f.core.Params.AutoLevel > 0 && len(strategies) > 1 {
		f.mark = classify.IsTLSClientHello(peer.buff.data)
	}
	m := peer.attempt
	peer.toTunnel()
	f.state = StateTunnel

	if f.core.Params.Timeout > 0 && f.core.Params.AutoLevel < 1 {
		if tcp, ok := f.conn.(*net.TCPConn); ok {
			if terr := sockctl.SetTimeout(tcp, 0); terr != nil {
				log.WithError(terr).Debug("flow: clear set_timeout on commit failed")
			}
		}
	}

	if perr := f.core.Desyncer.PostDesync(f.conn, m); perr != nil {
		log.WithError(perr).Debug("flow: post_desync failed")
	}
	f.core.Metrics.Tunnels.Inc()

	if peer.cache {
		f.core.Cache.Insert(f.dst, m)
	}
	return Outcome{Kind: Continue}
}

func (f *Flow) classifierInput(peer *Flow) failure.Input {
	return failure.Input{
		Strategies:   f.core.Params.Strategies(),
		Attempt:      peer.attempt,
		CanReconnect: peer.buff.data != nil && f.recvCount == 0,
		AutoLevel:    f.core.Params.AutoLevel,
		FirstPayload: peer.buff.data,
		Mark:         f.mark,
		RoundCount:   f.roundCount,
	}
}

func (f *Flow) onFIN(ctx context.Context, peer *Flow) Outcome {
	out := failure.OnFIN(f.classifierInput(peer))
	return f.applyFailureOutcome(ctx, out, peer, false, "fin")
}

func (f *Flow) onTORST(ctx context.Context, peer *Flow) Outcome {
	out := failure.OnTORST(f.classifierInput(peer))
	return f.applyFailureOutcome(ctx, out, peer, true, "torst")
}

// applyFailureOutcome translates a failure.Outcome into cache side effects,
// SO_LINGER (extend.c's on_torst sets it unconditionally before giving up;
// on_fin never does — preserved verbatim, see DESIGN.md), and metrics.
func (f *Flow) applyFailureOutcome(ctx context.Context, out failure.Outcome, peer *Flow, setLinger bool, reason string) Outcome {
	if out.Kind == failure.Reconnect {
		return f.doReconnect(ctx, peer, out.ReconnectIndex, reason)
	}

	switch out.Cache {
	case failure.CacheInsert:
		f.core.Cache.Insert(f.dst, out.CacheIndex)
	case failure.CacheDelete:
		f.core.Cache.Delete(f.dst)
	}
	if setLinger {
		if tcp, ok := peer.conn.(*net.TCPConn); ok {
			if lerr := sockctl.SetLinger(tcp); lerr != nil {
				log.WithError(lerr).Debug("flow: set_linger failed")
			}
		}
	}
	f.core.Metrics.GiveUps.WithLabelValues(reason).Inc()
	return Outcome{Kind: Destroy}
}

// doReconnect is extend.c's reconnect(): close the failing upstream
// connection, redial the same destination with the next candidate
// strategy, and reset the client-side buffer offset so the Apply step
// re-emits from scratch. The redial itself is wrapped in retry-go for
// local-network-blip smoothing only — this is NOT the strategy-retry
// counter, which stays entirely in `m`/`attempt`.
func (f *Flow) doReconnect(ctx context.Context, peer *Flow, m int, reason string) Outcome {
	f.state = StateIgnore
	_ = f.conn.Close()

	var newConn net.Conn
	err := retry.Do(
		func() error {
			c, derr := f.core.Dial(ctx, "tcp", f.dialAddr)
			if derr != nil {
				return derr
			}
			newConn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(20*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.WithError(err).WithField("addr", f.dialAddr).Warn("flow: reconnect dial failed")
		return Outcome{Kind: Destroy}
	}
	if tcp, ok := newConn.(*net.TCPConn); ok {
		if merr := sockctl.SocketMod(tcp, f.core.modParams()); merr != nil {
			log.WithError(merr).Warn("flow: socket_mod on reconnect failed")
		}
	}

	f.conn = newConn
	f.recvCount = 0
	f.roundCount = 0
	f.lastRound = 0
	f.state = StateDesync

	peer.attempt = m
	peer.selected = true
	peer.cache = true
	peer.buff.offset = 0

	f.core.Metrics.Reconnects.WithLabelValues(reason).Inc()
	return Outcome{Kind: Continue, Reconnected: true}
}

func isTransientNetErr(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// run drives one flow pair end to end: accumulate+desync the first
// payload, commit or reconnect in PRE_TUNNEL, then pump the tunnel.
// Exercises OnReadable/OnWritable/OnTunnelCheck in the literal order
// SPEC_FULL.md §4.5 documents. Called with f as the client-side
// (buffer-owning) Flow.
func (f *Flow) run(ctx context.Context) {
	client := f
	upstream, ok := f.pair()
	if !ok {
		return
	}
	defer client.closeIfNotTunnel()
	defer upstream.closeIfNotTunnel()

	for client.state != StatePreTunnel {
		out := client.OnReadable(ctx)
		if out.Kind == Destroy {
			return
		}
		if client.selected && client.state != StatePreTunnel {
			if out2 := client.applyDesync(ctx); out2.Kind == Destroy {
				return
			}
		}
	}

	for {
		out := upstream.OnTunnelCheck(ctx)
		if out.Kind == Destroy {
			return
		}
		if out.Reconnected {
			if out2 := client.applyDesync(ctx); out2.Kind == Destroy {
				return
			}
			continue
		}
		break
	}

	pump(client.conn, upstream.conn)
}

// pump is the Go-idiomatic replacement for the C loop's per-fd POLLIN
// dispatch once nothing is left to inspect: plain bidirectional io.Copy.
func pump(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(b, a)
	go cp(a, b)
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}
