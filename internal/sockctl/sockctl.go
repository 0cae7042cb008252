// Package sockctl implements the Socket Controls: the handful of
// setsockopt-level knobs the rest of the core uses to shape how the kernel
// treats a flow's sockets. Grounded on extend.c's set_timeout, socket_mod,
// and the SO_LINGER call inside on_torst, split into small
// independently-testable functions instead of C's single socket_mod entry
// point.
package sockctl

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// SetLinger arms SO_LINGER with a zero timeout so closing conn sends an
// immediate RST instead of a clean FIN. extend.c's on_torst does this on the
// client-facing socket right before tearing a flow down; on_fin does not.
func SetLinger(conn *net.TCPConn) error {
	return conn.SetLinger(0)
}

// SocketMod applies the process-wide TTL override and VPN-protect hook to a
// freshly dialed upstream socket. extend.c's socket_mod.
func SocketMod(conn *net.TCPConn, opts ModParams) error {
	if opts.CustomTTL {
		if err := setTTL(conn, opts.DefTTL); err != nil {
			return fmt.Errorf("sockctl: set ttl: %w", err)
		}
	}
	if opts.ProtectPath != "" {
		return Protect(conn, opts.ProtectPath)
	}
	return nil
}

// ModParams carries the subset of process configuration SocketMod needs,
// decoupling this package from the config package.
type ModParams struct {
	CustomTTL   bool
	DefTTL      int
	ProtectPath string
}

func setTTL(conn *net.TCPConn, ttl int) error {
	if isIPv6(conn) {
		return ipv6.NewConn(conn).SetHopLimit(ttl)
	}
	return ipv4.NewConn(conn).SetTTL(ttl)
}

func isIPv6(conn *net.TCPConn) bool {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	return ok && addr.IP.To4() == nil
}

// DefaultUserTimeout is used when a caller wants "no timeout" semantics
// (extend.c calls set_timeout(fd, 0) to clear it on tunnel commit).
const DefaultUserTimeout time.Duration = 0
