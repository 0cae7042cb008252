//go:build !linux

package sockctl

import (
	"net"
	"time"
)

// SetTimeout is a no-op on non-Linux platforms: x/sys exposes no portable
// equivalent of TCP_USER_TIMEOUT outside Linux (a Windows TCP_MAXRT path
// exists in the original C source but has no golang.org/x/sys binding), so
// this rework documents the gap rather than hand-rolling a syscall. See
// DESIGN.md.
func SetTimeout(conn *net.TCPConn, d time.Duration) error {
	return nil
}
