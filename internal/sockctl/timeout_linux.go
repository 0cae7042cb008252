//go:build linux

package sockctl

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// SetTimeout sets TCP_USER_TIMEOUT: the kernel tears the connection down if
// unacked data sits in the send queue longer than d. extend.c's set_timeout.
// A zero d clears the override (falls back to the system default).
func SetTimeout(conn *net.TCPConn, d time.Duration) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	ms := int(d.Milliseconds())
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms)
	}); err != nil {
		return err
	}
	return sockErr
}
