//go:build linux

package sockctl

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Protect hands conn's file descriptor to a local Unix-domain helper socket
// via SCM_RIGHTS, so a VPN-protect daemon (Android-style "bind socket to the
// underlying physical interface") can route it outside the tunnel. extend.c's
// protect(). Linux-only: SCM_RIGHTS fd passing depends on AF_UNIX semantics
// this rework does not attempt to emulate elsewhere.
func Protect(conn *net.TCPConn, path string) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	helper, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return fmt.Errorf("sockctl: protect: dial helper: %w", err)
	}
	defer helper.Close()

	uc, ok := helper.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("sockctl: protect: helper socket is not AF_UNIX")
	}
	if err := uc.SetDeadline(time.Now().Add(time.Second)); err != nil {
		return err
	}

	var sendErr error
	if err := raw.Control(func(fd uintptr) {
		rights := unix.UnixRights(int(fd))
		sendErr = sendFD(uc, rights)
	}); err != nil {
		return err
	}
	if sendErr != nil {
		return fmt.Errorf("sockctl: protect: sendmsg: %w", sendErr)
	}

	ack := make([]byte, 1)
	if _, err := uc.Read(ack); err != nil {
		return fmt.Errorf("sockctl: protect: waiting for ack: %w", err)
	}
	return nil
}

func sendFD(uc *net.UnixConn, rights []byte) error {
	_, _, err := uc.WriteMsgUnix([]byte("1"), rights, nil)
	return err
}
