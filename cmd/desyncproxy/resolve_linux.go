//go:build linux

package main

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/parhelion/desyncproxy/internal/addrkey"
)

// soOriginalDst is Linux's SO_ORIGINAL_DST (linux/netfilter_ipv4.h); x/sys/unix
// has no binding for it since it's a netfilter, not a core socket, option.
const soOriginalDst = 80

// resolveOriginalDst reads the pre-NAT destination off a connection accepted
// from a REDIRECT/TPROXY iptables rule: the standard Linux transparent-proxy
// technique (getsockopt(SO_ORIGINAL_DST) on the accepted socket), not
// something extend.c itself does since the C original expects the caller to
// hand it an already-resolved destination.
func resolveOriginalDst(conn *net.TCPConn) (addrkey.Key, string, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return "", "", err
	}

	var addr unix.RawSockaddrInet4
	size := uint32(unix.SizeofSockaddrInet4)
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT, fd,
			uintptr(unix.IPPROTO_IP), uintptr(soOriginalDst),
			uintptr(unsafe.Pointer(&addr)), uintptr(unsafe.Pointer(&size)), 0,
		)
		if errno != 0 {
			sockErr = errno
		}
	})
	if ctrlErr != nil {
		return "", "", ctrlErr
	}
	if sockErr != nil {
		return "", "", fmt.Errorf("resolve: getsockopt(SO_ORIGINAL_DST): %w", sockErr)
	}

	ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
	port := uint16(addr.Port>>8) | uint16(addr.Port<<8)

	key, err := addrkey.Build(ip, port)
	if err != nil {
		return "", "", err
	}
	return key, fmt.Sprintf("%s:%d", ip, port), nil
}
