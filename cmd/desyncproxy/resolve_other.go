//go:build !linux

package main

import (
	"errors"
	"net"

	"github.com/parhelion/desyncproxy/internal/addrkey"
)

// resolveOriginalDst has no portable equivalent of Linux's
// getsockopt(SO_ORIGINAL_DST) outside Linux; transparent TCP redirection is
// a Linux-only deployment model for this proxy.
func resolveOriginalDst(conn *net.TCPConn) (addrkey.Key, string, error) {
	return "", "", errors.New("resolve: transparent destination resolution is linux-only")
}
