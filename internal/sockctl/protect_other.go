//go:build !linux

package sockctl

import (
	"errors"
	"net"
)

// Protect is unsupported outside Linux: SCM_RIGHTS fd passing over AF_UNIX
// is a Linux/Android-specific mechanism, and extend.c itself guards protect()
// behind #ifdef __linux__.
func Protect(conn *net.TCPConn, path string) error {
	return errors.New("sockctl: protect is only supported on linux")
}
