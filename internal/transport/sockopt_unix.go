//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddr marks the socket's local address as reusable. Hole punching
// keeps the rendezvous connection open while dialing the peer from the same
// local port, which requires reuse on every socket touching that port.
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
