//go:build !unix

package transport

import "syscall"

// controlReuseAddr is a no-op on platforms without SO_REUSEPORT semantics;
// hole punching falls back to the relay path there.
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
