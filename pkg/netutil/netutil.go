// Package netutil provides small address and host-string helpers shared by the
// rendezvous engine: default-port completion, port arithmetic for derived
// services (relay, online-status), and host-prefix extraction.
package netutil

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// CheckPort returns host with the given default port appended when the host
// string does not already carry one. IPv6 literals without a port are bracketed.
func CheckPort(host string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if ip, err := netip.ParseAddr(host); err == nil && ip.Is6() {
		return fmt.Sprintf("[%s]:%d", host, defaultPort)
	}
	return fmt.Sprintf("%s:%d", host, defaultPort)
}

// IncreasePort returns host with its port shifted by offset. A host without an
// explicit port is treated as carrying defaultPort. The relay server of a
// rendezvous host is derived with offset +1, its online-status service with -1.
func IncreasePort(host string, defaultPort, offset int) string {
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return CheckPort(host, defaultPort+offset)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return host
	}
	return net.JoinHostPort(h, strconv.Itoa(port+offset))
}

// HostPrefix returns the leading DNS label of host, used as a namespacing key
// for per-host state. When the leading label is numeric (the host is an IP
// address), the whole host string is the prefix.
func HostPrefix(host string) string {
	first, _, _ := strings.Cut(host, ".")
	if first == "" {
		return host
	}
	if _, err := strconv.Atoi(first); err == nil {
		return host
	}
	return first
}

// SplitScheme splits an optional URL-style scheme prefix from a host entry.
// "wss://rs.example.com" yields ("wss", "rs.example.com"); a bare host yields
// an empty scheme.
func SplitScheme(host string) (scheme, rest string) {
	if s, r, ok := strings.Cut(host, "://"); ok {
		return strings.ToLower(s), r
	}
	return "", host
}

// IsIPv4 reports whether the address is IPv4 (including IPv4-mapped IPv6).
func IsIPv4(ap netip.AddrPort) bool {
	return ap.Addr().Unmap().Is4()
}

// AddrPortFrom converts a net.Addr as returned by the net package into a
// netip.AddrPort. Unsupported address types yield the zero value.
func AddrPortFrom(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort()
	case *net.TCPAddr:
		return a.AddrPort()
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return ap
	}
	return netip.AddrPort{}
}
