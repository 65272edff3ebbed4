// Package natprobe classifies the local NAT by comparing the mapped addresses
// two different STUN servers observe for the same local socket. A NAT that
// presents the same public port to both targets is asymmetric (cone) and can
// be hole punched; one that presents different ports is symmetric and forces
// the relay path.
package natprobe

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/pion/stun"

	"github.com/saintparish4/vega/pkg/protocol"
)

// DefaultServers are the STUN targets used when none are configured.
var DefaultServers = []string{"stun.l.google.com:19302", "stun.cloudflare.com:3478"}

const (
	requestTimeout = 3 * time.Second
	attempts       = 3
)

// Probe runs the self-test against the first two servers and returns the NAT
// classification together with the public address the first server observed.
func Probe(servers []string) (protocol.NATType, netip.AddrPort, error) {
	if len(servers) < 2 {
		return protocol.NATUnknown, netip.AddrPort{}, fmt.Errorf("nat probe needs two STUN servers, got %d", len(servers))
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return protocol.NATUnknown, netip.AddrPort{}, fmt.Errorf("failed to bind probe socket: %w", err)
	}
	defer conn.Close()

	first, err := mappedAddress(conn, servers[0])
	if err != nil {
		return protocol.NATUnknown, netip.AddrPort{}, err
	}
	second, err := mappedAddress(conn, servers[1])
	if err != nil {
		return protocol.NATUnknown, netip.AddrPort{}, err
	}

	return classify(first, second), first, nil
}

// classify compares the mappings two different servers observed for the same
// local socket. A symmetric NAT allocates a new port per destination, so a
// port difference is the signal; address differences alone mean multi-homing,
// not symmetry.
func classify(first, second netip.AddrPort) protocol.NATType {
	if first.Port() != second.Port() {
		return protocol.NATSymmetric
	}
	return protocol.NATAsymmetric
}

// ParseServers splits a comma-separated server option into a target list.
func ParseServers(opt string) []string {
	if opt == "" {
		return DefaultServers
	}
	var servers []string
	for _, s := range strings.Split(opt, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	if len(servers) < 2 {
		return DefaultServers
	}
	return servers
}

// mappedAddress asks one STUN server which address it sees for conn's socket.
func mappedAddress(conn *net.UDPConn, server string) (netip.AddrPort, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve STUN server %s: %w", server, err)
	}

	buf := make([]byte, 1500)
	for i := 0; i < attempts; i++ {
		req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		if _, err := conn.WriteTo(req.Raw, raddr); err != nil {
			return netip.AddrPort{}, fmt.Errorf("failed to send binding request to %s: %w", server, err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
			return netip.AddrPort{}, err
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			continue // timed out or transient, retry
		}
		resp := &stun.Message{Raw: append([]byte{}, buf[:n]...)}
		if err := resp.Decode(); err != nil || resp.TransactionID != req.TransactionID {
			continue
		}
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(resp); err != nil {
			return netip.AddrPort{}, fmt.Errorf("no mapped address from %s: %w", server, err)
		}
		ip, ok := netip.AddrFromSlice(mapped.IP)
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("invalid mapped address from %s: %v", server, mapped.IP)
		}
		return netip.AddrPortFrom(ip.Unmap(), uint16(mapped.Port)), nil
	}
	return netip.AddrPort{}, fmt.Errorf("no response from STUN server %s after %d attempts", server, attempts)
}
