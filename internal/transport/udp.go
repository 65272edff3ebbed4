package transport

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/saintparish4/vega/pkg/netutil"
	"github.com/saintparish4/vega/pkg/protocol"
)

// UDPSocket is an unconnected UDP channel with a resolved default destination.
// Sends go to the destination recorded at dial time; receives accept datagrams
// from anywhere, which is what rendezvous traversal needs.
type UDPSocket struct {
	conn  *net.UDPConn
	raddr netip.AddrPort
	host  string
}

// DialUDP resolves host (a "name:port" string) and binds a fresh local socket
// for it. The socket is not connected: the kernel filters nothing.
func DialUDP(host string) (*UDPSocket, error) {
	raddr, err := resolveUDP(host)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket for %s: %w", host, err)
	}
	return &UDPSocket{conn: conn, raddr: raddr, host: host}, nil
}

func resolveUDP(host string) (netip.AddrPort, error) {
	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	return addr.AddrPort(), nil
}

// Send serializes the message and sends it to the dial-time destination.
func (s *UDPSocket) Send(msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw sends one datagram to the dial-time destination.
func (s *UDPSocket) SendRaw(data []byte) error {
	if _, err := s.conn.WriteToUDPAddrPort(data, s.raddr); err != nil {
		return fmt.Errorf("failed to send to %s: %w", s.host, err)
	}
	return nil
}

// Read blocks for the next datagram and copies it out.
func (s *UDPSocket) Read() ([]byte, netip.AddrPort, error) {
	buf := make([]byte, 65536)
	n, from, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	return buf[:n:n], from, nil
}

// Rebind re-resolves the host and replaces the socket. After some network
// transitions the old socket silently stops delivering even though the
// interface is back, so the DNS-refresh path swaps the whole socket out.
func (s *UDPSocket) Rebind() (*UDPSocket, error) {
	s.conn.Close()
	return DialUDP(s.host)
}

// RemoteAddr is the resolved destination address.
func (s *UDPSocket) RemoteAddr() netip.AddrPort { return s.raddr }

// LocalAddr is the local endpoint of the socket.
func (s *UDPSocket) LocalAddr() netip.AddrPort {
	return netutil.AddrPortFrom(s.conn.LocalAddr())
}

// Close releases the socket.
func (s *UDPSocket) Close() error { return s.conn.Close() }
