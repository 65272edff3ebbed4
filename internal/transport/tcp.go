package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/saintparish4/vega/pkg/netutil"
	"github.com/saintparish4/vega/pkg/protocol"
)

// TCPStream frames protocol messages over a TCP connection with a 4-byte
// big-endian length prefix. A zero-length frame is a heartbeat.
type TCPStream struct {
	conn net.Conn
}

// DialTCP connects to host within timeout. The socket is created with address
// reuse enabled so that its local port can seed NAT mappings via DialTCPFrom
// while the stream is still open.
func DialTCP(host string, timeout time.Duration) (*TCPStream, error) {
	d := net.Dialer{Timeout: timeout, Control: controlReuseAddr}
	conn, err := d.Dial("tcp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &TCPStream{conn: conn}, nil
}

// DialTCPFrom connects to raddr from a specific local port. It is used to
// register an outbound mapping with the local NAT gateway before the same
// port is reused for an inbound peer; both sockets must have address reuse
// set or the bind fails.
func DialTCPFrom(laddr, raddr netip.AddrPort, timeout time.Duration) (*TCPStream, error) {
	d := net.Dialer{
		Timeout:   timeout,
		LocalAddr: net.TCPAddrFromAddrPort(laddr),
		Control:   controlReuseAddr,
	}
	conn, err := d.Dial("tcp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s from %s: %w", raddr, laddr, err)
	}
	return &TCPStream{conn: conn}, nil
}

// NewTCPStream wraps an already-established connection.
func NewTCPStream(conn net.Conn) *TCPStream {
	return &TCPStream{conn: conn}
}

// Send serializes and frames one message.
func (t *TCPStream) Send(msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return t.SendRaw(data)
}

// SendRaw writes one frame. An empty payload sends a bare heartbeat frame.
func (t *TCPStream) SendRaw(data []byte) error {
	hdr := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(hdr, uint32(len(data)))
	if _, err := t.conn.Write(append(hdr, data...)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks for the next frame. Heartbeats yield an empty slice.
func (t *TCPStream) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 {
		return []byte{}, nil
	}
	if size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(t.conn, data); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return data, nil
}

// SetReadDeadline bounds the next ReadFrame.
func (t *TCPStream) SetReadDeadline(dl time.Time) error {
	return t.conn.SetReadDeadline(dl)
}

// LocalAddr is the local endpoint of the connection.
func (t *TCPStream) LocalAddr() netip.AddrPort {
	return netutil.AddrPortFrom(t.conn.LocalAddr())
}

// NetConn exposes the underlying connection for hand-off.
func (t *TCPStream) NetConn() net.Conn { return t.conn }

// Close closes the connection.
func (t *TCPStream) Close() error { return t.conn.Close() }
