package transport

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saintparish4/vega/pkg/netutil"
	"github.com/saintparish4/vega/pkg/protocol"
)

// WSStream carries protocol frames as binary WebSocket messages. It exists for
// networks where UDP and raw TCP are blocked but HTTP(S) egress works; the
// rendezvous server exposes the same message exchange over a WebSocket
// endpoint.
type WSStream struct {
	conn *websocket.Conn
}

// DialWS connects to a ws:// or wss:// rendezvous endpoint within timeout.
func DialWS(rawURL string, timeout time.Duration) (*WSStream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}
	return &WSStream{conn: conn}, nil
}

// Send serializes and writes one message.
func (w *WSStream) Send(msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return w.SendRaw(data)
}

// SendRaw writes one binary frame; empty means heartbeat.
func (w *WSStream) SendRaw(data []byte) error {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks for the next binary frame.
func (w *WSStream) ReadFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// SetReadDeadline bounds the next ReadFrame.
func (w *WSStream) SetReadDeadline(dl time.Time) error {
	return w.conn.SetReadDeadline(dl)
}

// LocalAddr is the local endpoint of the underlying connection.
func (w *WSStream) LocalAddr() netip.AddrPort {
	return netutil.AddrPortFrom(w.conn.UnderlyingConn().LocalAddr())
}

// NetConn exposes the underlying connection for hand-off.
func (w *WSStream) NetConn() net.Conn { return w.conn.UnderlyingConn() }

// Close closes the connection.
func (w *WSStream) Close() error { return w.conn.Close() }

// DialStream opens a framed stream to a rendezvous host entry, selecting the
// transport by scheme: ws:// and wss:// entries use WebSocket, anything else
// plain TCP.
func DialStream(host string, timeout time.Duration) (Stream, error) {
	scheme, _ := netutil.SplitScheme(host)
	switch scheme {
	case "ws", "wss":
		return DialWS(host, timeout)
	default:
		return DialTCP(host, timeout)
	}
}
