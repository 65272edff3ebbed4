// Package transport provides the framed send/receive primitives the rendezvous
// engine runs over: an unconnected UDP socket addressed per send, a
// length-prefixed TCP stream, and a WebSocket stream for networks where only
// HTTP(S) egress works. All three serialize protocol.Message envelopes; a
// zero-length payload is a transport-level heartbeat, never a protocol message.
package transport

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/saintparish4/vega/pkg/protocol"
)

// Sink is the uniform send side handed to dispatch code: either a UDP socket
// bound to a destination or an established stream.
type Sink interface {
	Send(msg *protocol.Message) error
}

// Stream is an established, framed, bidirectional connection (TCP or
// WebSocket). Frames are delimited by the transport; an empty frame is a
// heartbeat.
type Stream interface {
	Sink

	// SendRaw writes one frame of already-serialized bytes. An empty slice
	// sends a heartbeat frame.
	SendRaw(data []byte) error

	// ReadFrame blocks for the next frame. A heartbeat yields an empty slice
	// and a nil error.
	ReadFrame() ([]byte, error)

	SetReadDeadline(t time.Time) error

	// LocalAddr is the local endpoint of the underlying connection.
	LocalAddr() netip.AddrPort

	// NetConn exposes the underlying connection so an established stream can
	// be handed off to a connection acceptor after the rendezvous exchange.
	NetConn() net.Conn

	Close() error
}

// ErrFrameTooLarge is returned when a peer announces a frame above the limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// maxFrameSize bounds a single protocol frame. Rendezvous messages are tiny;
// anything near this limit is a corrupt or hostile peer.
const maxFrameSize = 1 << 20
