package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/saintparish4/vega/pkg/protocol"
)

func pipeStreams() (*TCPStream, *TCPStream) {
	a, b := net.Pipe()
	return NewTCPStream(a), NewTCPStream(b)
}

func TestTCPFraming(t *testing.T) {
	local, remote := pipeStreams()
	defer local.Close()
	defer remote.Close()

	msg, err := protocol.New(protocol.KindRegisterPeer, &protocol.RegisterPeer{ID: "100200300"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	go func() {
		local.Send(msg)
	}()

	frame, err := remote.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	parsed, err := protocol.Unmarshal(frame)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if parsed.Kind != protocol.KindRegisterPeer {
		t.Errorf("kind = %q, want %q", parsed.Kind, protocol.KindRegisterPeer)
	}
}

func TestTCPHeartbeatFrame(t *testing.T) {
	local, remote := pipeStreams()
	defer local.Close()
	defer remote.Close()

	go func() {
		local.SendRaw(nil)
	}()

	frame, err := remote.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame == nil || len(frame) != 0 {
		t.Errorf("heartbeat frame = %v, want empty non-nil slice", frame)
	}
}

func TestTCPFrameTooLarge(t *testing.T) {
	local, remote := pipeStreams()
	defer local.Close()
	defer remote.Close()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], maxFrameSize+1)
	go func() {
		local.conn.Write(hdr[:])
	}()

	if _, err := remote.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadFrame error = %v, want ErrFrameTooLarge", err)
	}
}

func TestTCPReadDeadline(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	stream, err := DialTCP(l.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("DialTCP failed: %v", err)
	}
	defer stream.Close()

	stream.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := stream.ReadFrame(); err == nil {
		t.Error("expected deadline error from ReadFrame")
	}
}

func TestUDPSendRecv(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer server.Close()

	sock, err := DialUDP(server.LocalAddr().String())
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer sock.Close()

	payload := []byte(`{"kind":"REGISTER_PEER_RESPONSE"}`)
	if err := sock.SendRaw([]byte("ping")); err != nil {
		t.Fatalf("SendRaw failed: %v", err)
	}

	buf := make([]byte, 64)
	server.SetReadDeadline(time.Now().Add(time.Second))
	n, from, err := server.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("ping")) {
		t.Fatalf("server got %q", buf[:n])
	}
	if _, err := server.WriteToUDPAddrPort(payload, from); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	sock.conn.SetReadDeadline(time.Now().Add(time.Second))
	data, peer, err := sock.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("Read = %q, want %q", data, payload)
	}
	if peer.Port() != sock.RemoteAddr().Port() {
		t.Errorf("datagram came from %s, dialed %s", peer, sock.RemoteAddr())
	}
}

func TestUDPRebindKeepsDestination(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer server.Close()

	sock, err := DialUDP(server.LocalAddr().String())
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	fresh, err := sock.Rebind()
	if err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}
	defer fresh.Close()

	if fresh.RemoteAddr() != sock.RemoteAddr() {
		t.Errorf("destination changed across rebind: %s != %s", fresh.RemoteAddr(), sock.RemoteAddr())
	}
	if err := fresh.SendRaw([]byte("hello")); err != nil {
		t.Errorf("send on rebound socket failed: %v", err)
	}
}

func TestDialStreamSchemeSelection(t *testing.T) {
	// Plain host:port must take the TCP path.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	stream, err := DialStream(l.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("DialStream failed: %v", err)
	}
	defer stream.Close()
	if _, ok := stream.(*TCPStream); !ok {
		t.Errorf("DialStream returned %T, want *TCPStream", stream)
	}
}
