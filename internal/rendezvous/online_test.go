package rendezvous

import (
	"net"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/saintparish4/vega/internal/config"
	"github.com/saintparish4/vega/internal/transport"
	"github.com/saintparish4/vega/pkg/protocol"
)

func TestDecodeOnlineStates(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	onlines, offlines, err := decodeOnlineStates(ids, []byte{0b1010_0000})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !slices.Equal(onlines, []string{"a", "c"}) {
		t.Errorf("onlines = %v, want [a c]", onlines)
	}
	if !slices.Equal(offlines, []string{"b", "d"}) {
		t.Errorf("offlines = %v, want [b d]", offlines)
	}
}

func TestDecodeOnlineStatesMultiByte(t *testing.T) {
	ids := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"}
	// Bit 0 of byte 0 maps to p0 (MSB first); p8 is the MSB of byte 1.
	onlines, offlines, err := decodeOnlineStates(ids, []byte{0b0000_0001, 0b1000_0000})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !slices.Equal(onlines, []string{"p7", "p8"}) {
		t.Errorf("onlines = %v, want [p7 p8]", onlines)
	}
	if len(offlines) != 7 {
		t.Errorf("offlines = %v, want the remaining 7", offlines)
	}
}

func TestDecodeOnlineStatesShortBitmap(t *testing.T) {
	ids := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"}
	if _, _, err := decodeOnlineStates(ids, []byte{0xff}); err == nil {
		t.Error("expected error for a bitmap shorter than the id list")
	}
}

func newOnlineTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(ServiceConfig{
		Store:    config.NewMemory(),
		Acceptor: &recordingAcceptor{},
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return s
}

func TestQueryOnlineStatesEmptyIDs(t *testing.T) {
	s := newOnlineTestService(t)
	onlines, offlines, err := s.QueryOnlineStates(nil, time.Second)
	if err != nil || onlines != nil || offlines != nil {
		t.Errorf("empty query = (%v, %v, %v), want all nil", onlines, offlines, err)
	}
}

func TestQueryOnlineStatesDuringShutdown(t *testing.T) {
	s := newOnlineTestService(t)
	s.flags.SignalExit()
	onlines, offlines, err := s.QueryOnlineStates([]string{"a"}, time.Second)
	if err != nil || onlines != nil || offlines != nil {
		t.Errorf("shutdown query = (%v, %v, %v), want all nil", onlines, offlines, err)
	}
}

func TestQueryOnlineStatesUnreachableServer(t *testing.T) {
	s := newOnlineTestService(t)
	// The derived online-status port is 1, where nothing listens; the dial
	// fails immediately and the query fails open: everyone reported offline.
	s.store.SetOption("custom-rendezvous-server", "127.0.0.1:2")
	ids := []string{"a", "b"}
	onlines, offlines, err := s.QueryOnlineStates(ids, time.Second)
	if err != nil {
		t.Fatalf("unreachable server should fail open, got %v", err)
	}
	if onlines != nil {
		t.Errorf("onlines = %v, want nil", onlines)
	}
	if !slices.Equal(offlines, ids) {
		t.Errorf("offlines = %v, want %v", offlines, ids)
	}
}

func TestQueryOnlineStatesExchange(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		stream := transport.NewTCPStream(conn)
		frame, err := stream.ReadFrame()
		if err != nil {
			return
		}
		msg, err := protocol.Unmarshal(frame)
		if err != nil || msg.Kind != protocol.KindOnlineRequest {
			return
		}
		resp, err := protocol.New(protocol.KindOnlineResponse, &protocol.OnlineResponse{States: []byte{0b1000_0000}})
		if err != nil {
			return
		}
		// A heartbeat first; the client must skip it.
		stream.SendRaw(nil)
		stream.Send(resp)
	}()

	s := newOnlineTestService(t)
	port := l.Addr().(*net.TCPAddr).Port
	// The online-status service sits one port below the rendezvous port.
	s.store.SetOption("custom-rendezvous-server", "127.0.0.1:"+strconv.Itoa(port+1))
	if got, _ := s.onlineTarget(); got != l.Addr().String() {
		t.Fatalf("onlineTarget = %q, want %q", got, l.Addr().String())
	}

	onlines, offlines, err := s.QueryOnlineStates([]string{"x", "y"}, 3*time.Second)
	if err != nil {
		t.Fatalf("QueryOnlineStates failed: %v", err)
	}
	if !slices.Equal(onlines, []string{"x"}) {
		t.Errorf("onlines = %v, want [x]", onlines)
	}
	if !slices.Equal(offlines, []string{"y"}) {
		t.Errorf("offlines = %v, want [y]", offlines)
	}
}
