package protocol

import (
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := New(KindRegisterPeer, &RegisterPeer{ID: "152183996", Serial: 3})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if parsed.Kind != KindRegisterPeer {
		t.Fatalf("kind = %q, want %q", parsed.Kind, KindRegisterPeer)
	}
	u, err := parsed.Union()
	if err != nil {
		t.Fatalf("Union failed: %v", err)
	}
	rp, ok := u.(*RegisterPeer)
	if !ok {
		t.Fatalf("Union returned %T, want *RegisterPeer", u)
	}
	if rp.ID != "152183996" || rp.Serial != 3 {
		t.Errorf("payload = %+v", rp)
	}
}

func TestUnionDispatchesAllKinds(t *testing.T) {
	tests := []struct {
		kind    Kind
		payload any
	}{
		{KindRegisterPeerResponse, &RegisterPeerResponse{RequestPk: true}},
		{KindRegisterPkResponse, &RegisterPkResponse{Result: RegisterOK, KeepAlive: 30}},
		{KindPunchHole, &PunchHole{SocketAddr: []byte{1}, NATType: NATSymmetric}},
		{KindRequestRelay, &RequestRelay{UUID: "u", Secure: true}},
		{KindFetchLocalAddr, &FetchLocalAddr{RelayServer: "r:21117"}},
		{KindConfigureUpdate, &ConfigureUpdate{RendezvousServers: []string{"a"}, Serial: 9}},
		{KindOnlineRequest, &OnlineRequest{ID: "i", Peers: []string{"p"}}},
		{KindOnlineResponse, &OnlineResponse{States: []byte{0xa0}}},
	}
	for _, tt := range tests {
		msg, err := New(tt.kind, tt.payload)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", tt.kind, err)
		}
		u, err := msg.Union()
		if err != nil {
			t.Fatalf("Union(%s) failed: %v", tt.kind, err)
		}
		if u == nil {
			t.Errorf("Union(%s) = nil, want concrete payload", tt.kind)
		}
	}
}

func TestUnionUnknownKindIsIgnored(t *testing.T) {
	msg := &Message{Kind: "SOMETHING_NEW", Payload: []byte(`{"x":1}`)}
	u, err := msg.Union()
	if err != nil {
		t.Fatalf("unknown kind should not error, got %v", err)
	}
	if u != nil {
		t.Fatalf("unknown kind should decode to nil, got %T", u)
	}
}

func TestUnmarshalRejectsUntagged(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"payload":{}}`)); err == nil {
		t.Error("expected error for message without kind tag")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Error("expected error for junk input")
	}
}

func TestRegisterPkResponseResults(t *testing.T) {
	msg, err := New(KindRegisterPkResponse, &RegisterPkResponse{Result: "SERVER_ERROR"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	u, err := msg.Union()
	if err != nil {
		t.Fatalf("Union failed: %v", err)
	}
	resp := u.(*RegisterPkResponse)
	if resp.Result == RegisterOK || resp.Result == RegisterUUIDMismatch {
		t.Errorf("unexpected result matched a known verdict: %q", resp.Result)
	}
}
