// Package protocol defines the rendezvous wire messages exchanged between a
// peer and its rendezvous servers. Every message travels as a tagged envelope
// (kind + payload); the payload encoding is an implementation detail of this
// package, peers and servers only agree on the envelope contract.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the variant carried by a Message envelope.
type Kind string

const (
	// Peer -> server messages
	KindRegisterPeer  Kind = "REGISTER_PEER"  // Periodic presence registration
	KindRegisterPk    Kind = "REGISTER_PK"    // Public-key registration
	KindPunchHoleSent Kind = "PUNCH_HOLE_SENT" // Notice: hole punched toward a peer
	KindLocalAddr     Kind = "LOCAL_ADDR"      // Notice: local address for intranet connect
	KindRelayResponse Kind = "RELAY_RESPONSE"  // Notice: relay rendezvous accepted
	KindOnlineRequest Kind = "ONLINE_REQUEST"  // Batched peer liveness query

	// Server -> peer messages
	KindRegisterPeerResponse Kind = "REGISTER_PEER_RESPONSE"
	KindRegisterPkResponse   Kind = "REGISTER_PK_RESPONSE"
	KindPunchHole            Kind = "PUNCH_HOLE"       // Instruction: punch toward a peer
	KindRequestRelay         Kind = "REQUEST_RELAY"    // Instruction: set up a relay leg
	KindFetchLocalAddr       Kind = "FETCH_LOCAL_ADDR" // Instruction: exchange intranet address
	KindConfigureUpdate      Kind = "CONFIGURE_UPDATE" // Server list / serial push
	KindOnlineResponse       Kind = "ONLINE_RESPONSE"
)

// Message is the envelope for all rendezvous traffic.
type Message struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope around the given payload.
func New(kind Kind, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Message{Kind: kind, Payload: data}, nil
}

// Marshal serializes the envelope for transmission.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a received frame into an envelope. The payload stays raw
// until Union is called.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.Kind == "" {
		return nil, fmt.Errorf("message has no kind tag")
	}
	return &m, nil
}

// Union decodes the payload into its concrete variant. Messages of an unknown
// kind decode to nil with no error so that dispatch sites can treat them as an
// explicit "ignored" outcome rather than a failure.
func (m *Message) Union() (any, error) {
	var v any
	switch m.Kind {
	case KindRegisterPeer:
		v = new(RegisterPeer)
	case KindRegisterPk:
		v = new(RegisterPk)
	case KindRegisterPeerResponse:
		v = new(RegisterPeerResponse)
	case KindRegisterPkResponse:
		v = new(RegisterPkResponse)
	case KindPunchHole:
		v = new(PunchHole)
	case KindPunchHoleSent:
		v = new(PunchHoleSent)
	case KindRequestRelay:
		v = new(RequestRelay)
	case KindRelayResponse:
		v = new(RelayResponse)
	case KindFetchLocalAddr:
		v = new(FetchLocalAddr)
	case KindLocalAddr:
		v = new(LocalAddr)
	case KindConfigureUpdate:
		v = new(ConfigureUpdate)
	case KindOnlineRequest:
		v = new(OnlineRequest)
	case KindOnlineResponse:
		v = new(OnlineResponse)
	default:
		return nil, nil
	}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, v); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", m.Kind, err)
		}
	}
	return v, nil
}

// NATType describes the NAT the peer sits behind, as carried in traversal
// messages. Symmetric NATs assign a new mapping per destination and cannot be
// punched reliably; they force the relay path.
type NATType int32

const (
	NATUnknown    NATType = 0
	NATAsymmetric NATType = 1
	NATSymmetric  NATType = 2
)

// String returns a human-readable name for the NAT type.
func (t NATType) String() string {
	switch t {
	case NATAsymmetric:
		return "Asymmetric"
	case NATSymmetric:
		return "Symmetric"
	case NATUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(t))
	}
}

// RegisterResult is the server's verdict on a public-key registration.
type RegisterResult string

const (
	RegisterOK           RegisterResult = "OK"
	RegisterUUIDMismatch RegisterResult = "UUID_MISMATCH"
)

// --- Payload types ---

// RegisterPeer announces the peer's presence on its registration cadence.
type RegisterPeer struct {
	ID     string `json:"id"`
	Serial int32  `json:"serial,omitempty"` // Config serial the peer currently holds
}

// RegisterPeerResponse acknowledges a RegisterPeer. RequestPk asks the peer to
// (re)submit its public key.
type RegisterPeerResponse struct {
	RequestPk bool `json:"request_pk,omitempty"`
}

// RegisterPk submits the peer's public key together with its installation UUID.
type RegisterPk struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`
	Pk   []byte `json:"pk"`
}

// RegisterPkResponse carries the server's verdict and an optional keep-alive
// override in seconds.
type RegisterPkResponse struct {
	Result    RegisterResult `json:"result"`
	KeepAlive int32          `json:"keep_alive,omitempty"`
}

// PunchHole instructs the peer to punch toward the mangled peer address.
type PunchHole struct {
	SocketAddr  []byte  `json:"socket_addr"`
	NATType     NATType `json:"nat_type,omitempty"` // Requesting peer's NAT type
	RelayServer string  `json:"relay_server,omitempty"`
}

// PunchHoleSent reports back to the rendezvous server that the punch was made.
type PunchHoleSent struct {
	SocketAddr  []byte  `json:"socket_addr"`
	ID          string  `json:"id"`
	RelayServer string  `json:"relay_server,omitempty"`
	NATType     NATType `json:"nat_type,omitempty"`
	Version     string  `json:"version,omitempty"`
}

// RequestRelay instructs the peer to meet its counterpart on a relay server.
type RequestRelay struct {
	SocketAddr  []byte `json:"socket_addr"`
	RelayServer string `json:"relay_server,omitempty"`
	UUID        string `json:"uuid,omitempty"` // Correlation id for the relay pairing
	Secure      bool   `json:"secure,omitempty"`
}

// RelayResponse accepts a relay rendezvous. UUID, RelayServer and ID are only
// set by the initiating side.
type RelayResponse struct {
	SocketAddr  []byte `json:"socket_addr"`
	Version     string `json:"version,omitempty"`
	UUID        string `json:"uuid,omitempty"`
	RelayServer string `json:"relay_server,omitempty"`
	ID          string `json:"id,omitempty"`
}

// FetchLocalAddr asks the peer for its local address so a same-LAN counterpart
// can connect directly.
type FetchLocalAddr struct {
	SocketAddr  []byte `json:"socket_addr"`
	RelayServer string `json:"relay_server,omitempty"`
}

// LocalAddr answers FetchLocalAddr with the peer's mangled local address.
type LocalAddr struct {
	ID          string `json:"id"`
	SocketAddr  []byte `json:"socket_addr"`
	LocalAddr   []byte `json:"local_addr"`
	RelayServer string `json:"relay_server,omitempty"`
	Version     string `json:"version,omitempty"`
}

// ConfigureUpdate pushes a new rendezvous server list and config serial.
type ConfigureUpdate struct {
	RendezvousServers []string `json:"rendezvous_servers"`
	Serial            int32    `json:"serial"`
}

// OnlineRequest batch-queries the liveness of a list of peer ids.
type OnlineRequest struct {
	ID    string   `json:"id"`
	Peers []string `json:"peers"`
}

// OnlineResponse answers an OnlineRequest with a bit-packed presence vector:
// bit i (most-significant-bit first within each byte) mirrors Peers[i].
type OnlineResponse struct {
	States []byte `json:"states"`
}
