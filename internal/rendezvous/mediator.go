// Package rendezvous implements the client side of the rendezvous protocol:
// per-server registration loops over UDP, TCP or WebSocket, reaction to
// server-issued traversal instructions (hole punching, relay fallback,
// local-address exchange), latency telemetry, and the orchestration of all
// configured servers into repeating reconnect cycles.
package rendezvous

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/saintparish4/vega/internal/config"
	"github.com/saintparish4/vega/internal/transport"
	"github.com/saintparish4/vega/pkg/netutil"
	"github.com/saintparish4/vega/pkg/protocol"
)

// Version is reported to peers inside traversal notices.
const Version = "0.5.0"

const (
	// RendezvousPort is the default port of a rendezvous server. Derived
	// services sit next to it: online-status at -1, relay at +1, direct
	// access at +2.
	RendezvousPort = 21116

	timerInterval    = time.Second
	regInterval      = 12 * time.Second
	connectTimeout   = 18 * time.Second
	defaultKeepAlive = 60 * time.Second

	regTimeoutMin       = 3 * time.Second
	regTimeoutMax       = 30 * time.Second
	maxFailsUnknown     = 2 // consecutive timeouts before latency 0 is published
	maxFailsUnreachable = 4 // consecutive timeouts before latency -1 is published
	dnsRefreshInterval  = 60 * time.Second

	// punchConnectTimeout bounds the pre-connect that seeds the NAT mapping
	// toward a peer. The connect is expected to fail; only the outbound
	// packet matters.
	punchConnectTimeout = 30 * time.Millisecond

	onlineQueryTimeout = 3 * time.Second
	onlineRetryDelay   = 300 * time.Millisecond
)

// Acceptor receives the sockets the engine establishes. It is the boundary to
// the connection-handling half of the application: once a hole is punched or
// a direct connection arrives, the stream is handed over and the engine is
// done with it.
type Acceptor interface {
	// AcceptConnection takes ownership of an established connection to (or
	// from) peerAddr. direct is false only for relayed legs.
	AcceptConnection(conn net.Conn, peerAddr netip.AddrPort, direct bool)

	// CreateRelayConnection establishes the relayed leg toward peerAddr via
	// relayServer, correlated by id on both sides.
	CreateRelayConnection(relayServer, id string, peerAddr netip.AddrPort, secure, ipv4 bool)
}

// latencyObserver is invoked by dispatch whenever a registration response
// arrives. It returns the value it published, if any, for logging.
type latencyObserver interface {
	OnRegisterResponse() (int64, bool)
}

// Mediator is one host's registration session. It is owned by the loop that
// runs it; traversal handlers operate on a snapshot copy, never the live
// session.
type Mediator struct {
	store    *config.Store
	acceptor Acceptor
	flags    *Flags
	guard    *MismatchGuard
	clk      clock.Clock
	logger   *slog.Logger
	version  string
	secure   func(transport.Stream) error

	entry      string // configured server entry, scheme and all
	scheme     string // "", "ws" or "wss"
	host       string // bare host:port used for TCP/UDP dials and derived ports
	hostPrefix string
	addr       netip.AddrPort // resolved target (UDP) or local endpoint (stream)
	keepAlive  time.Duration
	preferTCP  bool
}

// Run drives the session until the shared flags request exit or the loop
// fails. WebSocket entries and TCP-preferring configurations use the stream
// variant; everything else registers over UDP.
func (m *Mediator) Run() error {
	if m.scheme == "ws" || m.scheme == "wss" || m.preferTCP {
		return m.runStream()
	}
	return m.runUDP()
}

// snapshot returns a detached copy for a spawned handler. The copy shares the
// store, acceptor and guard (which synchronize themselves) but none of the
// loop-owned session state.
func (m *Mediator) snapshot() *Mediator {
	cp := *m
	return &cp
}

type inbound struct {
	data []byte
	err  error
}

// readDatagrams pumps datagrams into a channel so the loop can select between
// traffic and its timer. The goroutine exits when the socket is closed.
func readDatagrams(sock *transport.UDPSocket) <-chan inbound {
	ch := make(chan inbound, 8)
	go func() {
		for {
			data, _, err := sock.Read()
			if err != nil {
				ch <- inbound{err: err}
				close(ch)
				return
			}
			ch <- inbound{data: data}
		}
	}()
	return ch
}

// readFrames is the stream equivalent of readDatagrams.
func readFrames(stream transport.Stream) <-chan inbound {
	ch := make(chan inbound, 8)
	go func() {
		for {
			data, err := stream.ReadFrame()
			if err != nil {
				ch <- inbound{err: err}
				close(ch)
				return
			}
			ch <- inbound{data: data}
		}
	}()
	return ch
}

// runUDP is the UDP registration loop: a 1-second timer drives cadence,
// timeout backoff and failure accounting; inbound datagrams dispatch to the
// traversal handlers. Exactly one branch runs per iteration, so handlers of
// this loop never interleave with its timer work.
func (m *Mediator) runUDP() error {
	sock, err := transport.DialUDP(m.host)
	if err != nil {
		return err
	}
	defer func() { sock.Close() }()
	m.addr = sock.RemoteAddr()

	live := newUDPLiveness(m.clk, m.store, m.host)
	recv := readDatagrams(sock)
	ticker := m.clk.Ticker(timerInterval)
	defer ticker.Stop()

	for {
		select {
		case d, ok := <-recv:
			if !ok || d.err != nil {
				return fmt.Errorf("rendezvous socket failed: %w", d.err)
			}
			if len(d.data) == 0 {
				continue // heartbeat datagram, nothing to process
			}
			msg, err := protocol.Unmarshal(d.data)
			if err != nil {
				m.logger.Debug("discarding unparseable datagram", "host", m.host, "err", err)
				continue
			}
			if err := m.handleMessage(msg, sock, live); err != nil {
				return err
			}
		case <-ticker.C:
			if m.flags.ShouldExit() {
				return nil
			}
			act := live.onTick(m.backoffEnabled())
			if act.refreshDNS {
				// After some network transitions the old socket is dead even
				// though the interface recovered; re-resolve and rebind.
				fresh, err := sock.Rebind()
				if err != nil {
					return err
				}
				sock = fresh
				m.addr = sock.RemoteAddr()
				recv = readDatagrams(sock)
				m.logger.Info("re-resolved rendezvous server", "host", m.host, "addr", m.addr)
			}
			if act.register {
				if err := m.registerPeer(sock); err != nil {
					return err
				}
				live.onRegisterSent()
			}
		}
	}
}

// streamLiveness publishes the raw round trip of each registration exchange.
// The stream variant keeps no EMA: a connected stream either works or dies.
type streamLiveness struct {
	clk      clock.Clock
	store    *config.Store
	host     string
	lastSent time.Time
}

func (l *streamLiveness) OnRegisterResponse() (int64, bool) {
	var raw int64
	if !l.lastSent.IsZero() {
		raw = l.clk.Since(l.lastSent).Microseconds()
	}
	l.store.UpdateLatency(l.host, raw)
	return raw, true
}

// runStream is the connected-stream registration loop (TCP or WebSocket).
// Liveness is keep-alive based: the connection is dead once nothing arrived
// for 1.5x the negotiated keep-alive interval.
func (m *Mediator) runStream() error {
	stream, err := transport.DialStream(m.streamTarget(), connectTimeout)
	if err != nil {
		return err
	}
	defer stream.Close()
	if m.secure != nil {
		if err := m.secure(stream); err != nil {
			return fmt.Errorf("failed to secure rendezvous stream: %w", err)
		}
	}
	return m.serveStream(stream)
}

// serveStream runs the registration loop over an established stream.
func (m *Mediator) serveStream(stream transport.Stream) error {
	m.addr = stream.LocalAddr()
	m.store.SetHostKeyConfirmed(m.hostPrefix, false)

	live := &streamLiveness{clk: m.clk, store: m.store, host: m.host}
	recv := readFrames(stream)
	ticker := m.clk.Ticker(timerInterval)
	defer ticker.Stop()
	lastRecv := m.clk.Now()

	for {
		select {
		case f, ok := <-recv:
			if !ok || f.err != nil {
				return fmt.Errorf("rendezvous connection reset: %w", f.err)
			}
			lastRecv = m.clk.Now()
			if len(f.data) == 0 {
				// heartbeat, acknowledge in kind
				if err := stream.SendRaw(nil); err != nil {
					return err
				}
				continue
			}
			msg, err := protocol.Unmarshal(f.data)
			if err != nil {
				return err
			}
			if err := m.handleMessage(msg, stream, live); err != nil {
				return err
			}
		case <-ticker.C:
			if m.flags.ShouldExit() {
				return nil
			}
			if m.clk.Since(lastRecv) > m.keepAlive*3/2 {
				return fmt.Errorf("rendezvous connection timed out (keep-alive %v)", m.keepAlive)
			}
			if (!m.store.KeyConfirmed() || !m.store.HostKeyConfirmed(m.hostPrefix)) &&
				(live.lastSent.IsZero() || m.clk.Since(live.lastSent) >= regInterval) {
				if err := m.registerPk(stream); err != nil {
					return err
				}
				live.lastSent = m.clk.Now()
			}
		}
	}
}

// streamTarget is what DialStream should connect to: the original entry for
// WebSocket schemes, the bare host:port otherwise.
func (m *Mediator) streamTarget() string {
	if m.scheme == "ws" || m.scheme == "wss" {
		return m.entry
	}
	return m.host
}

// backoffEnabled reports whether the escalating registration timeout applies.
// Only public deployments back off; a flag can force it off entirely (some
// battery-constrained targets need the fixed cadence to drive wakeups).
func (m *Mediator) backoffEnabled() bool {
	return m.store.UsingPublicServers() && m.store.Option("disable-reg-backoff") == ""
}

// handleMessage is the single dispatch site for both transports. Traversal
// instructions spawn detached handler tasks on a session snapshot so they
// never delay the registration cadence; their failures are logged and
// swallowed. Errors returned from here are fatal to the owning loop.
func (m *Mediator) handleMessage(msg *protocol.Message, snk transport.Sink, obs latencyObserver) error {
	u, err := msg.Union()
	if err != nil {
		return err
	}
	switch p := u.(type) {
	case *protocol.RegisterPeerResponse:
		m.observeLatency(obs)
		if p.RequestPk {
			m.logger.Info("server requested public key", "host", m.host)
			return m.registerPk(snk)
		}
	case *protocol.RegisterPkResponse:
		m.observeLatency(obs)
		switch p.Result {
		case protocol.RegisterOK:
			m.store.SetKeyConfirmed(true)
			m.store.SetHostKeyConfirmed(m.hostPrefix, true)
			m.guard.Clear()
		case protocol.RegisterUUIDMismatch:
			if err := m.handleUUIDMismatch(snk); err != nil {
				return err
			}
		default:
			m.logger.Error("unexpected public-key registration result",
				"host", m.host, "result", string(p.Result))
		}
		if p.KeepAlive > 0 {
			m.keepAlive = time.Duration(p.KeepAlive) * time.Second
			m.logger.Info("keep-alive negotiated", "host", m.host, "interval", m.keepAlive)
		}
	case *protocol.PunchHole:
		m.spawn("punch hole", func(rz *Mediator) error { return rz.handlePunchHole(p) })
	case *protocol.RequestRelay:
		m.spawn("request relay", func(rz *Mediator) error { return rz.handleRequestRelay(p) })
	case *protocol.FetchLocalAddr:
		m.spawn("fetch local addr", func(rz *Mediator) error { return rz.handleIntranet(p) })
	case *protocol.ConfigureUpdate:
		before := m.store.RendezvousServers()
		m.store.SetRendezvousServers(p.RendezvousServers)
		m.store.SetSerial(p.Serial)
		if !slices.Equal(before, m.store.RendezvousServers()) {
			m.logger.Info("rendezvous server list changed, restarting",
				"servers", p.RendezvousServers, "serial", p.Serial)
			m.flags.Restart()
		}
	default:
		m.logger.Debug("ignoring message", "host", m.host, "kind", string(msg.Kind))
	}
	return nil
}

func (m *Mediator) observeLatency(obs latencyObserver) {
	if v, published := obs.OnRegisterResponse(); published {
		m.logger.Debug("latency", "host", m.host, "ms", float64(v)/1000)
	}
}

// spawn runs a traversal handler as a detached task on a session snapshot.
func (m *Mediator) spawn(what string, fn func(*Mediator) error) {
	rz := m.snapshot()
	go func() {
		if err := fn(rz); err != nil {
			rz.logger.Warn("traversal handler failed", "op", what, "host", rz.host, "err", err)
		}
	}()
}

// registerPeer sends the periodic presence registration. While the key is not
// confirmed for this server, a public-key registration is sent instead; while
// another host is resolving a UUID mismatch, nothing is sent at all.
func (m *Mediator) registerPeer(snk transport.Sink) error {
	if m.guard.Blocked(m.host) {
		return nil
	}
	if !m.store.KeyConfirmed() || !m.store.HostKeyConfirmed(m.hostPrefix) {
		m.logger.Info("registering public key, key not confirmed", "host", m.hostPrefix)
		return m.registerPk(snk)
	}
	msg, err := protocol.New(protocol.KindRegisterPeer, &protocol.RegisterPeer{
		ID:     m.store.ID(),
		Serial: m.store.Serial(),
	})
	if err != nil {
		return err
	}
	return snk.Send(msg)
}

// registerPk submits the public key together with the installation UUID that
// anchors ownership of the peer id.
func (m *Mediator) registerPk(snk transport.Sink) error {
	pk, _ := m.store.KeyPair()
	msg, err := protocol.New(protocol.KindRegisterPk, &protocol.RegisterPk{
		ID:   m.store.ID(),
		UUID: m.store.UUID(),
		Pk:   pk,
	})
	if err != nil {
		return err
	}
	return snk.Send(msg)
}

// handleUUIDMismatch runs the single-flight identity recovery: the server
// knows this id under a different installation, so the peer must take a new
// one. Only one host may do this at a time; the rest skip silently.
func (m *Mediator) handleUUIDMismatch(snk transport.Sink) error {
	if !m.guard.Acquire(m.host) {
		return nil
	}
	m.logger.Info("uuid mismatch reported, rotating peer id", "host", m.host)
	m.store.SetKeyConfirmed(false)
	m.store.UpdateID()
	return m.registerPk(snk)
}

// relayServerFor resolves the relay server to use: a local override wins,
// then the server-supplied value, then the rendezvous host's relay port.
func (m *Mediator) relayServerFor(provided string) string {
	if rs := m.store.Option("relay-server"); rs != "" {
		return rs
	}
	if provided != "" {
		return provided
	}
	return netutil.IncreasePort(m.host, RendezvousPort, 1)
}

// handlePunchHole reacts to a punch instruction. Symmetric NAT on either side
// makes the punched mapping unpredictable, so those go straight to the relay.
// Otherwise the handler opens a fresh connection to the rendezvous server,
// seeds the gateway's mapping toward the peer from the same local port, sends
// the punch notice and hands the socket over.
func (m *Mediator) handlePunchHole(ph *protocol.PunchHole) error {
	relayServer := m.relayServerFor(ph.RelayServer)
	if ph.NATType == protocol.NATSymmetric || m.store.NATType() == protocol.NATSymmetric {
		return m.createRelay(ph.SocketAddr, relayServer, uuid.NewString(), true, true)
	}
	peerAddr, err := protocol.DecodeAddr(ph.SocketAddr)
	if err != nil {
		return err
	}
	m.logger.Debug("punching hole", "host", m.host, "peer", peerAddr)
	stream, err := transport.DialTCP(m.host, connectTimeout)
	if err != nil {
		return err
	}
	// The pre-connect tells the gateway that inbound traffic from the peer is
	// expected on this port. It must complete, even on error, before the port
	// is reused: the port cannot back two connecting sockets at once.
	if pre, err := transport.DialTCPFrom(stream.LocalAddr(), peerAddr, punchConnectTimeout); err == nil {
		pre.Close()
	}
	msg, err := protocol.New(protocol.KindPunchHoleSent, &protocol.PunchHoleSent{
		SocketAddr:  ph.SocketAddr,
		ID:          m.store.ID(),
		RelayServer: relayServer,
		NATType:     m.store.NATType(),
		Version:     m.version,
	})
	if err != nil {
		stream.Close()
		return err
	}
	if err := stream.Send(msg); err != nil {
		stream.Close()
		return err
	}
	m.acceptor.AcceptConnection(stream.NetConn(), peerAddr, true)
	return nil
}

// handleIntranet answers a local-address fetch: both peers sit behind the
// same NAT, so the requester connects to this peer's local address directly.
func (m *Mediator) handleIntranet(fla *protocol.FetchLocalAddr) error {
	relayServer := m.relayServerFor(fla.RelayServer)
	if !netutil.IsIPv4(m.addr) {
		// NAT64: the translated peer address cannot be demangled reliably,
		// use the relay instead.
		return m.createRelay(fla.SocketAddr, relayServer, uuid.NewString(), true, true)
	}
	peerAddr, err := protocol.DecodeAddr(fla.SocketAddr)
	if err != nil {
		return err
	}
	m.logger.Debug("answering local-address fetch", "host", m.host, "peer", peerAddr)
	stream, err := transport.DialTCP(m.host, connectTimeout)
	if err != nil {
		return err
	}
	msg, err := protocol.New(protocol.KindLocalAddr, &protocol.LocalAddr{
		ID:          m.store.ID(),
		SocketAddr:  protocol.EncodeAddr(peerAddr),
		LocalAddr:   protocol.EncodeAddr(stream.LocalAddr()),
		RelayServer: relayServer,
		Version:     m.version,
	})
	if err != nil {
		stream.Close()
		return err
	}
	if err := stream.Send(msg); err != nil {
		stream.Close()
		return err
	}
	m.acceptor.AcceptConnection(stream.NetConn(), peerAddr, true)
	return nil
}

// handleRequestRelay reacts to the server instructing this peer to meet its
// counterpart on a relay. The counterpart initiated, so the correlation id
// and relay choice are taken as given.
func (m *Mediator) handleRequestRelay(rr *protocol.RequestRelay) error {
	return m.createRelay(rr.SocketAddr, rr.RelayServer, rr.UUID, rr.Secure, false)
}

// createRelay performs the relay rendezvous: announce the relay response to
// the rendezvous server, then hand the relay leg to the acceptor. When this
// side initiates, the response also carries the correlation id, relay choice
// and peer id so the server can instruct the counterpart.
func (m *Mediator) createRelay(socketAddr []byte, relayServer, correlationID string, secure, initiate bool) error {
	peerAddr, err := protocol.DecodeAddr(socketAddr)
	if err != nil {
		return err
	}
	m.logger.Info("setting up relay", "host", m.host, "peer", peerAddr,
		"relay", relayServer, "uuid", correlationID, "secure", secure)
	stream, err := transport.DialTCP(m.host, connectTimeout)
	if err != nil {
		return err
	}
	defer stream.Close()
	rr := &protocol.RelayResponse{SocketAddr: socketAddr, Version: m.version}
	if initiate {
		rr.UUID = correlationID
		rr.RelayServer = relayServer
		rr.ID = m.store.ID()
	}
	msg, err := protocol.New(protocol.KindRelayResponse, rr)
	if err != nil {
		return err
	}
	if err := stream.Send(msg); err != nil {
		return err
	}
	m.acceptor.CreateRelayConnection(relayServer, correlationID, peerAddr, secure, netutil.IsIPv4(m.addr))
	return nil
}
