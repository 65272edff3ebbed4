package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/vega/internal/config"
	"github.com/saintparish4/vega/internal/natprobe"
	"github.com/saintparish4/vega/internal/transport"
	"github.com/saintparish4/vega/pkg/netutil"
	"github.com/saintparish4/vega/pkg/protocol"
)

// ServiceConfig configures the rendezvous service. Store and Acceptor are
// required; everything else has working defaults.
type ServiceConfig struct {
	Store    *config.Store
	Acceptor Acceptor

	// PreferTCP switches non-WebSocket servers from UDP to connected TCP
	// registration.
	PreferTCP bool

	// SecureStream, when set, runs the key exchange over a freshly connected
	// registration stream before any message is sent.
	SecureStream func(transport.Stream) error

	Logger  *slog.Logger
	Clock   clock.Clock
	Version string
}

// Service runs one registration loop per configured rendezvous server and
// restarts the whole set in endless reconnect cycles. It also owns the
// direct-access listener and the NAT self-test.
type Service struct {
	store    *config.Store
	acceptor Acceptor
	logger   *slog.Logger
	clk      clock.Clock
	version  string

	preferTCP bool
	secure    func(transport.Stream) error

	flags      Flags
	guard      MismatchGuard
	natProbing atomic.Bool
}

// NewService validates and applies the configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("rendezvous service needs a config store")
	}
	if cfg.Acceptor == nil {
		return nil, fmt.Errorf("rendezvous service needs a connection acceptor")
	}
	s := &Service{
		store:     cfg.Store,
		acceptor:  cfg.Acceptor,
		logger:    cfg.Logger,
		clk:       cfg.Clock,
		version:   cfg.Version,
		preferTCP: cfg.PreferTCP,
		secure:    cfg.SecureStream,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.version == "" {
		s.version = Version
	}
	return s, nil
}

// Restart asks all loops to exit and begins the next cycle without the
// inter-cycle cool-down. Used when an operator changes connectivity options.
func (s *Service) Restart() {
	s.logger.Info("rendezvous service restart requested")
	s.flags.Restart()
}

// Run executes reconnect cycles until the context is canceled. Each cycle
// runs one loop per configured server; when any loop fails, the shared exit
// flag tears the rest down and the cycle ends. Unless the cycle ended by
// explicit restart, the next one starts no earlier than connectTimeout after
// the previous one began, which rate-limits reconnect storms.
func (s *Service) Run(ctx context.Context) {
	go s.directServer(ctx)
	for ctx.Err() == nil {
		start := s.clk.Now()
		s.runCycle(ctx)
		s.store.ResetOnline()
		if !s.flags.ManualRestarted() {
			if elapsed := s.clk.Since(start); elapsed < connectTimeout {
				s.sleep(ctx, connectTimeout-elapsed)
			}
		}
	}
}

// runCycle executes one reconnect cycle: one mediator per server, all sharing
// the cycle's flags and guard.
func (s *Service) runCycle(ctx context.Context) {
	s.guard.Clear()
	if s.store.Option("stop-service") != "" {
		s.sleep(ctx, time.Second)
		return
	}
	s.maybeProbeNAT()
	s.flags.reset()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.flags.SignalExit()
		case <-done:
		}
	}()

	var g errgroup.Group
	for _, entry := range s.store.RendezvousServers() {
		entry := entry
		g.Go(func() error {
			s.logger.Info("starting rendezvous mediator", "host", entry)
			err := s.newMediator(entry).Run()
			if err != nil {
				s.logger.Error("rendezvous mediator failed", "host", entry, "err", err)
			}
			// One loop ending, for any reason, ends the cycle for everyone.
			s.flags.SignalExit()
			return err
		})
	}
	g.Wait()
	close(done)
}

func (s *Service) newMediator(entry string) *Mediator {
	scheme, bare := netutil.SplitScheme(entry)
	host := netutil.CheckPort(bare, RendezvousPort)
	return &Mediator{
		store:      s.store,
		acceptor:   s.acceptor,
		flags:      &s.flags,
		guard:      &s.guard,
		clk:        s.clk,
		logger:     s.logger,
		version:    s.version,
		secure:     s.secure,
		entry:      entry,
		scheme:     scheme,
		host:       host,
		hostPrefix: netutil.HostPrefix(host),
		keepAlive:  defaultKeepAlive,
		preferTCP:  s.preferTCP,
	}
}

// maybeProbeNAT launches the NAT self-test in the background when the type is
// still unknown. At most one probe runs at a time; a failed probe leaves the
// type unknown and a later cycle tries again.
func (s *Service) maybeProbeNAT() {
	if s.store.NATType() != protocol.NATUnknown {
		return
	}
	if !s.natProbing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.natProbing.Store(false)
		servers := natprobe.ParseServers(s.store.Option("stun-servers"))
		typ, public, err := natprobe.Probe(servers)
		if err != nil {
			s.logger.Warn("nat self-test failed", "err", err)
			return
		}
		s.store.SetNATType(typ)
		s.logger.Info("nat self-test complete", "type", typ, "public", public)
	}()
}

// directPort is the listening port for direct (rendezvous-less) access.
func (s *Service) directPort() int {
	port, _ := strconv.Atoi(s.store.Option("direct-access-port"))
	if port <= 0 {
		port = RendezvousPort + 2
	}
	return port
}

// directServer accepts direct inbound connections while the "direct-server"
// option is enabled, re-checking enablement and port every second so option
// changes take effect without a restart.
func (s *Service) directServer(ctx context.Context) {
	var listener *net.TCPListener
	port := 0
	defer func() {
		if listener != nil {
			listener.Close()
		}
	}()
	for ctx.Err() == nil {
		disabled := s.store.Option("direct-server") == "" || s.store.Option("stop-service") != ""
		if !disabled && listener == nil {
			port = s.directPort()
			l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
			if err != nil {
				s.logger.Error("failed to start direct access listener", "port", port, "err", err)
				for ctx.Err() == nil && port == s.directPort() {
					s.sleep(ctx, time.Second)
				}
				continue
			}
			listener = l.(*net.TCPListener)
			s.logger.Info("direct access listener started", "addr", listener.Addr())
		}
		if listener == nil {
			s.sleep(ctx, time.Second)
			continue
		}
		if disabled || port != s.directPort() {
			s.logger.Info("stopping direct access listener", "port", port)
			listener.Close()
			listener = nil
			continue
		}
		listener.SetDeadline(time.Now().Add(time.Second))
		conn, err := listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.sleep(ctx, 100*time.Millisecond)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		peer := netutil.AddrPortFrom(conn.RemoteAddr())
		s.logger.Info("direct access connection", "peer", peer)
		go s.acceptor.AcceptConnection(conn, peer, true)
	}
}

// sleep waits for d on the service clock, returning early on cancellation.
func (s *Service) sleep(ctx context.Context, d time.Duration) {
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
