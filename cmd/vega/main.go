// Command vega runs the rendezvous engine: it registers this peer with its
// rendezvous servers, keeps the registrations alive, reacts to traversal
// instructions (hole punching, relay fallback, local-address exchange) and
// publishes per-server latency telemetry.
//
// Usage:
//
//	vega [flags]
//
// Flags:
//
//	-config string  Path to the peer config file (default "vega.json")
//	-tcp            Register over connected TCP instead of UDP
//	-verbose        Enable debug logging
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/saintparish4/vega/internal/config"
	"github.com/saintparish4/vega/internal/rendezvous"
)

func main() {
	configPath := flag.String("config", "vega.json", "Path to the peer config file")
	preferTCP := flag.Bool("tcp", false, "Register over connected TCP instead of UDP")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vega %s\n", rendezvous.Version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := config.Load(*configPath)
	if err != nil {
		// Without an identity there is nothing to register; this is the one
		// unrecoverable startup condition.
		logger.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	logger.Info("loaded peer identity", "id", store.ID(), "servers", store.RendezvousServers())

	service, err := rendezvous.NewService(rendezvous.ServiceConfig{
		Store:     store,
		Acceptor:  &logAcceptor{logger: logger},
		PreferTCP: *preferTCP,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to build rendezvous service", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	service.Run(ctx)
	logger.Info("rendezvous service stopped")
}

// logAcceptor stands in for the connection-handling half of the application.
// It records every hand-off and closes the socket; a full deployment replaces
// it with the session server.
type logAcceptor struct {
	logger *slog.Logger
}

func (a *logAcceptor) AcceptConnection(conn net.Conn, peerAddr netip.AddrPort, direct bool) {
	a.logger.Info("connection established", "peer", peerAddr, "direct", direct)
	conn.Close()
}

func (a *logAcceptor) CreateRelayConnection(relayServer, id string, peerAddr netip.AddrPort, secure, ipv4 bool) {
	a.logger.Info("relay connection requested",
		"relay", relayServer, "uuid", id, "peer", peerAddr, "secure", secure, "ipv4", ipv4)
}
