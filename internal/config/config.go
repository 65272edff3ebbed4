// Package config implements the peer's identity and configuration store: the
// persisted peer id, key pair, installation UUID, rendezvous server list and
// option map, plus the volatile per-host telemetry (latency, key-confirmation
// flags) the rendezvous engine publishes into it. All accessors are safe for
// concurrent use and non-blocking; callers treat every operation as atomic.
package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/saintparish4/vega/pkg/protocol"
)

// DefaultRendezvousServers is used until a server pushes a ConfigureUpdate.
var DefaultRendezvousServers = []string{"rs-1.vega.network", "rs-2.vega.network"}

// persisted is the on-disk shape of the store.
type persisted struct {
	ID                string            `json:"id"`
	UUID              string            `json:"uuid"`
	KeySeed           []byte            `json:"key_seed"`
	Serial            int32             `json:"serial"`
	NATType           protocol.NATType  `json:"nat_type"`
	KeyConfirmed      bool              `json:"key_confirmed"`
	HostKeyConfirmed  map[string]bool   `json:"host_key_confirmed,omitempty"`
	RendezvousServers []string          `json:"rendezvous_servers,omitempty"`
	Options           map[string]string `json:"options,omitempty"`
}

// Store holds the peer identity and configuration. The zero value is not
// usable; construct with Load or NewMemory.
type Store struct {
	mu      sync.RWMutex
	path    string // empty for in-memory stores
	d       persisted
	latency map[string]int64 // host -> µs; -1 unreachable, 0 unknown; volatile
	logger  *slog.Logger
}

// Load reads the store from path, creating it with a fresh identity when the
// file does not exist yet.
func Load(path string) (*Store, error) {
	s := &Store{path: path, latency: make(map[string]int64), logger: slog.Default()}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.d); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// first run, start from an empty identity
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	s.fillDefaults()
	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemory creates a store that never touches the filesystem.
func NewMemory() *Store {
	s := &Store{latency: make(map[string]int64), logger: slog.Default()}
	s.fillDefaults()
	return s
}

func (s *Store) fillDefaults() {
	if s.d.ID == "" {
		s.d.ID = newID()
	}
	if s.d.UUID == "" {
		s.d.UUID = uuid.NewString()
	}
	if len(s.d.KeySeed) != ed25519.SeedSize {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			panic(fmt.Sprintf("failed to generate key pair: %v", err))
		}
		s.d.KeySeed = priv.Seed()
	}
	if s.d.HostKeyConfirmed == nil {
		s.d.HostKeyConfirmed = make(map[string]bool)
	}
	if s.d.Options == nil {
		s.d.Options = make(map[string]string)
	}
	if len(s.d.RendezvousServers) == 0 {
		s.d.RendezvousServers = slices.Clone(DefaultRendezvousServers)
	}
}

// newID generates a 9-digit peer id.
func newID() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900_000_000))
	if err != nil {
		panic(fmt.Sprintf("failed to generate peer id: %v", err))
	}
	return fmt.Sprintf("%d", n.Int64()+100_000_000)
}

// save persists the store; callers hold s.mu. In-memory stores skip it.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(&s.d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", s.path, err)
	}
	return nil
}

// saveLogged persists under lock, downgrading failures to a log line; losing a
// flag update must not take down a registration loop.
func (s *Store) saveLogged() {
	if err := s.save(); err != nil {
		s.logger.Error("failed to persist config", "err", err)
	}
}

// ID returns the peer id.
func (s *Store) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.ID
}

// UpdateID discards the current peer id and generates a new one. Used when a
// rendezvous server reports that this id is bound to a different installation.
func (s *Store) UpdateID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.ID = newID()
	s.saveLogged()
}

// UUID returns the installation UUID that anchors id ownership.
func (s *Store) UUID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.UUID
}

// KeyPair returns the peer's signing key pair.
func (s *Store) KeyPair() (ed25519.PublicKey, ed25519.PrivateKey) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	priv := ed25519.NewKeyFromSeed(s.d.KeySeed)
	return priv.Public().(ed25519.PublicKey), priv
}

// Serial returns the config serial last pushed by a server.
func (s *Store) Serial() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Serial
}

// SetSerial records a pushed config serial.
func (s *Store) SetSerial(serial int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.Serial = serial
	s.saveLogged()
}

// NATType returns the last NAT self-test result.
func (s *Store) NATType() protocol.NATType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.NATType
}

// SetNATType records a NAT self-test result.
func (s *Store) SetNATType(t protocol.NATType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.NATType = t
	s.saveLogged()
}

// Option returns a named option, or "" when unset.
func (s *Store) Option(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Options[name]
}

// SetOption sets a named option; an empty value deletes it.
func (s *Store) SetOption(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.d.Options, name)
	} else {
		s.d.Options[name] = value
	}
	s.saveLogged()
}

// RendezvousServers returns the active server list. A "custom-rendezvous-server"
// option overrides the pushed/default list entirely.
func (s *Store) RendezvousServers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if custom := s.d.Options["custom-rendezvous-server"]; custom != "" {
		return []string{custom}
	}
	return slices.Clone(s.d.RendezvousServers)
}

// SetRendezvousServers replaces the pushed server list.
func (s *Store) SetRendezvousServers(servers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.RendezvousServers = slices.Clone(servers)
	s.saveLogged()
}

// UsingPublicServers reports whether the peer talks to the public
// infrastructure rather than a self-hosted server.
func (s *Store) UsingPublicServers() bool {
	return s.Option("custom-rendezvous-server") == ""
}

// KeyConfirmed reports whether any rendezvous server has accepted the key.
func (s *Store) KeyConfirmed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.KeyConfirmed
}

// SetKeyConfirmed sets the global key-confirmation flag.
func (s *Store) SetKeyConfirmed(confirmed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.KeyConfirmed = confirmed
	if !confirmed {
		s.d.HostKeyConfirmed = make(map[string]bool)
	}
	s.saveLogged()
}

// HostKeyConfirmed reports whether the server behind hostPrefix accepted the key.
func (s *Store) HostKeyConfirmed(hostPrefix string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.HostKeyConfirmed[hostPrefix]
}

// SetHostKeyConfirmed sets the per-host key-confirmation flag.
func (s *Store) SetHostKeyConfirmed(hostPrefix string, confirmed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.HostKeyConfirmed[hostPrefix] = confirmed
	s.saveLogged()
}

// UpdateLatency publishes a smoothed round-trip measurement for host, in
// microseconds. 0 means probing/unknown, -1 unreachable. Latency is volatile
// telemetry and is never persisted.
func (s *Store) UpdateLatency(host string, micros int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[host] = micros
}

// Latency returns the last published measurement for host, 0 when none.
func (s *Store) Latency(host string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latency[host]
}

// ResetOnline clears all liveness telemetry. Called between reconnect cycles
// so stale reachability never outlives the loops that measured it.
func (s *Store) ResetOnline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = make(map[string]int64)
}
