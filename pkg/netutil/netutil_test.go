package netutil

import (
	"net/netip"
	"testing"
)

func TestCheckPort(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"rs.example.com", "rs.example.com:21116"},
		{"rs.example.com:21117", "rs.example.com:21117"},
		{"192.168.1.5", "192.168.1.5:21116"},
		{"192.168.1.5:9000", "192.168.1.5:9000"},
		{"::1", "[::1]:21116"},
		{"[::1]:9000", "[::1]:9000"},
	}
	for _, tt := range tests {
		if got := CheckPort(tt.host, 21116); got != tt.want {
			t.Errorf("CheckPort(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestIncreasePort(t *testing.T) {
	tests := []struct {
		host   string
		offset int
		want   string
	}{
		{"rs.example.com:21116", 1, "rs.example.com:21117"},
		{"rs.example.com:21116", -1, "rs.example.com:21115"},
		{"rs.example.com", 1, "rs.example.com:21117"},
		{"[::1]:21116", 2, "[::1]:21118"},
	}
	for _, tt := range tests {
		if got := IncreasePort(tt.host, 21116, tt.offset); got != tt.want {
			t.Errorf("IncreasePort(%q, %d) = %q, want %q", tt.host, tt.offset, got, tt.want)
		}
	}
}

func TestHostPrefix(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"rs-1.vega.network:21116", "rs-1"},
		{"rs-1.vega.network", "rs-1"},
		// Numeric leading label means an IP address: the whole host is the key.
		{"192.168.1.5:21116", "192.168.1.5:21116"},
		{"localhost:21116", "localhost:21116"},
	}
	for _, tt := range tests {
		if got := HostPrefix(tt.host); got != tt.want {
			t.Errorf("HostPrefix(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestSplitScheme(t *testing.T) {
	tests := []struct {
		in         string
		scheme     string
		rest       string
	}{
		{"wss://rs.example.com", "wss", "rs.example.com"},
		{"ws://rs.example.com:8080", "ws", "rs.example.com:8080"},
		{"rs.example.com:21116", "", "rs.example.com:21116"},
	}
	for _, tt := range tests {
		scheme, rest := SplitScheme(tt.in)
		if scheme != tt.scheme || rest != tt.rest {
			t.Errorf("SplitScheme(%q) = (%q, %q), want (%q, %q)", tt.in, scheme, rest, tt.scheme, tt.rest)
		}
	}
}

func TestIsIPv4(t *testing.T) {
	if !IsIPv4(netip.MustParseAddrPort("1.2.3.4:80")) {
		t.Error("1.2.3.4 should be IPv4")
	}
	if !IsIPv4(netip.MustParseAddrPort("[::ffff:1.2.3.4]:80")) {
		t.Error("IPv4-mapped address should count as IPv4")
	}
	if IsIPv4(netip.MustParseAddrPort("[2001:db8::1]:80")) {
		t.Error("2001:db8::1 should not be IPv4")
	}
}
