package rendezvous

import (
	"sync"
	"sync/atomic"
)

// Flags is the shared control state one reconnect cycle hands to every
// per-host loop. shouldExit is the sole cooperative cancellation signal: any
// loop failure sets it so sibling loops wind down together within one timer
// tick. manualRestarted suppresses the inter-cycle cool-down when the restart
// was operator- or server-initiated rather than a failure.
type Flags struct {
	shouldExit      atomic.Bool
	manualRestarted atomic.Bool
}

// Restart requests an immediate global restart: all loops exit and the next
// cycle starts without the cool-down delay.
func (f *Flags) Restart() {
	f.shouldExit.Store(true)
	f.manualRestarted.Store(true)
}

// SignalExit asks all loops sharing these flags to terminate.
func (f *Flags) SignalExit() { f.shouldExit.Store(true) }

// ShouldExit reports whether loops should terminate. Polled at least once per
// timer tick by every loop.
func (f *Flags) ShouldExit() bool { return f.shouldExit.Load() }

// ManualRestarted reports whether the current cycle ended by explicit restart.
func (f *Flags) ManualRestarted() bool { return f.manualRestarted.Load() }

// reset re-arms both flags at the top of a reconnect cycle.
func (f *Flags) reset() {
	f.shouldExit.Store(false)
	f.manualRestarted.Store(false)
}

// MismatchGuard serializes UUID-mismatch recovery across hosts. Rotating the
// peer identity is global state: if every host that observes a mismatch
// rotated concurrently, the id would churn once per server. At most one host
// may hold the guard; the others skip their recovery attempt until it clears.
type MismatchGuard struct {
	mu   sync.Mutex
	host string
}

// Acquire attempts to claim recovery for host. It succeeds when the guard is
// free or already held by the same host.
func (g *MismatchGuard) Acquire(host string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.host != "" && g.host != host {
		return false
	}
	g.host = host
	return true
}

// Blocked reports whether a different host currently holds the guard.
// Registration sends are skipped while blocked so the racing hosts cannot
// re-register a half-rotated identity.
func (g *MismatchGuard) Blocked(host string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.host != "" && g.host != host
}

// Clear releases the guard. Called on successful key confirmation and at the
// start of every reconnect cycle.
func (g *MismatchGuard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.host = ""
}

// Holder returns the host currently solving a mismatch, "" when none.
func (g *MismatchGuard) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.host
}
