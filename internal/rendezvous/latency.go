package rendezvous

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/saintparish4/vega/internal/config"
)

const (
	// maxLatencyMicros rejects measurements distorted by clock steps or
	// transport stalls; a rendezvous round trip above one second is noise.
	maxLatencyMicros = 1_000_000

	// emaWeight smooths measurements as new/emaWeight + old*(emaWeight-1)/emaWeight.
	emaWeight = 30

	// deadbandFloorMicros is the minimum movement required before a new value
	// is published; below it telemetry writes would churn on jitter.
	deadbandFloorMicros = 3000
)

// latencyTracker smooths raw round-trip samples with an exponential moving
// average and applies a publication deadband: a smoothed value is published
// only when it moved by more than max(latency/5, 3ms) from the last published
// value, or when nothing was published yet.
type latencyTracker struct {
	ema       int64 // current smoothed value, 0 until seeded
	published int64 // last value handed to the store, <=0 forces next publish
}

// update feeds one raw sample (µs) and reports whether the smoothed value
// should be published. Samples outside (0, maxLatencyMicros] are discarded.
func (t *latencyTracker) update(raw int64) (int64, bool) {
	if raw <= 0 || raw > maxLatencyMicros {
		return 0, false
	}
	if t.ema == 0 {
		t.ema = raw
	} else {
		t.ema = raw/emaWeight + t.ema*(emaWeight-1)/emaWeight
	}
	band := t.ema / 5
	if band < deadbandFloorMicros {
		band = deadbandFloorMicros
	}
	diff := t.ema - t.published
	if diff < 0 {
		diff = -diff
	}
	if diff > band || t.published <= 0 {
		t.published = t.ema
		return t.ema, true
	}
	return t.ema, false
}

// resetPublished forces the next smoothed value through the deadband. Called
// after a sentinel (unknown/unreachable) was published for the host.
func (t *latencyTracker) resetPublished() { t.published = 0 }

// udpLiveness owns the registration timing state of one UDP loop: cadence
// expiry, escalating timeout backoff, the consecutive-failure counter and the
// latency tracker. It is mutated only by its owning loop.
type udpLiveness struct {
	clk   clock.Clock
	store *config.Store
	host  string

	lastResp   time.Time // zero until the first registration response
	lastSent   time.Time // zero while no registration is in flight
	fails      int
	regTimeout time.Duration
	lastDNS    time.Time
	tracker    latencyTracker
}

func newUDPLiveness(clk clock.Clock, store *config.Store, host string) *udpLiveness {
	return &udpLiveness{
		clk:        clk,
		store:      store,
		host:       host,
		regTimeout: regTimeoutMin,
		lastDNS:    clk.Now(),
	}
}

// tickAction is what one timer tick decided.
type tickAction struct {
	register   bool // send a fresh registration
	refreshDNS bool // re-resolve the host and rebind the socket first
}

// onTick advances the liveness state by one timer tick. backoff enables the
// escalating registration timeout (public-server deployments only).
func (l *udpLiveness) onTick(backoff bool) tickAction {
	expired := l.lastResp.IsZero() || l.clk.Since(l.lastResp) >= regInterval
	timedOut := !l.lastSent.IsZero() && l.clk.Since(l.lastSent) >= l.regTimeout
	if backoff && timedOut && l.regTimeout < regTimeoutMax {
		l.regTimeout += regTimeoutMin
	}

	var act tickAction
	if !timedOut && !(l.lastSent.IsZero() && expired) {
		return act
	}
	if timedOut {
		l.fails++
		if l.fails >= maxFailsUnreachable {
			l.store.UpdateLatency(l.host, -1)
			l.tracker.resetPublished()
			if l.clk.Since(l.lastDNS) > dnsRefreshInterval {
				act.refreshDNS = true
				l.lastDNS = l.clk.Now()
			}
		} else if l.fails >= maxFailsUnknown {
			l.store.UpdateLatency(l.host, 0)
			l.tracker.resetPublished()
		}
	}
	act.register = true
	return act
}

// onRegisterSent records the send instant of the registration in flight.
func (l *udpLiveness) onRegisterSent() { l.lastSent = l.clk.Now() }

// OnRegisterResponse implements the latency observer for the UDP loop: it
// resets the failure state, measures the round trip of the registration in
// flight and publishes the smoothed value when it clears the deadband.
func (l *udpLiveness) OnRegisterResponse() (int64, bool) {
	l.lastResp = l.clk.Now()
	l.fails = 0
	l.regTimeout = regTimeoutMin
	if l.lastSent.IsZero() {
		return 0, false
	}
	raw := l.clk.Since(l.lastSent).Microseconds()
	l.lastSent = time.Time{}
	smoothed, publish := l.tracker.update(raw)
	if publish {
		l.store.UpdateLatency(l.host, smoothed)
	}
	return smoothed, publish
}
