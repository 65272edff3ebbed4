package rendezvous

import (
	"fmt"
	"slices"
	"time"

	"github.com/saintparish4/vega/internal/transport"
	"github.com/saintparish4/vega/pkg/netutil"
	"github.com/saintparish4/vega/pkg/protocol"
)

// QueryOnlineStates batch-checks the liveness of a list of peer ids against
// the online-status service next to the first rendezvous server (its port
// minus one) and partitions the ids into online and offline.
//
// Reachability failures fail open: when the service cannot be reached or the
// query cannot be sent, every id is reported offline with no error rather
// than blocking the caller. A malformed or wrong-variant reply is retried
// until timeout (default 3s), then surfaces as an error. When the engine is
// shutting down mid-query, the result is empty and nil — not an error and not
// a statement about the peers.
func (s *Service) QueryOnlineStates(ids []string, timeout time.Duration) (onlines, offlines []string, err error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	if timeout <= 0 {
		timeout = onlineQueryTimeout
	}
	deadline := s.clk.Now().Add(timeout)
	msg, err := protocol.New(protocol.KindOnlineRequest, &protocol.OnlineRequest{
		ID:    s.store.ID(),
		Peers: ids,
	})
	if err != nil {
		return nil, nil, err
	}
	target, err := s.onlineTarget()
	if err != nil {
		return nil, nil, err
	}

	for {
		if s.flags.ShouldExit() {
			return nil, nil, nil
		}
		states, sendFailed := s.queryOnce(target, msg)
		if sendFailed {
			return nil, slices.Clone(ids), nil
		}
		if states != nil {
			on, off, derr := decodeOnlineStates(ids, states)
			if derr == nil {
				return on, off, nil
			}
			s.logger.Debug("malformed online-status reply", "target", target, "err", derr)
		}
		if !s.clk.Now().Before(deadline) {
			return nil, nil, fmt.Errorf("online-status query timed out after %v", timeout)
		}
		s.clk.Sleep(onlineRetryDelay)
	}
}

// queryOnce performs one connect/send/receive exchange. sendFailed marks the
// fail-open path; a nil bitmap with sendFailed false means "retry".
func (s *Service) queryOnce(target string, msg *protocol.Message) (states []byte, sendFailed bool) {
	stream, err := transport.DialTCP(target, connectTimeout)
	if err != nil {
		s.logger.Debug("online-status server unreachable", "target", target, "err", err)
		return nil, true
	}
	defer stream.Close()
	if err := stream.Send(msg); err != nil {
		s.logger.Debug("failed to send online-status query", "target", target, "err", err)
		return nil, true
	}
	stream.SetReadDeadline(time.Now().Add(onlineQueryTimeout))
	for {
		data, err := stream.ReadFrame()
		if err != nil {
			return nil, false
		}
		if len(data) == 0 {
			continue // heartbeat
		}
		m, err := protocol.Unmarshal(data)
		if err != nil {
			return nil, false
		}
		u, err := m.Union()
		if err != nil {
			return nil, false
		}
		if or, ok := u.(*protocol.OnlineResponse); ok {
			return or.States, false
		}
		return nil, false // wrong variant, retry from scratch
	}
}

// onlineTarget derives the online-status address from the first configured
// rendezvous server.
func (s *Service) onlineTarget() (string, error) {
	servers := s.store.RendezvousServers()
	if len(servers) == 0 {
		return "", fmt.Errorf("no rendezvous servers configured")
	}
	_, bare := netutil.SplitScheme(servers[0])
	host := netutil.CheckPort(bare, RendezvousPort)
	return netutil.IncreasePort(host, RendezvousPort, -1), nil
}

// decodeOnlineStates partitions ids by the bit-packed presence vector: bit i,
// most-significant-bit first within each byte, mirrors ids[i]. A vector too
// short for the id list is a protocol error.
func decodeOnlineStates(ids []string, states []byte) (onlines, offlines []string, err error) {
	if len(states) < (len(ids)+7)/8 {
		return nil, nil, fmt.Errorf("presence bitmap too short: %d bytes for %d ids", len(states), len(ids))
	}
	for i, id := range ids {
		bit := byte(1) << (7 - i%8)
		if states[i/8]&bit != 0 {
			onlines = append(onlines, id)
		} else {
			offlines = append(offlines, id)
		}
	}
	return onlines, offlines, nil
}
