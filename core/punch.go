package core

import (
	"context"
	"crypto/rand"
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/peersend/overlay/state"
	"github.com/peersend/overlay/tunnel"
	"github.com/peersend/overlay/wire"
)

// Coordinated UDP hole punch. Both ends learn each other's externally
// observed endpoints through a rendezvous neighbour, then fire probe
// packets at each other so their NATs open matching bindings. Once a
// probe lands, the side with the lexicographically smaller identity
// dials a normal UDP tunnel through the punched path; the nonce ties
// probes to one coordination round and rejects stale attempts.

type punchSession struct {
	nonce [16]byte
	peer  state.PeerId
	// addresses our socket saw probes with this nonce arrive from
	hits chan netip.AddrPort
	// endpoints from the peer's PunchResponse
	resp   chan []netip.AddrPort
	cancel context.CancelFunc
}

func newNonce() [16]byte {
	var n [16]byte
	if _, err := rand.Read(n[:]); err != nil {
		panic(err)
	}
	return n
}

func (c *Connector) registerPunch(ps *punchSession) {
	c.mu.Lock()
	c.punches[ps.nonce] = ps
	c.mu.Unlock()
}

func (c *Connector) unregisterPunch(ps *punchSession) {
	c.mu.Lock()
	if c.punches[ps.nonce] == ps {
		delete(c.punches, ps.nonce)
	}
	c.mu.Unlock()
}

// punchObserved routes an inbound probe to the session that owns its
// nonce. Probes for unknown nonces are stale and dropped.
func (c *Connector) punchObserved(s *state.State, pp tunnel.PunchPacket) {
	c.mu.Lock()
	ps, ok := c.punches[pp.Nonce]
	c.mu.Unlock()
	if !ok {
		s.Log.Debug("dropping punch probe with unknown nonce", "from", pp.From)
		return
	}
	select {
	case ps.hits <- pp.From:
	default:
	}
}

// punchStrategy runs the initiator side of a coordination round.
func (c *Connector) punchStrategy(ctx context.Context, e *state.Env, in *connectInput) (state.Tunnel, error) {
	if len(in.vias) == 0 {
		return nil, tunnel.ErrUnreachable
	}
	via := in.vias[0]

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ps := &punchSession{
		nonce:  newNonce(),
		peer:   in.peer,
		hits:   make(chan netip.AddrPort, 8),
		resp:   make(chan []netip.AddrPort, 1),
		cancel: cancel,
	}
	c.registerPunch(ps)
	defer c.unregisterPunch(ps)

	frame, err := wire.Encode(&wire.PunchRequest{
		Target:    in.peer,
		From:      e.Id(),
		Nonce:     ps.nonce[:],
		Endpoints: in.observed,
	})
	if err != nil {
		return nil, err
	}
	if err := via.Send(frame); err != nil {
		return nil, err
	}

	var remoteEps []netip.AddrPort
	select {
	case remoteEps = <-ps.resp:
	case <-ctx.Done():
		return nil, tunnel.ErrTimeout
	}

	go punchProbes(ctx, in.udp, remoteEps, ps.nonce, in.punchMax)

	return c.awaitPunched(ctx, e, in, ps)
}

// awaitPunched completes the round after probes are in flight. The
// designated dialer opens the tunnel through whichever address a probe
// arrived from; the other side waits for the inbound handshake to show
// up in the registry.
func (c *Connector) awaitPunched(ctx context.Context, e *state.Env, in *connectInput, ps *punchSession) (state.Tunnel, error) {
	dialer := e.Id() < in.peer
	check := time.NewTicker(time.Millisecond * 250)
	defer check.Stop()
	for {
		select {
		case addr := <-ps.hits:
			if !dialer {
				continue
			}
			t, err := in.udp.DialUdp(ctx, in.peer, in.pub, addr, state.HandshakeTimeout)
			if err == nil {
				return t, nil
			}
			e.Log.Debug("punched path did not handshake", "peer", in.peer.Short(), "addr", addr, "err", err)
		case <-check.C:
			if t := e.Registry().TunnelTo(in.peer); t != nil {
				// the other side dialed us through the punched path
				return nil, tunnel.ErrCancelled
			}
		case <-ctx.Done():
			return nil, tunnel.ErrTimeout
		}
	}
}

// punchProbes fires nonce-tagged probes at every candidate endpoint,
// backing off exponentially up to the configured attempt count.
func punchProbes(ctx context.Context, udp *tunnel.UdpMux, eps []netip.AddrPort, nonce [16]byte, maxAttempts int) {
	delay := state.PunchBaseDelay
	for attempt := 0; attempt < maxAttempts; attempt++ {
		for _, ep := range eps {
			if !ep.IsValid() {
				continue
			}
			_ = udp.SendPunch(ep, nonce)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay = min(delay*2, state.PunchMaxDelay)
	}
}

// handlePunchRequest runs the responder side: answer with our observed
// endpoints and start probing towards the requester. Duplicate requests
// for a recently seen nonce are ignored.
func (c *Connector) handlePunchRequest(s *state.State, via state.PeerId, m *wire.PunchRequest) {
	if len(m.Nonce) != 16 {
		return
	}
	if _, ok := s.Trusted[m.From]; !ok {
		s.Log.Debug("punch request from untrusted peer", "from", m.From.Short())
		return
	}
	var nonce [16]byte
	copy(nonce[:], m.Nonce)
	if c.seenNonce(s, nonce) {
		return
	}

	back := s.Registry().TunnelTo(via)
	if back == nil {
		return
	}
	links := Get[*Links](s)
	frame, err := wire.Encode(&wire.PunchResponse{
		Target:    m.From,
		From:      s.Id(),
		Nonce:     m.Nonce,
		Endpoints: links.ObservedEndpoints(),
	})
	if err != nil {
		return
	}
	if err := back.Send(frame); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.Context, state.PunchTimeout)
	ps := &punchSession{
		nonce:  nonce,
		peer:   m.From,
		hits:   make(chan netip.AddrPort, 8),
		resp:   make(chan []netip.AddrPort, 1),
		cancel: cancel,
	}
	c.registerPunch(ps)
	go punchProbes(ctx, links.udp, m.Endpoints, nonce, s.LocalCfg.MaxPunchAttempts())
	go c.respondPunched(ctx, s.Env, ps, links)
}

// respondPunched handles probe hits on the responder side: when this
// node is the designated dialer it opens the tunnel back through the
// punched address.
func (c *Connector) respondPunched(ctx context.Context, e *state.Env, ps *punchSession, links *Links) {
	defer c.unregisterPunch(ps)
	defer ps.cancel()
	dialer := e.Id() < ps.peer
	pub, ok := e.Trusted[ps.peer]
	if !ok {
		return
	}
	for {
		select {
		case addr := <-ps.hits:
			if !dialer {
				continue
			}
			if e.Registry().TunnelTo(ps.peer) != nil {
				return
			}
			t, err := links.udp.DialUdp(ctx, ps.peer, pub, addr, state.HandshakeTimeout)
			if err != nil {
				continue
			}
			e.Dispatch(func(s *state.State) error {
				Get[*Registry](s).MarkReachable(s, t)
				return nil
			})
			return
		case <-ctx.Done():
			return
		}
	}
}

// handlePunchResponse feeds the responder's endpoints back into the
// waiting initiator session.
func (c *Connector) handlePunchResponse(s *state.State, via state.PeerId, m *wire.PunchResponse) {
	if len(m.Nonce) != 16 {
		return
	}
	var nonce [16]byte
	copy(nonce[:], m.Nonce)
	c.mu.Lock()
	ps, ok := c.punches[nonce]
	c.mu.Unlock()
	if !ok || ps.peer != m.From {
		s.Log.Debug("dropping stale punch response", "from", m.From.Short())
		return
	}
	select {
	case ps.resp <- m.Endpoints:
	default:
	}
}

// seenNonce tracks recently handled punch nonces so replayed or
// duplicated coordination messages start at most one responder session.
func (c *Connector) seenNonce(s *state.State, nonce [16]byte) bool {
	c.nonceSeen.DeleteExpired()
	if c.nonceSeen.Has(nonce) {
		return true
	}
	c.nonceSeen.Set(nonce, struct{}{}, ttlcache.DefaultTTL)
	return false
}
