package core

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/peersend/overlay/state"
	"github.com/peersend/overlay/tunnel"
	"github.com/peersend/overlay/wire"
)

// Links owns the transport listeners and every active tunnel's read
// loop. Inbound control messages are dispatched onto the main loop;
// data frames are delivered to the local consumer or forwarded along
// the published table, never touching the loop.
type Links struct {
	tcp    *tunnel.TcpListener
	udp    *tunnel.UdpMux
	relays *tunnel.RelayMux

	// opaque data-plane frames, consumed by whatever rides the overlay
	Inbound chan state.Pair[state.PeerId, []byte]

	// public addresses this node has been observed at by its peers
	observed map[netip.AddrPort]struct{}
}

func (l *Links) Init(s *state.State) error {
	s.Log.Debug("init links")
	l.Inbound = make(chan state.Pair[state.PeerId, []byte], 256)
	l.observed = make(map[netip.AddrPort]struct{})

	auth := func(pub state.OvPublicKey) (state.PeerId, bool) {
		id := state.IdFromKey(pub)
		known, ok := s.Trusted[id]
		return id, ok && known == pub && id != s.Id()
	}

	var err error
	l.tcp, err = tunnel.ListenTcp(s.Context, s.LocalCfg.Key, auth, s.LocalCfg.ListenPort(), s.Log)
	if err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}
	l.udp, err = tunnel.NewUdpMux(s.Context, s.LocalCfg.Key, auth, s.LocalCfg.ListenPort(), s.Log)
	if err != nil {
		l.tcp.Close()
		return fmt.Errorf("udp listen: %w", err)
	}
	l.relays = tunnel.NewRelayMux(s.Id(), s.LocalCfg.Key, auth, s.Log)

	go l.acceptLoop(s.Env, l.tcp.Tunnels)
	go l.acceptLoop(s.Env, l.udp.Tunnels)
	go l.acceptLoop(s.Env, l.relays.Tunnels)
	go l.punchLoop(s.Env)

	s.Env.RepeatTask(probeLinks, state.ProbeDelay)
	return nil
}

func (l *Links) Cleanup(s *state.State) error {
	if l.tcp != nil {
		l.tcp.Close()
	}
	if l.udp != nil {
		l.udp.Close()
	}
	return nil
}

// acceptLoop hands responder-established tunnels to the registry.
func (l *Links) acceptLoop(e *state.Env, ch <-chan state.Tunnel) {
	for {
		select {
		case t := <-ch:
			e.Dispatch(func(s *state.State) error {
				Get[*Registry](s).MarkReachable(s, t)
				return nil
			})
		case <-e.Context.Done():
			return
		}
	}
}

func (l *Links) punchLoop(e *state.Env) {
	for {
		select {
		case pp := <-l.udp.Punches:
			e.Dispatch(func(s *state.State) error {
				Get[*Connector](s).punchObserved(s, pp)
				return nil
			})
		case <-e.Context.Done():
			return
		}
	}
}

// startReadLoop runs the per-tunnel receive pump. It exits when the
// tunnel dies and reports the loss to the registry.
func (l *Links) startReadLoop(s *state.State, t state.Tunnel) {
	e := s.Env
	go func() {
		defer e.Dispatch(func(s *state.State) error {
			Get[*Registry](s).TunnelClosed(s, t)
			return nil
		})
		l.sendHello(e, t)
		for e.Context.Err() == nil {
			frame, err := t.Recv()
			if err != nil {
				return
			}
			msg, err := wire.Decode(frame)
			if err != nil {
				e.Log.Debug("dropping malformed frame", "peer", t.Peer().Short(), "err", err)
				continue
			}
			l.handleMsg(e, t, msg)
		}
	}()
}

func (l *Links) sendHello(e *state.Env, t state.Tunnel) {
	frame, err := wire.Encode(&wire.Hello{
		Observed:   t.RemoteAddr(),
		ListenPort: e.LocalCfg.ListenPort(),
	})
	if err == nil {
		_ = t.Send(frame)
	}
}

// handleMsg runs on the tunnel's read goroutine. Cheap stateless replies
// go straight back out; anything touching State is dispatched.
func (l *Links) handleMsg(e *state.Env, t state.Tunnel, msg wire.Msg) {
	from := t.Peer()
	switch m := msg.(type) {
	case wire.Data:
		if m.Dst == e.Id() {
			select {
			case l.Inbound <- state.Pair[state.PeerId, []byte]{V1: m.Src, V2: m.Payload}:
			default:
				// consumer is not keeping up
			}
		} else {
			l.forwardData(e, from, m)
		}
	case *wire.Ping:
		frame, err := wire.Encode(&wire.Pong{Token: m.Token})
		if err == nil {
			_ = t.Send(frame)
		}
	case *wire.Pong:
		e.Dispatch(func(s *state.State) error {
			handlePong(s, from, m)
			return nil
		})
	case *wire.Hello:
		e.Dispatch(func(s *state.State) error {
			l.handleHello(s, from, t, m)
			return nil
		})
	case *wire.LsaMsg:
		e.Dispatch(func(s *state.State) error {
			Get[*Router](s).HandleLsaFrom(s, from, m.Lsa)
			return nil
		})
	case *wire.PunchRequest:
		if m.Target == e.Id() {
			e.Dispatch(func(s *state.State) error {
				Get[*Connector](s).handlePunchRequest(s, from, m)
				return nil
			})
		} else {
			l.forwardPunch(e, m.Target, msg)
		}
	case *wire.PunchResponse:
		if m.Target == e.Id() {
			e.Dispatch(func(s *state.State) error {
				Get[*Connector](s).handlePunchResponse(s, from, m)
				return nil
			})
		} else {
			l.forwardPunch(e, m.Target, msg)
		}
	case *wire.RelayData:
		if m.Dst == e.Id() {
			l.relays.Deliver(e.Context, t, m.Src, m.Payload)
		} else {
			l.forwardRelay(e, from, m)
		}
	}
}

// forwardData moves a routed frame one hop along the forwarding table.
// Runs on the arrival tunnel's read goroutine, off published snapshots.
func (l *Links) forwardData(e *state.Env, from state.PeerId, m wire.Data) {
	if m.Ttl == 0 {
		e.Log.Debug("dropping expired frame", "src", m.Src.Short(), "dst", m.Dst.Short())
		return
	}
	m.Ttl--
	entry, ok := e.Table().Lookup(m.Dst)
	if !ok || entry.NextHop == from {
		e.Log.Debug("dropping frame without forward route", "dst", m.Dst.Short(), "from", from.Short())
		return
	}
	t := e.Registry().TunnelTo(entry.NextHop)
	if t == nil {
		e.Log.Debug("dropping frame, next hop not connected", "dst", m.Dst.Short(), "hop", entry.NextHop.Short())
		return
	}
	frame, err := wire.Encode(m)
	if err == nil {
		_ = t.Send(frame)
	}
}

// forwardPunch passes hole-punch coordination to a directly connected
// target; this node acts as the rendezvous.
func (l *Links) forwardPunch(e *state.Env, target state.PeerId, msg wire.Msg) {
	dst := e.Registry().TunnelTo(target)
	if dst == nil {
		e.Log.Debug("cannot forward punch coordination, target not connected", "target", target.Short())
		return
	}
	frame, err := wire.Encode(msg)
	if err == nil {
		_ = dst.Send(frame)
	}
}

// forwardRelay forwards one relayed frame by overlay identity. Only
// frames from or towards a direct neighbour are carried; the relay does
// not terminate or inspect the payload.
func (l *Links) forwardRelay(e *state.Env, from state.PeerId, m *wire.RelayData) {
	if m.Src != from {
		e.Log.Warn("relay frame with forged source", "from", from.Short(), "claimed", m.Src.Short())
		return
	}
	dst := e.Registry().TunnelTo(m.Dst)
	if dst == nil {
		e.Log.Debug("cannot relay, destination not connected", "dst", m.Dst.Short())
		return
	}
	frame, err := wire.Encode(m)
	if err == nil {
		_ = dst.Send(frame)
	}
}

func (l *Links) handleHello(s *state.State, from state.PeerId, t state.Tunnel, m *wire.Hello) {
	if m.Observed.IsValid() {
		l.observed[m.Observed] = struct{}{}
	}
	// the remote's listen port with the address we already see it at is
	// a dial candidate for both direct transports
	if t.Kind() != state.KindRelay && t.RemoteAddr().IsValid() && m.ListenPort != 0 {
		ap := netip.AddrPortFrom(t.RemoteAddr().Addr(), m.ListenPort)
		reg := Get[*Registry](s)
		reg.UpsertCandidate(s, from, state.Endpoint{Kind: state.KindTcp, Ap: ap})
		reg.UpsertCandidate(s, from, state.Endpoint{Kind: state.KindUdp, Ap: ap})
	}
}

// ObservedEndpoints lists the public addresses peers reported seeing us
// at, plus the local socket address. These are the hole-punch candidates
// we advertise.
func (l *Links) ObservedEndpoints() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(l.observed)+1)
	for ap := range l.observed {
		out = append(out, ap)
	}
	if la := l.udp.LocalAddr(); la.IsValid() {
		out = append(out, la)
	}
	slices.SortFunc(out, func(a, b netip.AddrPort) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		switch {
		case a.Port() < b.Port():
			return -1
		case a.Port() > b.Port():
			return 1
		}
		return 0
	})
	return out
}

func handlePong(s *state.State, from state.PeerId, m *wire.Pong) {
	rec := s.GetPeer(from)
	if rec == nil || rec.Metric == nil {
		return
	}
	sent := int64(m.Token)
	now := s.Clock.Now()
	rtt := now.Sub(time.Unix(0, sent))
	if rtt < 0 {
		return
	}
	old := rec.Cost(now)
	rec.Metric.UpdateRtt(now, rtt)
	rec.LastSeen = now
	newCost := rec.Cost(now)
	Get[*Registry](s).publish(s)
	// re-advertise only when the change is worth flapping routes for
	if state.CostChanged(old, newCost, s.LocalCfg.Hysteresis()) {
		Get[*Router](s).OnTopologyChange(s)
	}
}

// probeLinks pings every established tunnel; replies feed the link
// metric and liveness.
func probeLinks(s *state.State) error {
	now := s.Clock.Now()
	for _, rec := range s.Peers {
		t := rec.Tunnel
		if t == nil || t.State() != state.Established {
			continue
		}
		if rec.Metric != nil && !rec.Metric.IsActive(now) && !rec.LastSeen.IsZero() && now.Sub(rec.LastSeen) > state.LinkDeadThreshold*2 {
			// probe has been dark for too long, consider the link
			// dead; the read loop reports the loss when Recv fails
			t.Close()
			continue
		}
		frame, err := wire.Encode(&wire.Ping{Token: uint64(now.UnixNano())})
		if err != nil {
			return err
		}
		go func(t state.Tunnel) {
			_ = t.Send(frame)
		}(t)
	}
	return nil
}

// RouteTo resolves a destination identity to the tunnel of its next hop.
// This is the data-plane entry point; it reads only published snapshots.
func RouteTo(e *state.Env, dest state.PeerId) (state.Tunnel, error) {
	entry, ok := e.Table().Lookup(dest)
	if !ok {
		return nil, errors.New("no route to destination")
	}
	t := e.Registry().TunnelTo(entry.NextHop)
	if t == nil {
		return nil, errors.New("next hop has no live tunnel")
	}
	return t, nil
}

// SendTo routes one opaque data frame towards dest. The frame carries
// source and destination identities so intermediate hops can forward it
// along their own tables.
func SendTo(e *state.Env, dest state.PeerId, payload []byte) error {
	t, err := RouteTo(e, dest)
	if err != nil {
		return err
	}
	frame, err := wire.Encode(wire.Data{
		Src:     e.Id(),
		Dst:     dest,
		Ttl:     state.MaxForwardHops,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return t.Send(frame)
}
