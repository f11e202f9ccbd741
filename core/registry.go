package core

import (
	"time"

	"github.com/peersend/overlay/state"
)

// Registry is the single source of truth for which peers exist and how
// to reach them. All mutations run on the main loop; readers consume the
// atomically published snapshot.
type Registry struct{}

func (r *Registry) Init(s *state.State) error {
	s.Log.Debug("init registry")

	// seed records from the central config
	for _, peer := range s.CentralCfg.Peers {
		id := peer.Id()
		if id == s.Id() {
			continue
		}
		rec := s.EnsurePeer(id)
		for _, ap := range peer.Endpoints {
			rec.AddEndpoint(state.Endpoint{Kind: state.KindTcp, Ap: ap})
			rec.AddEndpoint(state.Endpoint{Kind: state.KindUdp, Ap: ap})
		}
	}
	r.publish(s)

	s.Env.RepeatTask(retrySweep, state.RetrySweepDelay)
	s.Env.RepeatTask(evictSweep, state.EvictSweepDelay)
	return nil
}

func (r *Registry) Cleanup(s *state.State) error {
	for _, rec := range s.Peers {
		if rec.Tunnel != nil {
			rec.Tunnel.Close()
		}
	}
	return nil
}

func (r *Registry) publish(s *state.State) {
	now := s.Clock.Now()
	snap := &state.RegistrySnapshot{
		Self:  s.Id(),
		Taken: now,
		Peers: make(map[state.PeerId]state.PeerView, len(s.Peers)),
	}
	for id, rec := range s.Peers {
		v := state.PeerView{
			Id:        id,
			Endpoints: append([]state.Endpoint(nil), rec.Endpoints...),
			Liveness:  rec.Liveness,
			LastSeen:  rec.LastSeen,
			Cost:      rec.Cost(now),
		}
		if rec.Tunnel != nil {
			v.Tunnel = rec.Tunnel
			v.Kind = rec.Tunnel.Kind()
		}
		if rec.Metric != nil {
			v.Rtt = rec.Metric.FilteredRtt()
		}
		snap.Peers[id] = v
	}
	s.PublishRegistry(snap)
}

// UpsertCandidate merges a newly learned address into a peer record,
// creating the record if absent. Unknown identities are ignored, the
// trusted set is closed.
func (r *Registry) UpsertCandidate(s *state.State, id state.PeerId, ep state.Endpoint) bool {
	if id == s.Id() {
		return false
	}
	if _, ok := s.Trusted[id]; !ok {
		s.Log.Debug("ignoring candidate endpoint for untrusted peer", "peer", id.Short())
		return false
	}
	rec := s.EnsurePeer(id)
	if !rec.AddEndpoint(ep) {
		return false
	}
	s.Log.Debug("learned candidate endpoint", "peer", s.DisplayName(id), "ep", ep.Ap, "kind", ep.Kind)
	r.publish(s)
	return true
}

// MarkReachable transfers ownership of an established tunnel into the
// registry. When a tunnel already exists the better of the two is kept;
// the loser is closed.
func (r *Registry) MarkReachable(s *state.State, t state.Tunnel) {
	id := t.Peer()
	if _, ok := s.Trusted[id]; !ok || id == s.Id() {
		t.Close()
		return
	}
	rec := s.EnsurePeer(id)
	if rec.Tunnel != nil && rec.Tunnel.State() == state.Established {
		if !betterTunnel(s.Id(), t, rec.Tunnel) {
			s.Log.Debug("dropping redundant tunnel", "peer", s.DisplayName(id), "kind", t.Kind())
			t.Close()
			return
		}
		old := rec.Tunnel
		rec.Tunnel = nil
		old.Close()
	}
	rec.Tunnel = t
	rec.Liveness = state.LivenessReachable
	rec.LastSeen = s.Clock.Now()
	rec.Attempts = 0
	rec.NextRetry = time.Time{}
	rec.Metric.Renew(s.Clock.Now())
	s.Log.Info("peer reachable", "peer", s.DisplayName(id), "kind", t.Kind(), "remote", t.RemoteAddr())

	// learn the remote address as a future candidate
	if t.Kind() != state.KindRelay && t.RemoteAddr().IsValid() {
		rec.AddEndpoint(state.Endpoint{Kind: t.Kind(), Ap: t.RemoteAddr()})
	}

	r.publish(s)
	Get[*Links](s).startReadLoop(s, t)
	Get[*Router](s).OnTopologyChange(s)
}

// betterTunnel prefers direct transports over relayed ones. Within the
// same class both ends keep the tunnel dialed by the lexicographically
// smaller identity, so a simultaneous dial converges on one tunnel
// instead of each side closing the other's. Between two tunnels of the
// same class and direction the incumbent wins to keep churn down.
func betterTunnel(self state.PeerId, candidate, incumbent state.Tunnel) bool {
	cc, ic := candidate.Kind().BaseCost(), incumbent.Kind().BaseCost()
	if cc != ic {
		return cc < ic
	}
	if candidate.Initiator() == incumbent.Initiator() {
		return false
	}
	wantInitiator := self < candidate.Peer()
	return candidate.Initiator() == wantInitiator
}

// MarkUnreachable records that every connect strategy failed. The record
// stays around, the peer may come back.
func (r *Registry) MarkUnreachable(s *state.State, id state.PeerId) {
	rec := s.GetPeer(id)
	if rec == nil {
		return
	}
	rec.Liveness = state.LivenessUnreachable
	rec.Attempts++
	rec.NextRetry = s.Clock.Now().Add(retryBackoff(rec.Attempts))
	s.Log.Debug("peer unreachable", "peer", s.DisplayName(id), "attempts", rec.Attempts, "next_retry", rec.NextRetry)
	r.publish(s)
}

func retryBackoff(attempts int) time.Duration {
	d := state.RetryBaseDelay
	for i := 1; i < attempts && d < state.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, state.RetryMaxDelay)
}

// TunnelClosed detaches a dead tunnel from its record and lets routing
// react. Relayed sessions riding the dead tunnel die with it.
func (r *Registry) TunnelClosed(s *state.State, t state.Tunnel) {
	t.Close()
	Get[*Links](s).relays.DropHost(t)
	id := t.Peer()
	rec := s.GetPeer(id)
	if rec == nil || rec.Tunnel != t {
		return
	}
	rec.Tunnel = nil
	rec.Liveness = state.LivenessUnknown
	rec.NextRetry = s.Clock.Now().Add(state.RetrySweepDelay)
	s.Log.Info("lost tunnel", "peer", s.DisplayName(id), "kind", t.Kind())
	r.publish(s)
	Get[*Router](s).OnTopologyChange(s)
}

// Evict removes a record that has no tunnel and no routing reference.
// Outstanding connector attempts for it are cancelled.
func (r *Registry) Evict(s *state.State, id state.PeerId) {
	rec := s.GetPeer(id)
	if rec == nil {
		return
	}
	if rec.Tunnel != nil {
		return
	}
	if referencedByRouting(s, id) {
		return
	}
	Get[*Connector](s).CancelAttempt(id)
	delete(s.Peers, id)
	s.Log.Info("evicted peer", "peer", s.DisplayName(id))
	r.publish(s)
}

// referencedByRouting reports whether id is still a forwarding next hop
// or present in the link-state database.
func referencedByRouting(s *state.State, id state.PeerId) bool {
	if _, ok := s.Table().NextHops()[id]; ok {
		return true
	}
	if s.Router.Latest(id) != nil {
		return true
	}
	for _, origin := range s.Router.Origins() {
		lsa := s.Router.Latest(origin)
		if lsa == nil {
			continue
		}
		for _, n := range lsa.Neighbours {
			if n.Id == id {
				return true
			}
		}
	}
	return false
}

// retrySweep requests reconnects for peers whose backoff expired. A
// single sweep advances every record, there is no per-peer timer.
func retrySweep(s *state.State) error {
	now := s.Clock.Now()
	c := Get[*Connector](s)
	for id, rec := range s.Peers {
		if rec.Tunnel != nil && rec.Tunnel.State() == state.Established {
			continue
		}
		if len(rec.Endpoints) == 0 {
			continue
		}
		if rec.NextRetry.After(now) {
			continue
		}
		// push the horizon so one slow attempt does not stack requests
		rec.NextRetry = now.Add(state.RetryBaseDelay)
		c.Request(s, id)
	}
	return nil
}

// evictSweep drops records unreachable past the liveness timeout.
// Peers reachable via multi-hop routing keep their records: eviction
// requires the absence of any routing reference, not just of a direct
// tunnel.
func evictSweep(s *state.State) error {
	r := Get[*Registry](s)
	now := s.Clock.Now()
	for id, rec := range s.Peers {
		if rec.Tunnel != nil {
			continue
		}
		if rec.LastSeen.IsZero() || now.Sub(rec.LastSeen) < s.LocalCfg.Liveness() {
			continue
		}
		r.Evict(s, id)
	}
	return nil
}
