package state

import (
	"net/netip"
	"slices"
	"time"
)

type Liveness int

const (
	LivenessUnknown Liveness = iota
	LivenessReachable
	LivenessUnreachable
)

func (l Liveness) String() string {
	switch l {
	case LivenessReachable:
		return "reachable"
	case LivenessUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// Endpoint is a candidate address a peer might be reachable at.
type Endpoint struct {
	Kind TransportKind
	Ap   netip.AddrPort
}

// PeerRecord tracks everything the node knows about one peer.
// Records are owned by the registry and mutated only on the main loop.
type PeerRecord struct {
	Id        PeerId
	Endpoints []Endpoint
	Liveness  Liveness
	LastSeen  time.Time

	// active direct tunnel, nil when not directly connected
	Tunnel Tunnel
	Metric *LinkMetric

	// background reconnect bookkeeping, advanced by the retry sweep
	NextRetry time.Time
	Attempts  int
}

func (p *PeerRecord) AddEndpoint(ep Endpoint) bool {
	if slices.Contains(p.Endpoints, ep) {
		return false
	}
	p.Endpoints = append(p.Endpoints, ep)
	return true
}

// Cost is the current link cost to this peer, INF when the link is down.
func (p *PeerRecord) Cost(now time.Time) uint32 {
	if p.Tunnel == nil || p.Tunnel.State() != Established || p.Metric == nil {
		return INF
	}
	return p.Metric.Cost(now, p.Tunnel.Kind())
}

// PeerView is the immutable per-peer projection used by snapshots.
type PeerView struct {
	Id        PeerId
	Endpoints []Endpoint
	Liveness  Liveness
	LastSeen  time.Time
	Tunnel    Tunnel
	Kind      TransportKind
	Rtt       time.Duration
	Cost      uint32
}

// RegistrySnapshot is a consistent read-only view of the registry,
// republished after every mutation and read without locking.
type RegistrySnapshot struct {
	Self  PeerId
	Taken time.Time
	Peers map[PeerId]PeerView
}

func (s *RegistrySnapshot) Neighbours() []PeerId {
	out := make([]PeerId, 0)
	for id, p := range s.Peers {
		if p.Tunnel != nil && p.Tunnel.State() == Established {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (s *RegistrySnapshot) TunnelTo(id PeerId) Tunnel {
	p, ok := s.Peers[id]
	if !ok || p.Tunnel == nil || p.Tunnel.State() != Established {
		return nil
	}
	return p.Tunnel
}
