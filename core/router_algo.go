package core

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/peersend/overlay/state"
)

type RouterEvent int

// trace events

const (
	LsaAccepted RouterEvent = iota
	LsaIgnored
	LsaOriginated
	StaleLsaDropped
)

// warn events

const (
	InconsistentState RouterEvent = iota + 1000
	NoTunnelToNextHop
)

// RouterOps is the interface the link-state algorithm drives. The
// production implementation floods over tunnels; tests record actions.
type RouterOps interface {
	// FloodLsa forwards the advertisement to every established
	// neighbour except the one it arrived from.
	FloodLsa(except state.PeerId, lsa *state.Lsa)
	Log(event RouterEvent, args ...any)
}

// HandleLsa applies a received advertisement to the database. Only a
// strictly larger sequence number replaces a stored advertisement, so
// floods terminate and stale copies bouncing around the mesh are shed.
// Returns true when the database changed.
func HandleLsa(rs *state.RouterState, r RouterOps, from state.PeerId, lsa *state.Lsa) bool {
	if lsa.Origin == rs.Id {
		// our own advertisement reflected back
		return false
	}
	if cur := rs.Latest(lsa.Origin); cur != nil && lsa.Seqno <= cur.Seqno {
		r.Log(LsaIgnored, "ignoring stale advertisement", "origin", lsa.Origin, "seqno", lsa.Seqno, "have", cur.Seqno)
		return false
	}
	rs.Db.Set(lsa.Origin, lsa, ttlcache.DefaultTTL)
	r.Log(LsaAccepted, "accepted advertisement", "origin", lsa.Origin, "seqno", lsa.Seqno, "neighbours", len(lsa.Neighbours))
	r.FloodLsa(from, lsa)
	return true
}

// Originate builds this node's advertisement from its established
// neighbours and floods it. When force is false the advertisement is
// suppressed if no neighbour cost moved beyond the hysteresis band
// since the last one, which keeps jittery links from churning the mesh.
// Returns true when an advertisement went out.
func Originate(rs *state.RouterState, r RouterOps, reg *state.RegistrySnapshot, now time.Time, hysteresis uint32, force bool) bool {
	neighbours := make([]state.NeighbourCost, 0)
	costs := make(map[state.PeerId]uint32)
	for _, id := range reg.Neighbours() {
		cost := reg.Peers[id].Cost
		if cost == state.INF {
			continue
		}
		neighbours = append(neighbours, state.NeighbourCost{Id: id, Cost: cost})
		costs[id] = cost
	}

	if !force && !advertisementChanged(rs.Advertised, costs, hysteresis) {
		return false
	}

	rs.SelfSeqno++
	rs.Advertised = costs
	lsa := &state.Lsa{
		Origin:     rs.Id,
		Seqno:      rs.SelfSeqno,
		Neighbours: neighbours,
		Created:    now,
	}
	rs.Db.Set(rs.Id, lsa, ttlcache.DefaultTTL)
	r.Log(LsaOriginated, "originated advertisement", "seqno", lsa.Seqno, "neighbours", len(neighbours))
	r.FloodLsa(rs.Id, lsa)
	return true
}

func advertisementChanged(old, cur map[state.PeerId]uint32, hysteresis uint32) bool {
	if len(old) != len(cur) {
		return true
	}
	for id, c := range cur {
		oc, ok := old[id]
		if !ok || state.CostChanged(oc, c, hysteresis) {
			return true
		}
	}
	return false
}

// ComputeTable runs shortest-path over the advertisement database and
// produces the next forwarding table. Every edge pays HopCost on top of
// its advertised cost, so longer paths never tie with shorter ones over
// zero-cost links. Destinations whose first hop has
// no live tunnel are dropped rather than published, so the data path
// never selects a next hop it cannot reach; that state is transient
// while advertisements race tunnel teardown, but it is logged because a
// persistent gap means the mesh disagrees about adjacency.
func ComputeTable(rs *state.RouterState, r RouterOps, reg *state.RegistrySnapshot, generation uint64) *state.ForwardingTable {
	self := rs.Id

	// adjacency comes entirely from the database, our own stored
	// advertisement included. Links are treated as directed: each origin
	// speaks only for its own edges. The live registry is consulted only
	// to validate first hops below.
	adj := make(map[state.PeerId][]state.NeighbourCost)
	adverts := make([]state.AdvertSummary, 0)
	for _, origin := range rs.Origins() {
		lsa := rs.Latest(origin)
		if lsa == nil {
			continue
		}
		adj[origin] = lsa.Neighbours
		adverts = append(adverts, state.AdvertSummary{
			Origin:     origin,
			Seqno:      lsa.Seqno,
			Neighbours: len(lsa.Neighbours),
		})
	}

	dist := map[state.PeerId]uint32{self: 0}
	firstHop := make(map[state.PeerId]state.PeerId)
	visited := make(map[state.PeerId]bool)

	for {
		cur, ok := nextUnvisited(dist, visited)
		if !ok {
			break
		}
		visited[cur] = true
		for _, edge := range adj[cur] {
			nd := AddCost(dist[cur], AddCost(edge.Cost, state.HopCost))
			hop := firstHop[cur]
			if cur == self {
				hop = edge.Id
			}
			old, seen := dist[edge.Id]
			if !seen || nd < old || (nd == old && comparePeers(hop, firstHop[edge.Id]) < 0) {
				dist[edge.Id] = nd
				firstHop[edge.Id] = hop
			}
		}
	}

	table := &state.ForwardingTable{
		Generation: generation,
		Entries:    make(map[state.PeerId]state.ForwardingEntry),
		Adverts:    adverts,
	}
	for dest, cost := range dist {
		if dest == self || cost == state.INF {
			continue
		}
		hop := firstHop[dest]
		if reg.TunnelTo(hop) == nil {
			r.Log(NoTunnelToNextHop, "dropping route without live next hop", "dest", dest, "hop", hop)
			continue
		}
		table.Entries[dest] = state.ForwardingEntry{
			Dest:       dest,
			NextHop:    hop,
			Cost:       cost,
			Generation: generation,
		}
	}
	return table
}

// nextUnvisited picks the cheapest unvisited node, breaking cost ties
// by identity so the traversal order is deterministic.
func nextUnvisited(dist map[state.PeerId]uint32, visited map[state.PeerId]bool) (state.PeerId, bool) {
	var best state.PeerId
	bestCost := state.INF
	found := false
	for id, d := range dist {
		if visited[id] {
			continue
		}
		if !found || d < bestCost || (d == bestCost && id < best) {
			best, bestCost, found = id, d, true
		}
	}
	return best, found
}

func comparePeers(a, b state.PeerId) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// RunGC drops advertisements past their maximum age. Expiry is handled
// by the cache; this surfaces the drops and reports whether a recompute
// is warranted.
func RunGC(rs *state.RouterState, r RouterOps) bool {
	before := rs.Db.Len()
	rs.Db.DeleteExpired()
	dropped := before - rs.Db.Len()
	if dropped > 0 {
		r.Log(StaleLsaDropped, "expired advertisements dropped", "count", dropped)
	}
	return dropped > 0
}
