package state

import (
	"fmt"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// NeighbourCost is one entry of a link-state advertisement.
type NeighbourCost struct {
	Id   PeerId `json:"id"`
	Cost uint32 `json:"cost"`
}

// Lsa is a peer's statement of its current direct neighbours and their
// link costs. Immutable once created; an LSA from the same origin with a
// higher sequence number supersedes it, anything else is discarded.
type Lsa struct {
	Origin     PeerId          `json:"origin"`
	Seqno      uint64          `json:"seqno"`
	Neighbours []NeighbourCost `json:"neighbours"`
	Created    time.Time       `json:"created"`
}

func (l *Lsa) String() string {
	return fmt.Sprintf("lsa(%s seq=%d n=%d)", l.Origin.Short(), l.Seqno, len(l.Neighbours))
}

// ForwardingEntry routes one destination through a directly connected
// next hop.
type ForwardingEntry struct {
	Dest       PeerId
	NextHop    PeerId
	Cost       uint32
	Generation uint64
}

// AdvertSummary is a per-origin digest of the link-state database,
// captured when the table is computed so observers read it without
// touching the main loop.
type AdvertSummary struct {
	Origin     PeerId
	Seqno      uint64
	Neighbours int
}

// ForwardingTable maps destinations to next hops. Tables are regenerated
// whole on every recomputation and published by atomic swap; entries are
// never updated in place.
type ForwardingTable struct {
	Generation uint64
	Entries    map[PeerId]ForwardingEntry
	Adverts    []AdvertSummary
}

func EmptyTable() *ForwardingTable {
	return &ForwardingTable{Entries: make(map[PeerId]ForwardingEntry)}
}

func (t *ForwardingTable) Lookup(dest PeerId) (ForwardingEntry, bool) {
	e, ok := t.Entries[dest]
	return e, ok
}

func (t *ForwardingTable) Dests() []PeerId {
	out := make([]PeerId, 0, len(t.Entries))
	for d := range t.Entries {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

// NextHops returns the set of peers currently used as a first hop.
func (t *ForwardingTable) NextHops() map[PeerId]struct{} {
	out := make(map[PeerId]struct{})
	for _, e := range t.Entries {
		out[e.NextHop] = struct{}{}
	}
	return out
}

// RouterState is the link-state database plus this node's own
// advertisement state. Mutated only by the router on the main loop.
type RouterState struct {
	Id        PeerId
	SelfSeqno uint64

	// latest LSA per origin; entries expire after LsaMaxAge so state from
	// partitioned-away peers is bounded
	Db *ttlcache.Cache[PeerId, *Lsa]

	// costs as last advertised in our own LSA, for hysteresis
	Advertised map[PeerId]uint32
}

func NewRouterState(id PeerId) *RouterState {
	return &RouterState{
		Id: id,
		Db: ttlcache.New[PeerId, *Lsa](
			ttlcache.WithTTL[PeerId, *Lsa](LsaMaxAge),
			ttlcache.WithDisableTouchOnHit[PeerId, *Lsa](),
		),
		Advertised: make(map[PeerId]uint32),
	}
}

// Latest returns the stored LSA for an origin, nil when absent or expired.
func (rs *RouterState) Latest(origin PeerId) *Lsa {
	it := rs.Db.Get(origin)
	if it == nil {
		return nil
	}
	return it.Value()
}

// Origins lists all origins with a live LSA, sorted for determinism.
func (rs *RouterState) Origins() []PeerId {
	out := make([]PeerId, 0)
	for _, it := range rs.Db.Items() {
		out = append(out, it.Key())
	}
	slices.Sort(out)
	return out
}
