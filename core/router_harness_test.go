package core

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/peersend/overlay/state"
)

type harnessEvent struct {
	Message string
	Args    []any
}

type routerHarness struct {
	actions []harnessEvent
}

func (h *routerHarness) FloodLsa(except state.PeerId, lsa *state.Lsa) {
	h.actions = append(h.actions, harnessEvent{"FLOOD", []any{except, lsa.Origin, lsa.Seqno}})
}

func (h *routerHarness) Log(event RouterEvent, args ...any) {
	if event >= 1000 {
		h.actions = append(h.actions, harnessEvent{"WARN", args})
	}
}

type actionList []harnessEvent

func (h *routerHarness) GetActions() actionList {
	out := h.actions
	h.actions = nil
	return out
}

func (a actionList) String() string {
	lines := make([]string, 0, len(a))
	for _, ev := range a {
		parts := make([]string, 0, len(ev.Args)+1)
		parts = append(parts, ev.Message)
		for _, arg := range ev.Args {
			parts = append(parts, fmt.Sprint(arg))
		}
		lines = append(lines, strings.Join(parts, " "))
	}
	slices.Sort(lines)
	return strings.Join(lines, "\n")
}

func (a actionList) Contains(msg string) bool {
	for _, ev := range a {
		if ev.Message == msg {
			return true
		}
	}
	return false
}

// mockTunnel satisfies just enough of the tunnel surface for routing
// and registry tests.
type mockTunnel struct {
	id     uuid.UUID
	peer   state.PeerId
	kind   state.TransportKind
	st     state.ConnState
	dialed bool
	sent   [][]byte
	closed bool
}

func newMockTunnel(peer state.PeerId, kind state.TransportKind) *mockTunnel {
	return &mockTunnel{id: uuid.New(), peer: peer, kind: kind, st: state.Established}
}

func (m *mockTunnel) Id() uuid.UUID              { return m.id }
func (m *mockTunnel) Peer() state.PeerId         { return m.peer }
func (m *mockTunnel) Kind() state.TransportKind  { return m.kind }
func (m *mockTunnel) State() state.ConnState     { return m.st }
func (m *mockTunnel) Initiator() bool            { return m.dialed }
func (m *mockTunnel) LocalAddr() netip.AddrPort  { return netip.AddrPort{} }
func (m *mockTunnel) RemoteAddr() netip.AddrPort { return netip.AddrPort{} }
func (m *mockTunnel) Send(frame []byte) error {
	m.sent = append(m.sent, frame)
	return nil
}
func (m *mockTunnel) Recv() ([]byte, error) { return nil, fmt.Errorf("mock tunnel has no frames") }
func (m *mockTunnel) Close() error {
	m.closed = true
	m.st = state.Closed
	return nil
}
func (m *mockTunnel) Stats() state.TunnelStats { return state.TunnelStats{} }

// makeSnapshot builds a registry view with an established mock tunnel
// per neighbour at the given cost.
func makeSnapshot(self state.PeerId, costs map[state.PeerId]uint32) *state.RegistrySnapshot {
	snap := &state.RegistrySnapshot{
		Self:  self,
		Taken: time.Now(),
		Peers: make(map[state.PeerId]state.PeerView),
	}
	for id, cost := range costs {
		snap.Peers[id] = state.PeerView{
			Id:     id,
			Tunnel: newMockTunnel(id, state.KindUdp),
			Kind:   state.KindUdp,
			Cost:   cost,
		}
	}
	return snap
}

func lsaOf(origin state.PeerId, seqno uint64, neighbours ...state.NeighbourCost) *state.Lsa {
	return &state.Lsa{
		Origin:     origin,
		Seqno:      seqno,
		Neighbours: neighbours,
		Created:    time.Now(),
	}
}

func nc(id state.PeerId, cost uint32) state.NeighbourCost {
	return state.NeighbourCost{Id: id, Cost: cost}
}
