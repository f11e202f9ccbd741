package core

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peersend/overlay/state"
)

func publishControlFixtures(s *state.State) {
	up := newMockTunnel("B", state.KindUdp)
	s.PublishRegistry(&state.RegistrySnapshot{
		Self:  s.Id(),
		Taken: s.Clock.Now(),
		Peers: map[state.PeerId]state.PeerView{
			"B": {Id: "B", Tunnel: up, Kind: state.KindUdp, Cost: 120, Rtt: 2 * time.Millisecond},
			"D": {Id: "D", Liveness: state.LivenessUnreachable},
		},
	})
	s.PublishTable(&state.ForwardingTable{
		Generation: 3,
		Entries: map[state.PeerId]state.ForwardingEntry{
			"C": {Dest: "C", NextHop: "B", Cost: 210},
		},
		Adverts: []state.AdvertSummary{
			{Origin: "B", Seqno: 7, Neighbours: 2},
		},
	})
}

// queries render straight off the published snapshots; none of these
// tests run a main loop, so a renderer reaching for it would hang
func TestRenderPeersFromSnapshot(t *testing.T) {
	self := state.GenerateKey()
	s := newTestState(self)
	publishControlFixtures(s)

	out := renderPeers(s.Env)
	assert.Contains(t, out, "Self: self")
	assert.Contains(t, out, "Tunnel: direct-udp")
	assert.Contains(t, out, "Cost: 120")
	assert.Contains(t, out, "Liveness: unreachable")
}

func TestRenderRoutesFromSnapshot(t *testing.T) {
	self := state.GenerateKey()
	s := newTestState(self)
	publishControlFixtures(s)

	out := renderRoutes(s.Env)
	assert.Contains(t, out, "generation 3")
	assert.Contains(t, out, "C via B cost 210")
	assert.Contains(t, out, "B seqno=7 neighbours=2")
}

func TestRenderStatsFromSnapshot(t *testing.T) {
	self := state.GenerateKey()
	s := newTestState(self)
	publishControlFixtures(s)

	out := renderStats(s.Env)
	assert.Contains(t, out, "B direct-udp tx=0/0B rx=0/0B")
}

func TestRenderConnectors(t *testing.T) {
	self := state.GenerateKey()
	peer := state.GenerateKey()
	s := newTestState(self, peer)
	c := newTestConnector(t, s)
	a, _ := pendingAttempt(peer.Id())
	a.setStrategy("punch")
	c.attempts[peer.Id()] = a

	out := renderConnectors(s.Env, c)
	assert.Contains(t, out, "strategy=punch")
}

func TestControlSocketAnswersWithoutMainLoop(t *testing.T) {
	self := state.GenerateKey()
	s := newTestState(self)
	s.Env.LocalCfg.ControlPath = filepath.Join(t.TempDir(), "ctl.sock")
	publishControlFixtures(s)

	conn := newTestConnector(t, s)
	s.Modules = map[string]state.OvModule{
		reflect.TypeOf(conn).String(): conn,
	}

	ctl := &Control{}
	require.NoError(t, ctl.Init(s))
	t.Cleanup(func() {
		_ = ctl.Cleanup(s)
	})

	for cmd, want := range map[string]string{
		"peers":      "Self: self",
		"routes":     "C via B cost 210",
		"stats":      "B direct-udp",
		"connectors": "Attempts:",
	} {
		out, err := ControlQuery(s.LocalCfg.Control(), cmd)
		require.NoError(t, err, cmd)
		assert.Contains(t, out, want, cmd)
	}
}
