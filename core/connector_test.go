package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peersend/overlay/state"
	"github.com/peersend/overlay/tunnel"
)

func newTestConnector(t *testing.T, s *state.State) *Connector {
	c := &Connector{}
	require.NoError(t, c.Init(s))
	t.Cleanup(func() {
		_ = c.Cleanup(s)
	})
	return c
}

func pendingAttempt(peer state.PeerId) (*Attempt, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &Attempt{
		Id:     uuid.New(),
		Peer:   peer,
		cancel: cancel,
		done:   make(chan struct{}),
	}, ctx
}

func TestRequestSingleFlight(t *testing.T) {
	self := state.GenerateKey()
	peer := state.GenerateKey()
	s := newTestState(self, peer)
	c := newTestConnector(t, s)

	a, _ := pendingAttempt(peer.Id())
	c.attempts[peer.Id()] = a

	var wg sync.WaitGroup
	got := make([]*Attempt, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = c.Request(s, peer.Id())
		}(i)
	}
	wg.Wait()

	for _, g := range got {
		assert.Same(t, a, g)
	}
	assert.Len(t, c.attempts, 1)
}

func TestRequestRefusesUnknownPeers(t *testing.T) {
	self := state.GenerateKey()
	trusted := state.GenerateKey()
	stranger := state.GenerateKey()
	s := newTestState(self, trusted)
	c := newTestConnector(t, s)

	// trusted but never seen
	assert.Nil(t, c.Request(s, trusted.Id()))

	// seen but untrusted
	s.Peers[stranger.Id()] = &state.PeerRecord{Id: stranger.Id()}
	assert.Nil(t, c.Request(s, stranger.Id()))

	assert.Empty(t, c.attempts)
}

func TestRequestSkipsEstablishedPeers(t *testing.T) {
	self := state.GenerateKey()
	peer := state.GenerateKey()
	s := newTestState(self, peer)
	c := newTestConnector(t, s)

	tun := newMockTunnel(peer.Id(), state.KindTcp)
	s.Peers[peer.Id()] = &state.PeerRecord{Id: peer.Id(), Tunnel: tun}

	assert.Nil(t, c.Request(s, peer.Id()))
	assert.Empty(t, c.attempts)
}

func TestCancelAttempt(t *testing.T) {
	self := state.GenerateKey()
	peer := state.GenerateKey()
	s := newTestState(self, peer)
	c := newTestConnector(t, s)

	a, ctx := pendingAttempt(peer.Id())
	c.attempts[peer.Id()] = a

	c.CancelAttempt(peer.Id())
	assert.Error(t, ctx.Err())
	assert.Empty(t, c.Status())

	// cancelling again is a no-op
	c.CancelAttempt(peer.Id())
}

func TestStatusSortedByPeer(t *testing.T) {
	self := state.GenerateKey()
	s := newTestState(self)
	c := newTestConnector(t, s)

	for i := 0; i < 3; i++ {
		a, _ := pendingAttempt(state.GenerateKey().Id())
		a.setStrategy("direct")
		c.attempts[a.Peer] = a
	}

	st := c.Status()
	require.Len(t, st, 3)
	assert.True(t, st[0].Peer < st[1].Peer)
	assert.True(t, st[1].Peer < st[2].Peer)
	for _, as := range st {
		assert.Equal(t, "direct", as.Strategy)
	}
}

func TestAttemptAwait(t *testing.T) {
	a, _ := pendingAttempt(state.GenerateKey().Id())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Await(ctx), context.DeadlineExceeded)

	a.mu.Lock()
	a.err = tunnel.ErrUnreachable
	a.mu.Unlock()
	close(a.done)
	assert.ErrorIs(t, a.Await(context.Background()), tunnel.ErrUnreachable)
}

func stubStrategy(name string, order *[]string, t state.Tunnel, err error) strategy {
	return strategy{name, time.Second, func(context.Context, *state.Env, *connectInput) (state.Tunnel, error) {
		*order = append(*order, name)
		return t, err
	}}
}

func TestRunFallsBackToRelay(t *testing.T) {
	// direct fails and the punch round exhausts; the attempt must settle
	// on a relayed tunnel
	self := state.GenerateKey()
	peer := state.GenerateKey()
	s := newTestState(self, peer)
	disp := make(chan func(*state.State) error, 4)
	s.Env.DispatchChannel = disp
	c := newTestConnector(t, s)

	relayed := newMockTunnel(peer.Id(), state.KindRelay)
	var order []string
	c.strategies = []strategy{
		stubStrategy("direct", &order, nil, tunnel.ErrUnreachable),
		stubStrategy("punch", &order, nil, tunnel.ErrTimeout),
		stubStrategy("relay", &order, relayed, nil),
	}

	a, _ := pendingAttempt(peer.Id())
	c.attempts[peer.Id()] = a
	c.run(s.Env, context.Background(), a, &connectInput{peer: peer.Id()})

	assert.Equal(t, []string{"direct", "punch", "relay"}, order)
	assert.Equal(t, "relay", a.Strategy())
	assert.NoError(t, a.Await(context.Background()))
	assert.Equal(t, state.KindRelay, relayed.Kind())
	// exactly one registry handoff for the winning tunnel
	assert.Len(t, disp, 1)
	assert.Empty(t, c.attempts)
}

func TestRunStopsAtFirstSuccess(t *testing.T) {
	self := state.GenerateKey()
	peer := state.GenerateKey()
	s := newTestState(self, peer)
	disp := make(chan func(*state.State) error, 4)
	s.Env.DispatchChannel = disp
	c := newTestConnector(t, s)

	won := newMockTunnel(peer.Id(), state.KindUdp)
	var order []string
	c.strategies = []strategy{
		stubStrategy("direct", &order, won, nil),
		stubStrategy("punch", &order, nil, tunnel.ErrTimeout),
		stubStrategy("relay", &order, nil, tunnel.ErrTimeout),
	}

	a, _ := pendingAttempt(peer.Id())
	c.attempts[peer.Id()] = a
	c.run(s.Env, context.Background(), a, &connectInput{peer: peer.Id()})

	assert.Equal(t, []string{"direct"}, order)
	assert.Equal(t, "direct", a.Strategy())
	assert.NoError(t, a.Await(context.Background()))
}

func TestRunExhaustedMarksUnreachable(t *testing.T) {
	self := state.GenerateKey()
	peer := state.GenerateKey()
	s := newTestState(self, peer)
	disp := make(chan func(*state.State) error, 4)
	s.Env.DispatchChannel = disp
	c := newTestConnector(t, s)

	var order []string
	c.strategies = []strategy{
		stubStrategy("direct", &order, nil, tunnel.ErrUnreachable),
		stubStrategy("punch", &order, nil, tunnel.ErrTimeout),
		stubStrategy("relay", &order, nil, tunnel.ErrUnreachable),
	}

	a, _ := pendingAttempt(peer.Id())
	c.attempts[peer.Id()] = a
	c.run(s.Env, context.Background(), a, &connectInput{peer: peer.Id()})

	assert.Equal(t, []string{"direct", "punch", "relay"}, order)
	assert.ErrorIs(t, a.Await(context.Background()), tunnel.ErrUnreachable)
	assert.Len(t, disp, 1)
}

func TestDirectStrategyWithoutEndpoints(t *testing.T) {
	in := &connectInput{peer: state.GenerateKey().Id()}
	_, err := directStrategy(context.Background(), nil, in)
	assert.ErrorIs(t, err, tunnel.ErrUnreachable)
}

func TestRelayStrategyWithoutHosts(t *testing.T) {
	in := &connectInput{peer: state.GenerateKey().Id()}
	_, err := relayStrategy(context.Background(), nil, in)
	assert.ErrorIs(t, err, tunnel.ErrUnreachable)
}
