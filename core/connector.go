package core

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/peersend/overlay/state"
	"github.com/peersend/overlay/tunnel"
)

// Connector turns "reach peer P" into an established tunnel, trying
// direct connection, coordinated hole punch and relay in that order.
// Attempts are single-flight per peer: concurrent requests attach to the
// outstanding attempt instead of starting another one.
type Connector struct {
	mu       sync.Mutex
	attempts map[state.PeerId]*Attempt
	punches  map[[16]byte]*punchSession
	// punch nonces handled recently, to keep replayed coordination
	// messages from spawning duplicate responder sessions
	nonceSeen *ttlcache.Cache[[16]byte, struct{}]

	// ordered by preference; attempts walk this list until one yields
	// a tunnel
	strategies []strategy
}

type strategyFn func(context.Context, *state.Env, *connectInput) (state.Tunnel, error)

type strategy struct {
	name    string
	timeout time.Duration
	fn      strategyFn
}

// AttemptStatus is the control-surface projection of one attempt.
type AttemptStatus struct {
	Id       uuid.UUID
	Peer     state.PeerId
	Strategy string
	Started  time.Time
}

// Attempt is one in-flight connection effort towards a single peer.
type Attempt struct {
	Id      uuid.UUID
	Peer    state.PeerId
	Started time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	strategy string
	err      error
}

func (a *Attempt) setStrategy(s string) {
	a.mu.Lock()
	a.strategy = s
	a.mu.Unlock()
}

func (a *Attempt) Strategy() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.strategy
}

// Await blocks until the attempt settles or ctx expires. The outcome is
// observed through the registry; Await only reports completion.
func (a *Attempt) Await(ctx context.Context) error {
	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connectInput is everything an attempt needs, captured on the main
// loop so the attempt goroutine never touches State.
type connectInput struct {
	peer      state.PeerId
	pub       state.OvPublicKey
	key       state.OvPrivateKey
	endpoints []state.Endpoint
	// established direct neighbours usable as rendezvous or relay,
	// those known to neighbour the target sort first
	vias []state.Tunnel

	udp      *tunnel.UdpMux
	relays   *tunnel.RelayMux
	observed []netip.AddrPort
	punchMax int
}

func (c *Connector) Init(s *state.State) error {
	c.attempts = make(map[state.PeerId]*Attempt)
	c.punches = make(map[[16]byte]*punchSession)
	c.nonceSeen = ttlcache.New[[16]byte, struct{}](
		ttlcache.WithTTL[[16]byte, struct{}](state.PunchNonceTTL),
	)
	c.strategies = []strategy{
		{"direct", state.DirectTimeout, directStrategy},
		{"punch", state.PunchTimeout, c.punchStrategy},
		{"relay", state.RelayTimeout, relayStrategy},
	}
	return nil
}

func (c *Connector) Cleanup(s *state.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.attempts {
		a.cancel()
	}
	return nil
}

// Request starts (or attaches to) a connection attempt for id. Runs on
// the main loop.
func (c *Connector) Request(s *state.State, id state.PeerId) *Attempt {
	c.mu.Lock()
	if a, ok := c.attempts[id]; ok {
		c.mu.Unlock()
		return a
	}
	c.mu.Unlock()

	rec := s.GetPeer(id)
	pub, trusted := s.Trusted[id]
	if rec == nil || !trusted {
		return nil
	}
	if rec.Tunnel != nil && rec.Tunnel.State() == state.Established {
		return nil
	}

	links := Get[*Links](s)
	in := &connectInput{
		peer:      id,
		pub:       pub,
		key:       s.LocalCfg.Key,
		endpoints: append([]state.Endpoint(nil), rec.Endpoints...),
		vias:      rendezvousCandidates(s, id),
		udp:       links.udp,
		relays:    links.relays,
		observed:  links.ObservedEndpoints(),
		punchMax:  s.LocalCfg.MaxPunchAttempts(),
	}

	ctx, cancel := context.WithCancel(s.Context)
	a := &Attempt{
		Id:      uuid.New(),
		Peer:    id,
		Started: s.Clock.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.attempts[id] = a
	c.mu.Unlock()

	s.Log.Debug("starting connect attempt", "peer", s.DisplayName(id), "endpoints", len(in.endpoints))
	go c.run(s.Env, ctx, a, in)
	return a
}

// rendezvousCandidates lists established direct tunnels, preferring
// neighbours whose latest advertisement claims the target as a
// neighbour: those can both coordinate a punch and relay.
func rendezvousCandidates(s *state.State, target state.PeerId) []state.Tunnel {
	type cand struct {
		id       state.PeerId
		t        state.Tunnel
		adjacent bool
	}
	cands := make([]cand, 0)
	for id, rec := range s.Peers {
		if id == target || rec.Tunnel == nil || rec.Tunnel.State() != state.Established {
			continue
		}
		adjacent := false
		if lsa := s.Router.Latest(id); lsa != nil {
			for _, n := range lsa.Neighbours {
				if n.Id == target {
					adjacent = true
					break
				}
			}
		}
		cands = append(cands, cand{id: id, t: rec.Tunnel, adjacent: adjacent})
	}
	slices.SortFunc(cands, func(a, b cand) int {
		if a.adjacent != b.adjacent {
			if a.adjacent {
				return -1
			}
			return 1
		}
		if a.id < b.id {
			return -1
		}
		if a.id > b.id {
			return 1
		}
		return 0
	})
	out := make([]state.Tunnel, 0, len(cands))
	for _, cd := range cands {
		out = append(out, cd.t)
	}
	return out
}

// run walks the strategies in order of preference. The first established
// tunnel wins; everything still in flight is cancelled.
func (c *Connector) run(e *state.Env, ctx context.Context, a *Attempt, in *connectInput) {
	var t state.Tunnel
	var err error

	established := func() bool {
		return e.Registry().TunnelTo(in.peer) != nil
	}

	for _, strat := range c.strategies {
		if ctx.Err() != nil {
			err = tunnel.ErrCancelled
			break
		}
		if established() {
			// the peer connected to us while we were trying
			break
		}
		a.setStrategy(strat.name)
		sctx, scancel := context.WithTimeout(ctx, strat.timeout)
		t, err = strat.fn(sctx, e, in)
		scancel()
		if t != nil {
			break
		}
		e.Log.Debug("connect strategy failed", "peer", in.peer.Short(), "strategy", strat.name, "err", err)
	}

	c.mu.Lock()
	delete(c.attempts, in.peer)
	c.mu.Unlock()

	if t != nil {
		e.Dispatch(func(s *state.State) error {
			Get[*Registry](s).MarkReachable(s, t)
			return nil
		})
		a.mu.Lock()
		a.err = nil
		a.mu.Unlock()
	} else if !established() && ctx.Err() == nil {
		e.Dispatch(func(s *state.State) error {
			Get[*Registry](s).MarkUnreachable(s, in.peer)
			return nil
		})
		a.mu.Lock()
		a.err = tunnel.ErrUnreachable
		a.mu.Unlock()
	}
	close(a.done)
}

// CancelAttempt aborts any outstanding attempt towards id, used when the
// target record is evicted.
func (c *Connector) CancelAttempt(id state.PeerId) {
	c.mu.Lock()
	a, ok := c.attempts[id]
	if ok {
		delete(c.attempts, id)
	}
	c.mu.Unlock()
	if ok {
		a.cancel()
	}
}

// Status lists in-flight attempts for the control surface.
func (c *Connector) Status() []AttemptStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AttemptStatus, 0, len(c.attempts))
	for _, a := range c.attempts {
		out = append(out, AttemptStatus{
			Id:       a.Id,
			Peer:     a.Peer,
			Strategy: a.Strategy(),
			Started:  a.Started,
		})
	}
	slices.SortFunc(out, func(x, y AttemptStatus) int {
		if x.Peer < y.Peer {
			return -1
		}
		if x.Peer > y.Peer {
			return 1
		}
		return 0
	})
	return out
}

// directStrategy races all candidate endpoints with bounded concurrency;
// the first authenticated tunnel wins and the rest are cancelled.
func directStrategy(ctx context.Context, e *state.Env, in *connectInput) (state.Tunnel, error) {
	if len(in.endpoints) == 0 {
		return nil, tunnel.ErrUnreachable
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, state.DialConcurrency)
	results := make(chan state.Pair[state.Tunnel, error], len(in.endpoints))
	for _, ep := range in.endpoints {
		go func(ep state.Endpoint) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- state.Pair[state.Tunnel, error]{V2: tunnel.ErrCancelled}
				return
			}
			var t state.Tunnel
			var err error
			switch ep.Kind {
			case state.KindTcp:
				t, err = tunnel.DialTcp(ctx, in.key, in.peer, in.pub, ep.Ap, state.DirectTimeout)
			case state.KindUdp:
				t, err = in.udp.DialUdp(ctx, in.peer, in.pub, ep.Ap, state.DirectTimeout)
			default:
				err = tunnel.ErrUnreachable
			}
			results <- state.Pair[state.Tunnel, error]{V1: t, V2: err}
		}(ep)
	}

	var lastErr error = tunnel.ErrUnreachable
	for seen := 1; seen <= len(in.endpoints); seen++ {
		res := <-results
		if res.V1 != nil {
			cancel()
			// drain remaining winners-turned-losers in the background
			go func(n int) {
				for i := 0; i < n; i++ {
					if r := <-results; r.V1 != nil {
						r.V1.Close()
					}
				}
			}(len(in.endpoints) - seen)
			return res.V1, nil
		}
		if res.V2 != nil && !errors.Is(res.V2, tunnel.ErrCancelled) {
			lastErr = res.V2
		}
	}
	return nil, lastErr
}

// relayStrategy opens an end-to-end encrypted session through the first
// usable established neighbour.
func relayStrategy(ctx context.Context, e *state.Env, in *connectInput) (state.Tunnel, error) {
	if len(in.vias) == 0 {
		return nil, tunnel.ErrUnreachable
	}
	var lastErr error = tunnel.ErrUnreachable
	for _, host := range in.vias {
		if ctx.Err() != nil {
			return nil, tunnel.ErrCancelled
		}
		if host.State() != state.Established {
			continue
		}
		t, err := in.relays.DialRelay(ctx, host, in.peer, in.pub, state.RelayTimeout)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
