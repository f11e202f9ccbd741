package core

import (
	"github.com/peersend/overlay/state"
	"github.com/peersend/overlay/wire"
)

// Router owns the link-state database and the forwarding table. All of
// its methods run on the main loop; the computed table is published
// atomically for lock-free reads on the data path.
type Router struct {
	env        *state.Env
	generation uint64
	// recompute scheduled but not yet run
	pending bool
}

func (r *Router) Init(s *state.State) error {
	r.env = s.Env
	s.PublishTable(state.EmptyTable())

	s.Env.RepeatTask(func(s *state.State) error {
		// periodic re-origination keeps our advertisement alive in
		// everyone's database even when nothing changed
		Originate(s.Router, r, s.Registry(), s.Clock.Now(), s.LocalCfg.Hysteresis(), true)
		return nil
	}, state.LsaRefreshDelay)
	s.Env.RepeatTask(func(s *state.State) error {
		if RunGC(s.Router, r) {
			r.scheduleRecompute(s)
		}
		return nil
	}, state.GcDelay)
	return nil
}

func (r *Router) Cleanup(s *state.State) error {
	s.Router.Db.DeleteExpired()
	return nil
}

// OnTopologyChange is called whenever a link comes up, goes down, or
// moves in cost beyond the hysteresis band. It re-advertises our
// adjacency and schedules a table recompute.
func (r *Router) OnTopologyChange(s *state.State) {
	Originate(s.Router, r, s.Registry(), s.Clock.Now(), s.LocalCfg.Hysteresis(), false)
	r.scheduleRecompute(s)
}

// HandleLsaFrom applies an advertisement received over the tunnel to
// the neighbour `from`.
func (r *Router) HandleLsaFrom(s *state.State, from state.PeerId, lsa state.Lsa) {
	if HandleLsa(s.Router, r, from, &lsa) {
		r.scheduleRecompute(s)
	}
}

// scheduleRecompute coalesces bursts of topology changes into a single
// shortest-path run.
func (r *Router) scheduleRecompute(s *state.State) {
	if r.pending {
		return
	}
	r.pending = true
	s.Env.ScheduleTask(func(s *state.State) error {
		r.pending = false
		r.recompute(s)
		return nil
	}, state.RecomputeDelay)
}

func (r *Router) recompute(s *state.State) {
	r.generation++
	table := ComputeTable(s.Router, r, s.Registry(), r.generation)
	s.PublishTable(table)
	s.Log.Debug("forwarding table recomputed", "generation", table.Generation, "routes", len(table.Entries))
}

// FloodLsa sends the advertisement to every established neighbour
// except the one it came from. Sends leave the main loop via the
// tunnel's own write path.
func (r *Router) FloodLsa(except state.PeerId, lsa *state.Lsa) {
	reg := r.env.Registry()
	frame, err := wire.Encode(&wire.LsaMsg{Lsa: *lsa})
	if err != nil {
		r.env.Log.Error("failed to encode advertisement", "err", err)
		return
	}
	for _, id := range reg.Neighbours() {
		if id == except || id == lsa.Origin {
			continue
		}
		t := reg.TunnelTo(id)
		if t == nil {
			continue
		}
		go func(t state.Tunnel) {
			if err := t.Send(frame); err != nil {
				r.env.Log.Debug("advertisement flood failed", "peer", t.Peer().Short(), "err", err)
			}
		}(t)
	}
}

func (r *Router) Log(event RouterEvent, args ...any) {
	if event >= 1000 {
		r.env.Log.Warn(args[0].(string), args[1:]...)
	} else {
		r.env.Log.Debug(args[0].(string), args[1:]...)
	}
}
