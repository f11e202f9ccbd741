package state

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

type OvModule interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on the main loop goroutine.
type State struct {
	*Env
	Modules map[string]OvModule

	// peer registry records, keyed by identity
	Peers map[PeerId]*PeerRecord

	// link-state database and own advertisement state
	Router *RouterState
}

// Env can be read from any goroutine.
type Env struct {
	DispatchChannel chan<- func(s *State) error
	CentralCfg
	LocalCfg
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
	Clock   clock.Clock

	// trusted identities, derived from CentralCfg at startup
	Trusted map[PeerId]OvPublicKey
	Names   map[PeerId]string

	table    atomic.Pointer[ForwardingTable]
	registry atomic.Pointer[RegistrySnapshot]
}

func (e *Env) Id() PeerId {
	return e.LocalCfg.Id()
}

// Table returns the current forwarding table. Readers always observe a
// complete generation, never a partially updated one.
func (e *Env) Table() *ForwardingTable {
	t := e.table.Load()
	if t == nil {
		return EmptyTable()
	}
	return t
}

func (e *Env) PublishTable(t *ForwardingTable) {
	e.table.Store(t)
}

// Registry returns the latest registry snapshot.
func (e *Env) Registry() *RegistrySnapshot {
	r := e.registry.Load()
	if r == nil {
		return &RegistrySnapshot{Peers: make(map[PeerId]PeerView)}
	}
	return r
}

func (e *Env) PublishRegistry(r *RegistrySnapshot) {
	e.registry.Store(r)
}

// DisplayName resolves a peer id to its configured name for logs.
func (e *Env) DisplayName(id PeerId) string {
	if n, ok := e.Names[id]; ok {
		return n
	}
	return id.Short()
}

func (s *State) GetPeer(id PeerId) *PeerRecord {
	return s.Peers[id]
}

func (s *State) EnsurePeer(id PeerId) *PeerRecord {
	p, ok := s.Peers[id]
	if !ok {
		p = &PeerRecord{
			Id:     id,
			Metric: NewLinkMetric(),
		}
		s.Peers[id] = p
	}
	return p
}
