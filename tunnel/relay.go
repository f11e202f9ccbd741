package tunnel

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/peersend/overlay/state"
	"github.com/peersend/overlay/wire"
)

// RelayMux multiplexes relayed tunnels. A relayed tunnel's frames travel
// as RelayData messages inside an established tunnel to the relay peer;
// the relay forwards them by overlay identity without being able to read
// the payload, since the Noise session runs end to end.
type RelayMux struct {
	Tunnels chan state.Tunnel

	self state.PeerId
	key  state.OvPrivateKey
	auth Authenticator
	log  *slog.Logger

	mu    sync.Mutex
	pipes map[state.PeerId]*relayPipe
}

func NewRelayMux(self state.PeerId, key state.OvPrivateKey, auth Authenticator, log *slog.Logger) *RelayMux {
	return &RelayMux{
		Tunnels: make(chan state.Tunnel),
		self:    self,
		key:     key,
		auth:    auth,
		log:     log,
		pipes:   make(map[state.PeerId]*relayPipe),
	}
}

// Deliver routes one relayed frame that arrived addressed to this node.
// A frame from a peer without an existing relayed session is treated as
// a handshake initiation.
func (m *RelayMux) Deliver(ctx context.Context, host state.Tunnel, src state.PeerId, payload []byte) {
	m.mu.Lock()
	p, ok := m.pipes[src]
	m.mu.Unlock()
	if ok {
		p.deliver(payload)
		return
	}
	// no session yet: treat the frame as a handshake initiation; the
	// initiator's identity is verified inside the noise handshake where
	// its static key is revealed
	p = m.register(src, host)
	p.deliver(payload)
	go m.respond(ctx, p, src)
}

func (m *RelayMux) respond(ctx context.Context, p *relayPipe, src state.PeerId) {
	p.setReadDeadline(time.Now().Add(state.HandshakeTimeout))
	msg1, err := p.readFrame()
	if err != nil {
		m.drop(p)
		return
	}
	resp, send, recv, peer, err := responderHandshake(msg1, m.key, m.auth)
	if err != nil || peer != src {
		m.log.Debug("rejected relayed handshake", "src", src.Short(), "err", err)
		m.drop(p)
		return
	}
	if err := p.writeFrame(resp); err != nil {
		m.drop(p)
		return
	}
	p.setReadDeadline(time.Time{})
	t := newSession(peer, state.KindRelay, p, send, recv, false)
	select {
	case m.Tunnels <- t:
	case <-ctx.Done():
		t.Close()
	}
}

// DialRelay opens a relayed tunnel to peer through the given established
// tunnel to the relay.
func (m *RelayMux) DialRelay(ctx context.Context, host state.Tunnel, peer state.PeerId, remote state.OvPublicKey, timeout time.Duration) (state.Tunnel, error) {
	m.mu.Lock()
	if _, busy := m.pipes[peer]; busy {
		m.mu.Unlock()
		return nil, ErrCancelled
	}
	m.mu.Unlock()
	p := m.register(peer, host)
	send, recv, err := initiatorHandshake(p, m.key, remote, time.Now().Add(timeout))
	if err != nil {
		m.drop(p)
		return nil, err
	}
	return newSession(peer, state.KindRelay, p, send, recv, true), nil
}

// DropHost closes every relayed session riding a failed host tunnel.
func (m *RelayMux) DropHost(host state.Tunnel) {
	m.mu.Lock()
	var doomed []*relayPipe
	for _, p := range m.pipes {
		if p.host == host {
			doomed = append(doomed, p)
		}
	}
	m.mu.Unlock()
	for _, p := range doomed {
		p.close()
	}
}

func (m *RelayMux) register(peer state.PeerId, host state.Tunnel) *relayPipe {
	p := &relayPipe{
		mux:  m,
		self: m.self,
		peer: peer,
		host: host,
		rx:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.pipes[peer] = p
	m.mu.Unlock()
	return p
}

func (m *RelayMux) drop(p *relayPipe) {
	p.close()
}

func (m *RelayMux) unregister(p *relayPipe) {
	m.mu.Lock()
	if m.pipes[p.peer] == p {
		delete(m.pipes, p.peer)
	}
	m.mu.Unlock()
}

type relayPipe struct {
	mux  *RelayMux
	self state.PeerId
	peer state.PeerId
	host state.Tunnel
	rx   chan []byte
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	deadline time.Time
}

func (p *relayPipe) deliver(b []byte) {
	select {
	case p.rx <- b:
	default:
	}
}

func (p *relayPipe) writeFrame(b []byte) error {
	frame, err := wire.Encode(&wire.RelayData{
		Src:     p.self,
		Dst:     p.peer,
		Payload: b,
	})
	if err != nil {
		return err
	}
	return p.host.Send(frame)
}

func (p *relayPipe) readFrame() ([]byte, error) {
	p.mu.Lock()
	deadline := p.deadline
	p.mu.Unlock()
	var expire <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		expire = t.C
	}
	select {
	case b := <-p.rx:
		return b, nil
	case <-expire:
		return nil, ErrTimeout
	case <-p.done:
		return nil, ErrClosed
	}
}

func (p *relayPipe) setReadDeadline(t time.Time) {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
}

func (p *relayPipe) close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.mux.unregister(p)
	return nil
}

func (p *relayPipe) localAddr() netip.AddrPort  { return p.host.LocalAddr() }
func (p *relayPipe) remoteAddr() netip.AddrPort { return p.host.RemoteAddr() }
