package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/peersend/overlay/state"
)

// Datagram type prefixes on the shared UDP socket.
const (
	pktHandshakeInit = byte(0x01)
	pktHandshakeResp = byte(0x02)
	pktData          = byte(0x03)
	pktPunch         = byte(0x0F)
)

// PunchPacket is a hole-punch probe observed on the UDP socket.
type PunchPacket struct {
	Nonce [16]byte
	From  netip.AddrPort
}

// UdpMux owns the node's single UDP socket and demultiplexes datagrams
// between tunnel sessions, in-flight handshakes and hole-punch probes.
// Sharing one socket is what makes hole punching work: punched NAT
// bindings are only valid for the port the punch went out of.
type UdpMux struct {
	Tunnels chan state.Tunnel
	Punches chan PunchPacket

	conn *net.UDPConn
	key  state.OvPrivateKey
	auth Authenticator
	log  *slog.Logger

	mu          sync.Mutex
	sessions    map[netip.AddrPort]*udpPipe
	pendingInit map[netip.AddrPort]chan []byte
}

func NewUdpMux(ctx context.Context, key state.OvPrivateKey, auth Authenticator, port uint16, log *slog.Logger) (*UdpMux, error) {
	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	m := &UdpMux{
		Tunnels:     make(chan state.Tunnel),
		Punches:     make(chan PunchPacket, 16),
		conn:        pc.(*net.UDPConn),
		key:         key,
		auth:        auth,
		log:         log,
		sessions:    make(map[netip.AddrPort]*udpPipe),
		pendingInit: make(map[netip.AddrPort]chan []byte),
	}
	go m.readLoop(ctx)
	return m, nil
}

func (m *UdpMux) Close() error {
	return m.conn.Close()
}

func (m *UdpMux) LocalAddr() netip.AddrPort {
	if a, ok := m.conn.LocalAddr().(*net.UDPAddr); ok {
		return a.AddrPort()
	}
	return netip.AddrPort{}
}

// SendPunch fires one hole-punch probe at addr.
func (m *UdpMux) SendPunch(addr netip.AddrPort, nonce [16]byte) error {
	pkt := make([]byte, 0, 21)
	pkt = append(pkt, pktPunch)
	pkt = append(pkt, state.PunchPacketMagic[:]...)
	pkt = append(pkt, nonce[:]...)
	_, err := m.conn.WriteToUDPAddrPort(pkt, addr)
	return err
}

func (m *UdpMux) readLoop(ctx context.Context) {
	buf := make([]byte, state.MaxFrameSize+64)
	for ctx.Err() == nil {
		n, from, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("udp read failed", "err", err)
			return
		}
		if n < 1 {
			continue
		}
		// 4-in-6 mapped sources must match the keys we dial with
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		pkt := make([]byte, n-1)
		copy(pkt, buf[1:n])
		switch buf[0] {
		case pktHandshakeInit:
			m.handleHandshake(ctx, from, pkt)
		case pktHandshakeResp:
			m.mu.Lock()
			ch, ok := m.pendingInit[from]
			m.mu.Unlock()
			if ok {
				select {
				case ch <- pkt:
				default:
				}
			}
		case pktData:
			m.mu.Lock()
			p, ok := m.sessions[from]
			m.mu.Unlock()
			if ok {
				p.deliver(pkt)
			}
		case pktPunch:
			if len(pkt) != 20 || !bytes.Equal(pkt[:4], state.PunchPacketMagic[:]) {
				continue
			}
			pp := PunchPacket{From: from}
			copy(pp.Nonce[:], pkt[4:])
			select {
			case m.Punches <- pp:
			default:
			}
		}
	}
}

// handleHandshake answers an inbound Noise IK initiation. IK completes in
// a single round trip, so the responder side never blocks the read loop
// on the network.
func (m *UdpMux) handleHandshake(ctx context.Context, from netip.AddrPort, msg1 []byte) {
	resp, send, recv, peer, err := responderHandshake(msg1, m.key, m.auth)
	if err != nil {
		m.log.Debug("rejected udp handshake", "from", from, "err", err)
		return
	}
	out := append([]byte{pktHandshakeResp}, resp...)
	if _, err := m.conn.WriteToUDPAddrPort(out, from); err != nil {
		return
	}
	pipe := m.register(from)
	t := newSession(peer, state.KindUdp, pipe, send, recv, false)
	go func() {
		select {
		case m.Tunnels <- t:
		case <-ctx.Done():
			t.Close()
		}
	}()
}

// DialUdp opens a direct UDP tunnel through the shared socket. The
// initiation datagram is retransmitted a few times since nothing below
// us retries.
func (m *UdpMux) DialUdp(ctx context.Context, peer state.PeerId, remote state.OvPublicKey, addr netip.AddrPort, timeout time.Duration) (state.Tunnel, error) {
	hsPipe := &initPipe{mux: m, addr: addr, resp: make(chan []byte, 1), ctx: ctx}
	m.mu.Lock()
	if _, busy := m.pendingInit[addr]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: handshake already in flight to %s", ErrCancelled, addr)
	}
	m.pendingInit[addr] = hsPipe.resp
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingInit, addr)
		m.mu.Unlock()
	}()

	send, recv, err := initiatorHandshake(hsPipe, m.key, remote, time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}
	pipe := m.register(addr)
	return newSession(peer, state.KindUdp, pipe, send, recv, true), nil
}

func (m *UdpMux) register(addr netip.AddrPort) *udpPipe {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[addr]; ok {
		old.close()
	}
	p := &udpPipe{
		mux:  m,
		addr: addr,
		rx:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
	m.sessions[addr] = p
	return p
}

func (m *UdpMux) unregister(p *udpPipe) {
	m.mu.Lock()
	if m.sessions[p.addr] == p {
		delete(m.sessions, p.addr)
	}
	m.mu.Unlock()
}

// initPipe carries only the handshake exchange: writes go out as
// initiation datagrams with retransmission, the single response arrives
// on resp.
type initPipe struct {
	mux  *UdpMux
	addr netip.AddrPort
	resp chan []byte
	ctx  context.Context

	deadline time.Time
}

func (p *initPipe) writeFrame(b []byte) error {
	out := append([]byte{pktHandshakeInit}, b...)
	_, err := p.mux.conn.WriteToUDPAddrPort(out, p.addr)
	if err != nil {
		return err
	}
	// retransmit in the background until answered or abandoned
	go func() {
		for i := 0; i < 3; i++ {
			select {
			case <-time.After(time.Second):
			case <-p.ctx.Done():
				return
			}
			if len(p.resp) > 0 {
				return
			}
			_, _ = p.mux.conn.WriteToUDPAddrPort(out, p.addr)
		}
	}()
	return nil
}

func (p *initPipe) readFrame() ([]byte, error) {
	var expire <-chan time.Time
	if !p.deadline.IsZero() {
		t := time.NewTimer(time.Until(p.deadline))
		defer t.Stop()
		expire = t.C
	}
	select {
	case b := <-p.resp:
		return b, nil
	case <-expire:
		return nil, ErrTimeout
	case <-p.ctx.Done():
		return nil, ErrCancelled
	}
}

func (p *initPipe) setReadDeadline(t time.Time) { p.deadline = t }
func (p *initPipe) close() error                { return nil }
func (p *initPipe) localAddr() netip.AddrPort   { return p.mux.LocalAddr() }
func (p *initPipe) remoteAddr() netip.AddrPort  { return p.addr }

// udpPipe is one established datagram session on the shared socket.
type udpPipe struct {
	mux  *UdpMux
	addr netip.AddrPort
	rx   chan []byte
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	deadline time.Time
}

func (p *udpPipe) deliver(b []byte) {
	select {
	case p.rx <- b:
	default:
		// receiver is not keeping up, drop the datagram
	}
}

func (p *udpPipe) writeFrame(b []byte) error {
	out := make([]byte, 0, 1+len(b))
	out = append(out, pktData)
	out = append(out, b...)
	_, err := p.mux.conn.WriteToUDPAddrPort(out, p.addr)
	return err
}

func (p *udpPipe) readFrame() ([]byte, error) {
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

func (p *udpPipe) setReadDeadline(t time.Time) {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
}

func (p *udpPipe) close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.mux.unregister(p)
	return nil
}

func (p *udpPipe) localAddr() netip.AddrPort  { return p.mux.LocalAddr() }
func (p *udpPipe) remoteAddr() netip.AddrPort { return p.addr }
