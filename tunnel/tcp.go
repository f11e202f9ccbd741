package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/peersend/overlay/state"
)

type tcpPipe struct {
	conn net.Conn
	br   *bufio.Reader
	wmu  sync.Mutex
}

func newTcpPipe(conn net.Conn) *tcpPipe {
	return &tcpPipe{conn: conn, br: bufio.NewReader(conn)}
}

func (p *tcpPipe) writeFrame(b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return writeStreamFrame(p.conn, b)
}

func (p *tcpPipe) readFrame() ([]byte, error) {
	return readStreamFrame(p.br)
}

func (p *tcpPipe) setReadDeadline(t time.Time) {
	_ = p.conn.SetReadDeadline(t)
}

func (p *tcpPipe) close() error {
	return p.conn.Close()
}

func (p *tcpPipe) localAddr() netip.AddrPort {
	if a, ok := p.conn.LocalAddr().(*net.TCPAddr); ok {
		return a.AddrPort()
	}
	return netip.AddrPort{}
}

func (p *tcpPipe) remoteAddr() netip.AddrPort {
	if a, ok := p.conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.AddrPort()
	}
	return netip.AddrPort{}
}

// DialTcp opens and authenticates a direct TCP tunnel. The socket is
// released on every failure path.
func DialTcp(ctx context.Context, key state.OvPrivateKey, peer state.PeerId, remote state.OvPublicKey, addr netip.AddrPort, timeout time.Duration) (state.Tunnel, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	pipe := newTcpPipe(conn)
	send, recv, err := initiatorHandshake(pipe, key, remote, time.Now().Add(timeout))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newSession(peer, state.KindTcp, pipe, send, recv, true), nil
}

// TcpListener accepts inbound direct TCP tunnels and delivers them on
// Tunnels once the handshake has authenticated the initiator.
type TcpListener struct {
	Tunnels chan state.Tunnel

	key  state.OvPrivateKey
	auth Authenticator
	log  *slog.Logger
	ln   net.Listener
}

func ListenTcp(ctx context.Context, key state.OvPrivateKey, auth Authenticator, port uint16, log *slog.Logger) (*TcpListener, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	l := &TcpListener{
		Tunnels: make(chan state.Tunnel),
		key:     key,
		auth:    auth,
		log:     log,
		ln:      ln,
	}
	go l.acceptLoop(ctx)
	return l, nil
}

func (l *TcpListener) Close() error {
	return l.ln.Close()
}

func (l *TcpListener) Addr() netip.AddrPort {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return a.AddrPort()
	}
	return netip.AddrPort{}
}

func (l *TcpListener) acceptLoop(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("failed to accept connection", "err", err)
			continue
		}
		go l.handle(ctx, conn)
	}
}

func (l *TcpListener) handle(ctx context.Context, conn net.Conn) {
	pipe := newTcpPipe(conn)
	pipe.setReadDeadline(time.Now().Add(state.HandshakeTimeout))
	msg1, err := pipe.readFrame()
	if err != nil {
		conn.Close()
		return
	}
	resp, send, recv, peer, err := responderHandshake(msg1, l.key, l.auth)
	if err != nil {
		l.log.Debug("rejected inbound tunnel", "from", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	if err := pipe.writeFrame(resp); err != nil {
		conn.Close()
		return
	}
	pipe.setReadDeadline(time.Time{})
	t := newSession(peer, state.KindTcp, pipe, send, recv, false)
	select {
	case l.Tunnels <- t:
	case <-ctx.Done():
		t.Close()
	}
}
