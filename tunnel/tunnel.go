// Package tunnel provides the framed, encrypted byte-stream abstraction
// used between directly connected peers. A tunnel preserves message
// boundaries on every transport and is established only after a Noise IK
// handshake has authenticated the remote static key.
package tunnel

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"

	"github.com/peersend/overlay/state"
)

var (
	ErrTimeout     = errors.New("tunnel: timed out")
	ErrAuth        = errors.New("tunnel: authentication failed")
	ErrUnreachable = errors.New("tunnel: peer unreachable")
	ErrCancelled   = errors.New("tunnel: cancelled")
	ErrClosed      = errors.New("tunnel: closed")
)

// framePipe is the raw transport under a session: a bidirectional frame
// carrier with no crypto and no peer knowledge.
type framePipe interface {
	writeFrame(b []byte) error
	readFrame() ([]byte, error)
	setReadDeadline(t time.Time)
	close() error
	localAddr() netip.AddrPort
	remoteAddr() netip.AddrPort
}

// session is a state.Tunnel over any framePipe. Frames are encrypted
// with the cipher states produced by the handshake.
type session struct {
	id        uuid.UUID
	peer      state.PeerId
	kind      state.TransportKind
	pipe      framePipe
	initiator bool

	sendMu sync.Mutex
	send   *noise.CipherState
	recvMu sync.Mutex
	recv   *noise.CipherState

	// lossy transports carry an explicit nonce per frame so that dropped
	// or reordered datagrams do not desynchronize the cipher state
	explicitNonce bool
	sendCounter   uint64
	lastRecvNonce uint64
	sawRecvNonce  bool

	connState atomic.Int32
	closeOnce sync.Once

	framesSent atomic.Uint64
	framesRecv atomic.Uint64
	bytesSent  atomic.Uint64
	bytesRecv  atomic.Uint64
}

func newSession(peer state.PeerId, kind state.TransportKind, pipe framePipe, send, recv *noise.CipherState, initiator bool) *session {
	s := &session{
		id:        uuid.New(),
		peer:      peer,
		kind:      kind,
		pipe:      pipe,
		initiator: initiator,
		send:      send,
		recv:      recv,
		// only the datagram transport can lose or reorder frames
		explicitNonce: kind == state.KindUdp,
	}
	s.connState.Store(int32(state.Established))
	return s
}

func (s *session) Id() uuid.UUID              { return s.id }
func (s *session) Peer() state.PeerId         { return s.peer }
func (s *session) Kind() state.TransportKind  { return s.kind }
func (s *session) State() state.ConnState     { return state.ConnState(s.connState.Load()) }
func (s *session) Initiator() bool            { return s.initiator }
func (s *session) LocalAddr() netip.AddrPort  { return s.pipe.localAddr() }
func (s *session) RemoteAddr() netip.AddrPort { return s.pipe.remoteAddr() }

func (s *session) Send(frame []byte) error {
	if s.State() != state.Established {
		return ErrClosed
	}
	if len(frame) > state.MaxFrameSize {
		return errors.New("tunnel: frame too large")
	}
	s.sendMu.Lock()
	var ct []byte
	var err error
	if s.explicitNonce {
		n := s.sendCounter
		s.sendCounter++
		s.send.SetNonce(n)
		ct, err = s.send.Encrypt(nil, nil, frame)
		if err == nil {
			hdr := make([]byte, 8, 8+len(ct))
			binary.BigEndian.PutUint64(hdr, n)
			ct = append(hdr, ct...)
		}
	} else {
		ct, err = s.send.Encrypt(nil, nil, frame)
	}
	if err != nil {
		s.sendMu.Unlock()
		return err
	}
	err = s.pipe.writeFrame(ct)
	s.sendMu.Unlock()
	if err != nil {
		return err
	}
	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(len(frame)))
	return nil
}

func (s *session) Recv() ([]byte, error) {
	for {
		if s.State() != state.Established {
			return nil, ErrClosed
		}
		ct, err := s.pipe.readFrame()
		if err != nil {
			if s.State() != state.Established {
				return nil, ErrClosed
			}
			return nil, err
		}
		s.recvMu.Lock()
		var pt []byte
		if s.explicitNonce {
			if len(ct) < 8 {
				s.recvMu.Unlock()
				continue
			}
			n := binary.BigEndian.Uint64(ct[:8])
			if s.sawRecvNonce && n <= s.lastRecvNonce {
				// enforce ordering on lossy transports, old datagrams
				// are dropped rather than delivered out of order
				s.recvMu.Unlock()
				continue
			}
			s.recv.SetNonce(n)
			pt, err = s.recv.Decrypt(nil, nil, ct[8:])
			if err == nil {
				s.lastRecvNonce = n
				s.sawRecvNonce = true
			}
		} else {
			pt, err = s.recv.Decrypt(nil, nil, ct)
		}
		s.recvMu.Unlock()
		if err != nil {
			if !s.explicitNonce {
				// a reliable transport never loses frames, so a decrypt
				// failure means the stream is corrupt
				s.Close()
				return nil, ErrClosed
			}
			// stray or replayed datagram
			continue
		}
		s.framesRecv.Add(1)
		s.bytesRecv.Add(uint64(len(pt)))
		return pt, nil
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.connState.Store(int32(state.Closing))
		_ = s.pipe.close()
		s.connState.Store(int32(state.Closed))
	})
	return nil
}

func (s *session) Stats() state.TunnelStats {
	return state.TunnelStats{
		FramesSent: s.framesSent.Load(),
		FramesRecv: s.framesRecv.Load(),
		BytesSent:  s.bytesSent.Load(),
		BytesRecv:  s.bytesRecv.Load(),
	}
}

// Authenticator decides whether a remote static key belongs to a trusted
// peer and resolves its identity.
type Authenticator func(pub state.OvPublicKey) (state.PeerId, bool)
