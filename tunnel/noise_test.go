package tunnel

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peersend/overlay/state"
)

// memPipe is an in-memory framePipe half; a pair shares two channels.
type memPipe struct {
	in  chan []byte
	out chan []byte

	mu       sync.Mutex
	deadline time.Time
	closed   bool
	done     chan struct{}
}

func newMemPipePair() (*memPipe, *memPipe) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &memPipe{in: ba, out: ab, done: make(chan struct{})}
	b := &memPipe{in: ab, out: ba, done: make(chan struct{})}
	return a, b
}

func (p *memPipe) writeFrame(b []byte) error {
	select {
	case p.out <- append([]byte(nil), b...):
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *memPipe) readFrame() ([]byte, error) {
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
	case b := <-p.in:
		return b, nil
	case <-expire:
		return nil, ErrTimeout
	case <-p.done:
		return nil, ErrClosed
	}
}

func (p *memPipe) setReadDeadline(t time.Time) {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
}

func (p *memPipe) close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	return nil
}

func (p *memPipe) localAddr() netip.AddrPort  { return netip.AddrPort{} }
func (p *memPipe) remoteAddr() netip.AddrPort { return netip.AddrPort{} }

func trustOnly(keys ...state.OvPrivateKey) Authenticator {
	trusted := make(map[state.OvPublicKey]state.PeerId)
	for _, k := range keys {
		trusted[k.Pubkey()] = k.Id()
	}
	return func(pub state.OvPublicKey) (state.PeerId, bool) {
		id, ok := trusted[pub]
		return id, ok
	}
}

// handshakePair completes a full IK exchange over in-memory pipes and
// returns both cipher state pairs.
func handshakePair(t *testing.T, initKey, respKey state.OvPrivateKey, auth Authenticator) (iSend, iRecv, rSend, rRecv *noise.CipherState) {
	t.Helper()
	pa, pb := newMemPipePair()

	type initResult struct {
		send, recv *noise.CipherState
		err        error
	}
	resCh := make(chan initResult, 1)
	go func() {
		s, r, err := initiatorHandshake(pa, initKey, respKey.Pubkey(), time.Now().Add(time.Second))
		resCh <- initResult{s, r, err}
	}()

	msg1, err := pb.readFrame()
	require.NoError(t, err)
	resp, rs, rr, peer, err := responderHandshake(msg1, respKey, auth)
	require.NoError(t, err)
	assert.Equal(t, initKey.Id(), peer)
	require.NoError(t, pb.writeFrame(resp))

	res := <-resCh
	require.NoError(t, res.err)
	return res.send, res.recv, rs, rr
}

func TestHandshakeEstablishesSharedKeys(t *testing.T) {
	a := state.GenerateKey()
	b := state.GenerateKey()
	iSend, iRecv, rSend, rRecv := handshakePair(t, a, b, trustOnly(a, b))

	ct, err := iSend.Encrypt(nil, nil, []byte("initiator speaks"))
	require.NoError(t, err)
	pt, err := rRecv.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("initiator speaks"), pt)

	ct, err = rSend.Encrypt(nil, nil, []byte("responder speaks"))
	require.NoError(t, err)
	pt, err = iRecv.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("responder speaks"), pt)
}

func TestResponderRejectsUntrustedInitiator(t *testing.T) {
	a := state.GenerateKey()
	b := state.GenerateKey()
	pa, pb := newMemPipePair()

	go func() {
		_, _, _ = initiatorHandshake(pa, a, b.Pubkey(), time.Now().Add(time.Second))
	}()
	msg1, err := pb.readFrame()
	require.NoError(t, err)

	// responder trusts only itself
	_, _, _, _, err = responderHandshake(msg1, b, trustOnly(b))
	assert.ErrorIs(t, err, ErrAuth)
	pa.close()
}

func TestResponderRejectsWrongStaticTarget(t *testing.T) {
	a := state.GenerateKey()
	b := state.GenerateKey()
	other := state.GenerateKey()
	pa, pb := newMemPipePair()

	// the initiator encrypts its first message to a key the responder
	// does not hold, so the responder cannot even read it
	go func() {
		_, _, _ = initiatorHandshake(pa, a, other.Pubkey(), time.Now().Add(time.Second))
	}()
	msg1, err := pb.readFrame()
	require.NoError(t, err)

	_, _, _, _, err = responderHandshake(msg1, b, trustOnly(a, b))
	assert.ErrorIs(t, err, ErrAuth)
	pa.close()
}

func TestInitiatorTimesOutWithoutResponse(t *testing.T) {
	a := state.GenerateKey()
	b := state.GenerateKey()
	pa, _ := newMemPipePair()

	_, _, err := initiatorHandshake(pa, a, b.Pubkey(), time.Now().Add(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}
