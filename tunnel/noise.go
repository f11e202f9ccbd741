package tunnel

import (
	"fmt"
	"time"

	"github.com/flynn/noise"

	"github.com/peersend/overlay/state"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

func dhKey(key state.OvPrivateKey) noise.DHKey {
	pub := key.Pubkey()
	return noise.DHKey{
		Private: append([]byte(nil), key[:]...),
		Public:  append([]byte(nil), pub[:]...),
	}
}

// initiatorHandshake runs Noise IK towards an expected remote static key.
// IK encrypts the first message to that key, so a remote holding a
// different key cannot even read the handshake; the failure surfaces as
// ErrAuth when the response does not verify.
func initiatorHandshake(pipe framePipe, key state.OvPrivateKey, remote state.OvPublicKey, deadline time.Time) (send, recv *noise.CipherState, err error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: dhKey(key),
		PeerStatic:    remote[:],
	})
	if err != nil {
		return nil, nil, err
	}
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := pipe.writeFrame(msg1); err != nil {
		return nil, nil, err
	}
	pipe.setReadDeadline(deadline)
	defer pipe.setReadDeadline(time.Time{})
	resp, err := pipe.readFrame()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: no handshake response: %w", ErrTimeout, err)
	}
	_, cs0, cs1, err := hs.ReadMessage(nil, resp)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	// cs0 encrypts initiator to responder
	return cs0, cs1, nil
}

// responderHandshake answers one Noise IK exchange. The initiator's
// static key pops out of the first message and must resolve to a trusted
// identity, otherwise the handshake is rejected.
func responderHandshake(msg1 []byte, key state.OvPrivateKey, auth Authenticator) (resp []byte, send, recv *noise.CipherState, peer state.PeerId, err error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeIK,
		StaticKeypair: dhKey(key),
	})
	if err != nil {
		return nil, nil, nil, "", err
	}
	if _, _, _, err = hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, nil, "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	var remote state.OvPublicKey
	if len(hs.PeerStatic()) != len(remote) {
		return nil, nil, nil, "", ErrAuth
	}
	copy(remote[:], hs.PeerStatic())
	peer, ok := auth(remote)
	if !ok {
		return nil, nil, nil, "", fmt.Errorf("%w: untrusted static key", ErrAuth)
	}
	resp, cs0, cs1, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, "", err
	}
	// cs1 encrypts responder to initiator
	return resp, cs1, cs0, peer, nil
}
