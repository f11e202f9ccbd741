package state

import (
	"crypto/rand"

	"github.com/mr-tron/base58"
	"go.step.sm/crypto/x25519"
	"golang.org/x/crypto/blake2s"
)

type OvPrivateKey [32]byte
type OvPublicKey [32]byte

// PeerId is the overlay identity of a node, derived from its public key.
// It is location independent and compared by equality only.
type PeerId string

func GenerateKey() OvPrivateKey {
	_, priv, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return OvPrivateKey(priv)
}

func (k OvPrivateKey) Pubkey() OvPublicKey {
	val, err := x25519.PrivateKey(k[:]).PublicKey()
	if err != nil {
		panic(err)
	}
	return OvPublicKey(val)
}

// IdFromKey derives the self-certifying identity of a public key.
func IdFromKey(pub OvPublicKey) PeerId {
	h := blake2s.Sum256(pub[:])
	return PeerId(base58.Encode(h[:20]))
}

func (k OvPrivateKey) Id() PeerId {
	return IdFromKey(k.Pubkey())
}

// Short returns a truncated form suitable for log prefixes.
func (p PeerId) Short() string {
	if len(p) <= 8 {
		return string(p)
	}
	return string(p[:8])
}
