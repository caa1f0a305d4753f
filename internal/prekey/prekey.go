// Package prekey issues and verifies the medium-term X25519 key an agent
// publishes so that operators can seal jobs to it without a handshake.
package prekey

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-dispatch/internal/identity"
	"golang.org/x/crypto/curve25519"
)

// signatureContext prefixes the signed prekey bytes so a prekey signature
// can never be mistaken for a signature over a sealed message transcript.
const signatureContext = "silo-dispatch prekey v1\x00"

var ErrUntrustedPrekey = errors.New("prekey: signature does not match agent identity")

type Prekey struct {
	private   [32]byte
	public    [32]byte
	signature []byte
}

// Issue generates a fresh prekey and signs its public half with id.
func Issue(id *identity.Identity) (*Prekey, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate prekey: %w", err)
	}
	return fromPrivate(priv, id)
}

func fromPrivate(priv [32]byte, id *identity.Identity) (*Prekey, error) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive prekey public key: %w", err)
	}

	pk := &Prekey{private: priv}
	copy(pk.public[:], pub)
	if id != nil {
		pk.signature = id.Sign(signedMessage(pk.public[:]))
	}
	return pk, nil
}

func (p *Prekey) PublicKey() [32]byte {
	return p.public
}

func (p *Prekey) Signature() []byte {
	return append([]byte(nil), p.signature...)
}

// ExchangePublicKey and SharedSecret let a prekey open sealed envelopes.
func (p *Prekey) ExchangePublicKey() [32]byte {
	return p.public
}

func (p *Prekey) SharedSecret(peer [32]byte) ([]byte, error) {
	return curve25519.X25519(p.private[:], peer[:])
}

// Verify reports whether signature is a valid signature of prekeyPublic by
// the holder of identityPublic.
func Verify(identityPublic, prekeyPublic, signature []byte) bool {
	if len(identityPublic) != ed25519.PublicKeySize || len(prekeyPublic) != curve25519.PointSize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(identityPublic, signedMessage(prekeyPublic), signature)
}

// Require is Verify for call sites that must refuse to continue.
func Require(identityPublic, prekeyPublic, signature []byte) error {
	if !Verify(identityPublic, prekeyPublic, signature) {
		return ErrUntrustedPrekey
	}
	return nil
}

func signedMessage(prekeyPublic []byte) []byte {
	msg := make([]byte, 0, len(signatureContext)+len(prekeyPublic))
	msg = append(msg, signatureContext...)
	return append(msg, prekeyPublic...)
}
