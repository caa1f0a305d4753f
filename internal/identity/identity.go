// Package identity holds the long-term Ed25519 identity of a principal (an
// operator client or an agent).
//
// The same key serves two purposes. It signs everything the principal
// sends, and, mapped onto Curve25519, it is the X25519 key that results are
// sealed to when they are addressed to the principal directly.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
)

const (
	PublicKeySize = ed25519.PublicKeySize
	// ExchangeKeySize is the size of an X25519 public key or shared secret.
	ExchangeKeySize = curve25519.PointSize
)

var (
	ErrIO               = errors.New("identity: storage unavailable")
	ErrCorruptKey       = errors.New("identity: corrupt key")
	ErrInvalidPublicKey = errors.New("identity: invalid public key")
)

type Identity struct {
	private         ed25519.PrivateKey
	public          ed25519.PublicKey
	exchangePrivate [32]byte
	exchangePublic  [32]byte
}

// Generate creates a fresh identity from crypto/rand.
func Generate() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate identity seed: %w", err)
	}
	return FromSeed(seed)
}

// FromSeed rebuilds an identity from its 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrCorruptKey, len(seed), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	exchangePublic, err := ExchangePublicKeyFor(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptKey, err)
	}

	return &Identity{
		private:         priv,
		public:          pub,
		exchangePrivate: exchangeScalar(seed),
		exchangePublic:  exchangePublic,
	}, nil
}

func (id *Identity) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.public...)
}

func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.private, message)
}

// ExchangePublicKey is the X25519 form of the identity public key.
func (id *Identity) ExchangePublicKey() [32]byte {
	return id.exchangePublic
}

// SharedSecret computes X25519 between the identity's exchange scalar and a
// peer public key. Low-order peer points are rejected.
func (id *Identity) SharedSecret(peer [32]byte) ([]byte, error) {
	return curve25519.X25519(id.exchangePrivate[:], peer[:])
}

func (id *Identity) Fingerprint() string {
	return Fingerprint(id.public)
}

func (id *Identity) seed() []byte {
	return id.private.Seed()
}

// ExchangePublicKeyFor maps an Ed25519 public key to the X25519 public key
// of the same secret scalar. Small-order points are rejected: no secret
// key stands behind them and X25519 with them yields no shared secret.
func ExchangePublicKeyFor(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(pub))
	}
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	if new(edwards25519.Point).MultByCofactor(point).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return out, fmt.Errorf("%w: small-order point", ErrInvalidPublicKey)
	}
	copy(out[:], point.BytesMontgomery())
	return out, nil
}

// Fingerprint is a short, human comparable digest of a public key.
func Fingerprint(pub []byte) string {
	sum := blake3.Sum256(pub)
	return hex.EncodeToString(sum[:16])
}

// exchangeScalar derives the clamped X25519 scalar that Ed25519 uses
// internally for this seed, so that X25519(scalar, base) matches the
// Montgomery form of the public key.
func exchangeScalar(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return out
}
