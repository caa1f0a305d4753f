// Package sealed implements the one-shot authenticated encryption used for
// every job and every result that crosses the relay.
//
// A sealed message is four opaque fields: the XChaCha20-Poly1305
// ciphertext, the sender's single-use X25519 public key, the AEAD nonce and
// an Ed25519 signature by the sender's long-term identity. The symmetric key
// is derived with BLAKE3 from the ephemeral-static X25519 secret under a
// label that differs per purpose, so a job key can never decrypt a result
// and vice versa.
//
// The signature covers a deterministic CBOR transcript of the purpose, the
// sender identity key, the recipient context (the agent identity for jobs,
// the job id for results), the ephemeral key, the nonce and the ciphertext.
// Open verifies it before any key agreement or decryption happens.
package sealed

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-dispatch/internal/codec"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	EphemeralKeySize = curve25519.PointSize
	NonceSize        = chacha20poly1305.NonceSizeX
	SignatureSize    = ed25519.SignatureSize
	Overhead         = chacha20poly1305.Overhead

	version = 1
)

var (
	ErrSignatureInvalid = errors.New("sealed: signature invalid")
	ErrDecryptionFailed = errors.New("sealed: decryption failed")
	ErrUnknownPurpose   = errors.New("sealed: unknown purpose")
)

// Purpose separates the key derivation of jobs from that of results.
type Purpose uint8

const (
	PurposeJob Purpose = iota + 1
	PurposeResult
)

func (p Purpose) String() string {
	switch p {
	case PurposeJob:
		return "job"
	case PurposeResult:
		return "result"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(p))
	}
}

func (p Purpose) kdfContext() (string, error) {
	switch p {
	case PurposeJob:
		return "silo-dispatch 2026-10-18 sealed job key v1", nil
	case PurposeResult:
		return "silo-dispatch 2026-10-18 sealed result key v1", nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownPurpose, uint8(p))
	}
}

type Envelope struct {
	Ciphertext         []byte
	EphemeralPublicKey []byte
	Nonce              []byte
	Signature          []byte
}

// Recipient addresses a sealed message. PublicKey is the X25519 key the
// message is encrypted to. Context identifies the recipient independently of
// that key and is covered by the sender's signature.
type Recipient struct {
	PublicKey [32]byte
	Context   []byte
}

type Signer interface {
	PublicKey() ed25519.PublicKey
	Sign(message []byte) []byte
}

// KeyExchanger is the private half of a recipient key. Implemented by
// *identity.Identity and *prekey.Prekey.
type KeyExchanger interface {
	ExchangePublicKey() [32]byte
	SharedSecret(peer [32]byte) ([]byte, error)
}

type signedHeader struct {
	Version   uint8   `cbor:"1,keyasint"`
	Purpose   Purpose `cbor:"2,keyasint"`
	Sender    []byte  `cbor:"3,keyasint"`
	Context   []byte  `cbor:"4,keyasint"`
	Ephemeral []byte  `cbor:"5,keyasint"`
}

type transcript struct {
	Header     signedHeader `cbor:"1,keyasint"`
	Nonce      []byte       `cbor:"2,keyasint"`
	Ciphertext []byte       `cbor:"3,keyasint"`
}

type associatedData struct {
	Header    signedHeader `cbor:"1,keyasint"`
	Recipient []byte       `cbor:"2,keyasint"`
}

// Seal encrypts payload to the recipient and signs it as sender. Every call
// uses a new ephemeral key and nonce.
func Seal(sender Signer, to Recipient, purpose Purpose, payload []byte) (*Envelope, error) {
	kdfContext, err := purpose.kdfContext()
	if err != nil {
		return nil, err
	}

	var ephemeralPrivate [32]byte
	if _, err := rand.Read(ephemeralPrivate[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephemeralPrivate[:], to.PublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("invalid recipient key: %w", err)
	}

	header := signedHeader{
		Version:   version,
		Purpose:   purpose,
		Sender:    sender.PublicKey(),
		Context:   to.Context,
		Ephemeral: ephemeralPublic,
	}
	aad, err := codec.Marshal(associatedData{Header: header, Recipient: to.PublicKey[:]})
	if err != nil {
		return nil, fmt.Errorf("failed to encode associated data: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(kdfContext, shared, ephemeralPublic, to.PublicKey[:]))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, payload, aad)

	signed, err := codec.Marshal(transcript{Header: header, Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}

	return &Envelope{
		Ciphertext:         ciphertext,
		EphemeralPublicKey: ephemeralPublic,
		Nonce:              nonce,
		Signature:          sender.Sign(signed),
	}, nil
}

// Open verifies that env was sealed by sender for this recipient context and
// decrypts it. It fails with ErrSignatureInvalid without attempting
// decryption when the signature does not verify, and with
// ErrDecryptionFailed when the AEAD rejects the ciphertext.
func Open(recipient KeyExchanger, context []byte, sender ed25519.PublicKey, purpose Purpose, env *Envelope) ([]byte, error) {
	kdfContext, err := purpose.kdfContext()
	if err != nil {
		return nil, err
	}
	if !wellFormed(env) || len(sender) != ed25519.PublicKeySize {
		return nil, ErrSignatureInvalid
	}

	header := signedHeader{
		Version:   version,
		Purpose:   purpose,
		Sender:    sender,
		Context:   context,
		Ephemeral: env.EphemeralPublicKey,
	}
	signed, err := codec.Marshal(transcript{Header: header, Nonce: env.Nonce, Ciphertext: env.Ciphertext})
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	if !ed25519.Verify(sender, signed, env.Signature) {
		return nil, ErrSignatureInvalid
	}

	var ephemeral [32]byte
	copy(ephemeral[:], env.EphemeralPublicKey)
	shared, err := recipient.SharedSecret(ephemeral)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	recipientPublic := recipient.ExchangePublicKey()
	aad, err := codec.Marshal(associatedData{Header: header, Recipient: recipientPublic[:]})
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.NewX(deriveKey(kdfContext, shared, env.EphemeralPublicKey, recipientPublic[:]))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// WellFormed reports whether the envelope fields have the sizes Open
// expects. The relay uses it to reject garbage early; it proves nothing
// about authenticity.
func WellFormed(env *Envelope) bool {
	return wellFormed(env)
}

func wellFormed(env *Envelope) bool {
	return env != nil &&
		len(env.EphemeralPublicKey) == EphemeralKeySize &&
		len(env.Nonce) == NonceSize &&
		len(env.Signature) == SignatureSize &&
		len(env.Ciphertext) >= Overhead
}

func deriveKey(context string, shared, ephemeral, recipient []byte) []byte {
	material := make([]byte, 0, len(shared)+len(ephemeral)+len(recipient))
	material = append(material, shared...)
	material = append(material, ephemeral...)
	material = append(material, recipient...)

	key := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(context, material, key)
	return key
}
