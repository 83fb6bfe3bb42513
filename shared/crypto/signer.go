package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// SignatureSize is the Ed25519 signature size
	SignatureSize = ed25519.SignatureSize // 64 bytes
	// SigningPublicKeySize is the Ed25519 public key size
	SigningPublicKeySize = ed25519.PublicKeySize // 32 bytes
)

var (
	// ErrInvalidSignature indicates signature verification failed
	ErrInvalidSignature = errors.New("crypto: signature verification failed")
	// ErrInvalidSigningKey indicates a malformed signing or verify key
	ErrInvalidSigningKey = errors.New("crypto: invalid signing key")
)

// Signer holds the server's long-term Ed25519 identity key. Its public half
// is distributed to clients out of band.
type Signer struct {
	priv ed25519.PrivateKey
}

// GenerateSigningKey generates a fresh Ed25519 identity keypair.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSigningKey, ed25519.PrivateKeySize, len(priv))
	}
	return &Signer{priv: priv}, nil
}

// Public returns the verification half of the identity key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign signs message with the identity key.
func (s *Signer) Sign(message []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	copy(sig[:], ed25519.Sign(s.priv, message))
	return sig
}

// Verify checks an Ed25519 signature over message against the pre-shared
// server public key.
func Verify(pub ed25519.PublicKey, message []byte, sig [SignatureSize]byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSigningKey, ed25519.PublicKeySize, len(pub))
	}
	if !ed25519.Verify(pub, message, sig[:]) {
		return ErrInvalidSignature
	}
	return nil
}
