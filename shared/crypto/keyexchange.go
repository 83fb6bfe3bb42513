// Package crypto provides the session key schedule and packet encryption:
// X25519 ephemeral key exchange, HKDF-SHA256 key derivation, the
// ChaCha20-Poly1305 packet envelope, and the Ed25519 server authenticator.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KDFSalt is the HKDF salt shared by every protocol version 1 endpoint.
	KDFSalt = "clientserver-v1"

	// KeySize is the derived symmetric key size (ChaCha20-Poly1305).
	KeySize = 32

	// PublicKeySize is the X25519 public key size.
	PublicKeySize = 32
)

const (
	infoEncryption = "encryption"
	infoNonce      = "nonce"
)

var (
	// ErrInvalidPublicKey is returned when a peer public key cannot be parsed
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
)

// GenerateKeyPair generates an ephemeral X25519 keypair for one handshake.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate X25519 keypair: %w", err)
	}
	return priv, nil
}

// DeriveSessionSecrets runs X25519 against the peer's ephemeral public key
// and expands the shared secret with HKDF-SHA256 into the symmetric key and
// nonce base. Both directions use the same pair; they are separated by the
// envelope's independent counters.
func DeriveSessionSecrets(priv *ecdh.PrivateKey, peerPublic []byte) (key [KeySize]byte, nonceBase [NonceSize]byte, err error) {
	if len(peerPublic) != PublicKeySize {
		return key, nonceBase, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, PublicKeySize, len(peerPublic))
	}
	peerPub, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return key, nonceBase, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return key, nonceBase, fmt.Errorf("ECDH failed: %w", err)
	}

	if err := expand(secret, infoEncryption, key[:]); err != nil {
		return key, nonceBase, err
	}
	if err := expand(secret, infoNonce, nonceBase[:]); err != nil {
		return key, nonceBase, err
	}
	return key, nonceBase, nil
}

// NewSessionEnvelope derives the session secrets and builds the packet
// envelope in one step.
func NewSessionEnvelope(priv *ecdh.PrivateKey, peerPublic []byte) (*Envelope, error) {
	key, nonceBase, err := DeriveSessionSecrets(priv, peerPublic)
	if err != nil {
		return nil, err
	}
	return NewEnvelope(key, nonceBase)
}

func expand(secret []byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, secret, []byte(KDFSalt), []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("HKDF expand %q failed: %w", info, err)
	}
	return nil
}
