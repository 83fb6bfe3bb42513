package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the AEAD nonce size (96 bits)
	NonceSize = chacha20poly1305.NonceSize // 12 bytes
	// TagSize is the Poly1305 authentication tag size
	TagSize = chacha20poly1305.Overhead // 16 bytes
	// Overhead is the total envelope overhead per packet (nonce + tag)
	Overhead = NonceSize + TagSize

	// ReplayWindow is how far below the expected counter a packet may fall
	// before it is rejected as a replay.
	ReplayWindow = 1000
	// CounterOutlierCap is how far above the expected counter a packet may
	// jump before it is rejected as an outlier.
	CounterOutlierCap = 10000
)

var (
	// ErrDecryptionFailed indicates tag validation failed or the nonce
	// counter fell outside the acceptance window.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")

	// ErrInvalidCiphertext indicates the ciphertext is too short to carry
	// a nonce and tag.
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")
)

// Envelope is the per-session AEAD packet wrapper. The send side derives
// each nonce from a monotonic counter XORed into the nonce base; the receive
// side recovers the counter from the wire nonce and enforces the replay
// window before updating its expected counter.
//
// It is NOT thread-safe; each envelope is owned by a single session task.
type Envelope struct {
	aead      cipher.AEAD
	nonceBase [NonceSize]byte

	sendCounter  uint64 // next counter to use
	recvExpected uint64 // highest counter seen + 1
}

// NewEnvelope creates an envelope with the given derived key and nonce base.
func NewEnvelope(key [KeySize]byte, nonceBase [NonceSize]byte) (*Envelope, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AEAD: %w", err)
	}
	return &Envelope{aead: aead, nonceBase: nonceBase}, nil
}

// nonceFor XORs the little-endian counter into the first 8 bytes of the
// nonce base. The high 4 bytes of the base pass through unchanged.
func (e *Envelope) nonceFor(counter uint64) [NonceSize]byte {
	nonce := e.nonceBase
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[i] ^= ctr[i]
	}
	return nonce
}

// Seal encrypts plaintext under the next send counter and emits
// [nonce (12 bytes)][ciphertext+tag].
func (e *Envelope) Seal(plaintext []byte) []byte {
	nonce := e.nonceFor(e.sendCounter)
	e.sendCounter++

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce[:])
	return e.aead.Seal(out, nonce[:], plaintext, nil)
}

// Open authenticates and decrypts a sealed packet. The receive counter is
// only advanced after the tag verifies; rejected packets leave the envelope
// state untouched.
func (e *Envelope) Open(packet []byte) ([]byte, error) {
	if len(packet) < Overhead {
		return nil, ErrInvalidCiphertext
	}

	var nonce [NonceSize]byte
	copy(nonce[:], packet[:NonceSize])

	var ctr [8]byte
	for i := 0; i < 8; i++ {
		ctr[i] = nonce[i] ^ e.nonceBase[i]
	}
	counter := binary.LittleEndian.Uint64(ctr[:])

	if counter < e.recvExpected && e.recvExpected-counter > ReplayWindow {
		return nil, fmt.Errorf("%w: counter %d below replay window (expected %d)", ErrDecryptionFailed, counter, e.recvExpected)
	}
	if counter > e.recvExpected && counter-e.recvExpected > CounterOutlierCap {
		return nil, fmt.Errorf("%w: counter %d beyond outlier cap (expected %d)", ErrDecryptionFailed, counter, e.recvExpected)
	}

	plaintext, err := e.aead.Open(nil, nonce[:], packet[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	if counter+1 > e.recvExpected {
		e.recvExpected = counter + 1
	}
	return plaintext, nil
}

// SendCounter returns the next send counter value.
func (e *Envelope) SendCounter() uint64 {
	return e.sendCounter
}
