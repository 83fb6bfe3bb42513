package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"
)

func testEnvelopePair(t *testing.T) (*Envelope, *Envelope) {
	t.Helper()
	var key [KeySize]byte
	var nonceBase [NonceSize]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(nonceBase[:]); err != nil {
		t.Fatal(err)
	}
	a, err := NewEnvelope(key, nonceBase)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	b, err := NewEnvelope(key, nonceBase)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	return a, b
}

func TestSealOpenRoundtrip(t *testing.T) {
	sender, receiver := testEnvelopePair(t)

	testCases := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("hello datagram")},
		{"datagram sized", make([]byte, 1400)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed := sender.Seal(tc.plaintext)
			if len(sealed) != len(tc.plaintext)+Overhead {
				t.Errorf("sealed length: got %d, want %d", len(sealed), len(tc.plaintext)+Overhead)
			}
			opened, err := receiver.Open(sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(opened, tc.plaintext) {
				t.Error("opened plaintext does not match")
			}
		})
	}
}

func TestConsecutiveCiphertextsDiffer(t *testing.T) {
	sender, _ := testEnvelopePair(t)
	plaintext := []byte("same plaintext")

	a := sender.Seal(plaintext)
	b := sender.Seal(plaintext)
	if bytes.Equal(a, b) {
		t.Error("consecutive seals of the same plaintext must differ")
	}
	if sender.SendCounter() != 2 {
		t.Errorf("send counter: got %d, want 2", sender.SendCounter())
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	sender, receiver := testEnvelopePair(t)
	sealed := sender.Seal([]byte("authenticated"))

	for _, idx := range []int{0, NonceSize, len(sealed) - 1} {
		corrupted := make([]byte, len(sealed))
		copy(corrupted, sealed)
		corrupted[idx] ^= 0x01
		if _, err := receiver.Open(corrupted); err == nil {
			t.Errorf("tampering at byte %d was not detected", idx)
		}
	}

	// The failed opens must not have advanced the window.
	if _, err := receiver.Open(sealed); err != nil {
		t.Fatalf("valid packet rejected after tamper attempts: %v", err)
	}
}

func TestOpenShortCiphertext(t *testing.T) {
	_, receiver := testEnvelopePair(t)
	if _, err := receiver.Open(make([]byte, Overhead-1)); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestReplayWindow(t *testing.T) {
	sender, receiver := testEnvelopePair(t)

	// Advance the receiver's expected counter far past the replay window.
	var early []byte
	for i := 0; i < ReplayWindow+100; i++ {
		sealed := sender.Seal([]byte("advance"))
		if i == 0 {
			early = sealed
		}
		if _, err := receiver.Open(sealed); err != nil {
			t.Fatalf("Open failed at %d: %v", i, err)
		}
	}

	// Counter 0 is now more than ReplayWindow below expected.
	if _, err := receiver.Open(early); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("replayed packet below the window was accepted: %v", err)
	}
}

func TestReplayWithinWindowIsAcceptedByAEAD(t *testing.T) {
	sender, receiver := testEnvelopePair(t)

	first := sender.Seal([]byte("one"))
	second := sender.Seal([]byte("two"))
	if _, err := receiver.Open(second); err != nil {
		t.Fatal(err)
	}
	// Counter 0 is within the window; the reliability layer handles the
	// duplicate, not the envelope.
	if _, err := receiver.Open(first); err != nil {
		t.Errorf("in-window packet rejected: %v", err)
	}
}

func TestCounterOutlierCap(t *testing.T) {
	sender, receiver := testEnvelopePair(t)

	// Hand-build a packet whose counter jumps past the outlier cap by
	// sealing with a fast-forwarded sender.
	sender.sendCounter = CounterOutlierCap + 1
	sealed := sender.Seal([]byte("outlier"))
	if _, err := receiver.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("outlier counter was accepted: %v", err)
	}

	// Just inside the cap passes.
	sender.sendCounter = CounterOutlierCap
	sealed = sender.Seal([]byte("edge"))
	if _, err := receiver.Open(sealed); err != nil {
		t.Errorf("edge counter rejected: %v", err)
	}
}

func TestNonceDerivation(t *testing.T) {
	var key [KeySize]byte
	var nonceBase [NonceSize]byte
	for i := range nonceBase {
		nonceBase[i] = byte(i * 7)
	}
	env, err := NewEnvelope(key, nonceBase)
	if err != nil {
		t.Fatal(err)
	}

	nonce := env.nonceFor(0x0102030405060708)
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], 0x0102030405060708)
	for i := 0; i < 8; i++ {
		if nonce[i] != nonceBase[i]^ctr[i] {
			t.Fatalf("nonce byte %d: got 0x%02x, want 0x%02x", i, nonce[i], nonceBase[i]^ctr[i])
		}
	}
	for i := 8; i < NonceSize; i++ {
		if nonce[i] != nonceBase[i] {
			t.Fatalf("high nonce byte %d modified", i)
		}
	}
}
