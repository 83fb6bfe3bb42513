package session

import (
	"testing"
)

func TestTokenUniqueness(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 2^20 token generation in short mode")
	}
	const count = 1 << 20
	seen := make(map[Token]struct{}, count)
	for i := 0; i < count; i++ {
		token, err := NewToken()
		if err != nil {
			t.Fatalf("NewToken failed at %d: %v", i, err)
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("token collision after %d registrations", i)
		}
		seen[token] = struct{}{}
	}
}

func TestTokenNotAllZeros(t *testing.T) {
	token, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	if token == (Token{}) {
		t.Error("token is all zeros")
	}
}

func TestTokenStringIsShortHex(t *testing.T) {
	token := Token{0xDE, 0xAD, 0xBE, 0xEF}
	if token.String() != "deadbeef" {
		t.Errorf("got %q", token.String())
	}
}
