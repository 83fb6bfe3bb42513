// Package session maintains logical connections that survive address
// changes and transient disconnects: per-session state, the work task that
// dispatches events in order, and the server-side session index.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TokenSize is the session token length in bytes.
const TokenSize = 16

// Token is the opaque identifier a client presents to resume its server-side
// session after a network interruption.
type Token [TokenSize]byte

// NewToken draws a cryptographically random token.
func NewToken() (Token, error) {
	var t Token
	if _, err := rand.Read(t[:]); err != nil {
		return t, fmt.Errorf("failed to generate session token: %w", err)
	}
	return t, nil
}

// String returns an abbreviated hex form for logging.
func (t Token) String() string {
	return hex.EncodeToString(t[:4])
}
