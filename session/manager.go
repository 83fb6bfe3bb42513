package session

import (
	"crypto/ecdh"
	"sync"
	"time"

	"github.com/driftgram/driftgram/shared/crypto"
)

// PendingTimeout is how long a pending handshake may wait for its Connect.
const PendingTimeout = 30 * time.Second

// PendingHandshake is the server-side state held between ClientHello and
// Connect for one remote address.
type PendingHandshake struct {
	Addr       string
	PrivateKey *ecdh.PrivateKey
	Envelope   *crypto.Envelope
	CreatedAt  time.Time
}

// Manager indexes sessions by token and by remote address and holds the
// pending handshake table. It is mutated from the server's I/O task;
// read access from other tasks is guarded by the lock.
type Manager struct {
	mu      sync.RWMutex
	byToken map[Token]*Session
	byAddr  map[string]*Session
	pending map[string]*PendingHandshake
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		byToken: make(map[Token]*Session),
		byAddr:  make(map[string]*Session),
		pending: make(map[string]*PendingHandshake),
	}
}

// Register indexes a freshly accepted session.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[s.Token()] = s
	m.byAddr[s.RemoteAddr()] = s
}

// ByToken looks up a session for resumption.
func (m *Manager) ByToken(t Token) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byToken[t]
	return s, ok
}

// ByAddr routes an inbound datagram to its session.
func (m *Manager) ByAddr(addr string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byAddr[addr]
	return s, ok
}

// Rebind atomically updates the address index when a session resumes from a
// new remote address.
func (m *Manager) Rebind(s *Session, oldAddr, newAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byAddr[oldAddr] == s {
		delete(m.byAddr, oldAddr)
	}
	m.byAddr[newAddr] = s
}

// Remove drops a session from both indexes.
func (m *Manager) Remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byToken, s.Token())
	if m.byAddr[s.RemoteAddr()] == s {
		delete(m.byAddr, s.RemoteAddr())
	}
}

// All returns a snapshot of every tracked session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byToken))
	for _, s := range m.byToken {
		out = append(out, s)
	}
	return out
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byToken)
}

// Sweep removes and returns every session whose reconnect window elapsed.
func (m *Manager) Sweep(now time.Time) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*Session
	for token, s := range m.byToken {
		if !s.Expired(now) {
			continue
		}
		delete(m.byToken, token)
		if m.byAddr[s.RemoteAddr()] == s {
			delete(m.byAddr, s.RemoteAddr())
		}
		expired = append(expired, s)
	}
	return expired
}

// PutPending stores a pending handshake, replacing any prior one for the
// same remote address.
func (m *Manager) PutPending(p *PendingHandshake) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.Addr] = p
}

// Pending looks up the pending handshake for a remote address.
func (m *Manager) Pending(addr string) (*PendingHandshake, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[addr]
	return p, ok
}

// RemovePending discards a pending handshake.
func (m *Manager) RemovePending(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, addr)
}

// SweepPending discards pending handshakes older than PendingTimeout.
func (m *Manager) SweepPending(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, p := range m.pending {
		if now.Sub(p.CreatedAt) > PendingTimeout {
			delete(m.pending, addr)
		}
	}
}
