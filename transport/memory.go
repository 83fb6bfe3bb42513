package transport

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// memRecvBacklog is the receive channel depth of a simulated endpoint.
const memRecvBacklog = 4096

// Conditions shape a simulated endpoint's outbound traffic.
type Conditions struct {
	LossRate       float64       // uniform drop probability in [0,1)
	MinLatency     time.Duration // per-datagram delay lower bound
	MaxLatency     time.Duration // per-datagram delay upper bound
	DuplicateEvery int           // every Nth delivered datagram is delivered twice
}

// MemoryNetwork is an in-memory datagram router indexed by address, with
// per-endpoint controls for loss, latency (and thus reordering), duplication,
// and one-shot drops. It backs the protocol's deterministic network tests.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryEndpoint
	rng       *rand.Rand
	autoPort  int
}

// NewMemoryNetwork creates a simulated network. The seed makes loss and
// latency decisions reproducible.
func NewMemoryNetwork(seed int64) *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryEndpoint),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Listen registers an endpoint under addr. An empty addr or ":0" port is
// assigned automatically.
func (n *MemoryNetwork) Listen(addr string) (Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if addr == "" || addr == ":0" {
		n.autoPort++
		addr = fmt.Sprintf("mem:%d", n.autoPort)
	}
	if _, taken := n.endpoints[addr]; taken {
		return nil, fmt.Errorf("transport: address %q already in use", addr)
	}

	ep := &MemoryEndpoint{
		net:     n,
		addr:    addr,
		packets: make(chan Datagram, memRecvBacklog),
	}
	n.endpoints[addr] = ep
	return ep, nil
}

// Endpoint returns the simulated endpoint registered at addr, for tests that
// need to adjust its conditions after creation.
func (n *MemoryNetwork) Endpoint(addr string) (*MemoryEndpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[addr]
	return ep, ok
}

func (n *MemoryNetwork) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

func (n *MemoryNetwork) lookup(addr string) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[addr]
}

func (n *MemoryNetwork) roll() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rng.Float64()
}

// MemoryEndpoint is one address on the simulated network.
type MemoryEndpoint struct {
	net     *MemoryNetwork
	addr    string
	packets chan Datagram

	mu         sync.Mutex
	conditions Conditions
	sentCount  int
	dropNext   int
	dropMatch  []func(payload []byte) bool
	mutators   []mutator
	closed     bool
}

type mutator struct {
	match  func(payload []byte) bool
	mutate func(payload []byte) []byte
}

// SetConditions replaces the endpoint's outbound traffic shaping.
func (e *MemoryEndpoint) SetConditions(c Conditions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conditions = c
}

// DropNext discards the next n outbound datagrams, once.
func (e *MemoryEndpoint) DropNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropNext += n
}

// DropNextMatching discards the next outbound datagram whose payload
// satisfies match, once.
func (e *MemoryEndpoint) DropNextMatching(match func(payload []byte) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropMatch = append(e.dropMatch, match)
}

// MutateNextMatching corrupts the next outbound datagram whose payload
// satisfies match, once. Tests use it to tamper with wire bytes.
func (e *MemoryEndpoint) MutateNextMatching(match func(payload []byte) bool, mutate func(payload []byte) []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mutators = append(e.mutators, mutator{match: match, mutate: mutate})
}

func (e *MemoryEndpoint) Packets() <-chan Datagram {
	return e.packets
}

func (e *MemoryEndpoint) LocalAddr() string {
	return e.addr
}

// Send routes a datagram through the simulated network, applying this
// endpoint's one-shot drops, loss rate, latency, and duplication.
func (e *MemoryEndpoint) Send(to string, payload []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.dropNext > 0 {
		e.dropNext--
		e.mu.Unlock()
		return nil
	}
	for i, match := range e.dropMatch {
		if match(payload) {
			e.dropMatch = append(e.dropMatch[:i], e.dropMatch[i+1:]...)
			e.mu.Unlock()
			return nil
		}
	}
	for i, m := range e.mutators {
		if m.match(payload) {
			mutated := make([]byte, len(payload))
			copy(mutated, payload)
			payload = m.mutate(mutated)
			e.mutators = append(e.mutators[:i], e.mutators[i+1:]...)
			break
		}
	}
	cond := e.conditions
	e.sentCount++
	duplicate := cond.DuplicateEvery > 0 && e.sentCount%cond.DuplicateEvery == 0
	e.mu.Unlock()

	if cond.LossRate > 0 && e.net.roll() < cond.LossRate {
		return nil
	}

	peer := e.net.lookup(to)
	if peer == nil {
		// Unroutable address: a real network would silently eat it too.
		return nil
	}

	copies := 1
	if duplicate {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		body := make([]byte, len(payload))
		copy(body, payload)
		delay := cond.MinLatency
		if cond.MaxLatency > cond.MinLatency {
			jitter := time.Duration(e.net.roll() * float64(cond.MaxLatency-cond.MinLatency))
			delay += jitter
		}
		if delay <= 0 {
			peer.deliver(Datagram{From: e.addr, Payload: body})
			continue
		}
		go func(d Datagram, wait time.Duration) {
			time.Sleep(wait)
			peer.deliver(d)
		}(Datagram{From: e.addr, Payload: body}, delay)
	}
	return nil
}

func (e *MemoryEndpoint) deliver(d Datagram) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	// Recover from the race between a late delayed delivery and Close.
	defer func() { recover() }()
	select {
	case e.packets <- d:
	default:
	}
}

func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.net.remove(e.addr)
	close(e.packets)
	return nil
}
