package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/driftgram/driftgram/pkg/logging"
)

// MaxDatagramSize bounds a single received datagram.
const MaxDatagramSize = 65535

// udpRecvBacklog is the receive channel depth before datagrams are dropped.
const udpRecvBacklog = 1024

// UDPNetwork creates endpoints over real UDP sockets.
type UDPNetwork struct{}

// NewUDPNetwork creates the production network.
func NewUDPNetwork() *UDPNetwork {
	return &UDPNetwork{}
}

// Listen binds a UDP socket on addr ("host:port"; port 0 picks a free port).
func (n *UDPNetwork) Listen(addr string) (Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	ep := &udpEndpoint{
		conn:    conn,
		packets: make(chan Datagram, udpRecvBacklog),
		log:     logging.GetDefaultLogger(),
	}
	ep.wg.Add(1)
	go ep.readLoop()
	return ep, nil
}

type udpEndpoint struct {
	conn    *net.UDPConn
	packets chan Datagram
	log     *logging.Logger

	mu     sync.RWMutex
	peers  map[string]*net.UDPAddr
	closed bool
	wg     sync.WaitGroup
}

func (e *udpEndpoint) Packets() <-chan Datagram {
	return e.packets
}

func (e *udpEndpoint) LocalAddr() string {
	return e.conn.LocalAddr().String()
}

func (e *udpEndpoint) Send(to string, payload []byte) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	addr := e.peers[to]
	e.mu.RUnlock()

	if addr == nil {
		resolved, err := net.ResolveUDPAddr("udp", to)
		if err != nil {
			return fmt.Errorf("failed to resolve %q: %w", to, err)
		}
		e.mu.Lock()
		if e.peers == nil {
			e.peers = make(map[string]*net.UDPAddr)
		}
		e.peers[to] = resolved
		e.mu.Unlock()
		addr = resolved
	}

	if _, err := e.conn.WriteToUDP(payload, addr); err != nil {
		return fmt.Errorf("UDP write to %s failed: %w", to, err)
	}
	return nil
}

func (e *udpEndpoint) readLoop() {
	defer e.wg.Done()
	defer close(e.packets)

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.log.Warn("UDP read failed", logging.Fields{"error": err.Error()})
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case e.packets <- Datagram{From: from.String(), Payload: payload}:
		default:
			// Receive backlog full; UDP is lossy anyway, the peer retransmits.
			e.log.Warn("receive backlog full, dropping datagram", logging.Fields{"from": from.String()})
		}
	}
}

func (e *udpEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.conn.Close()
	e.wg.Wait()
	return err
}
