package transport

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftgram/driftgram/pkg/logging"
)

// wsWriteTimeout bounds a single WebSocket write.
const wsWriteTimeout = 10 * time.Second

// WSNetwork bridges the datagram capability over WebSocket for deployments
// where UDP is blocked. Each binary WebSocket message carries exactly one
// datagram. The server side multiplexes connected clients under pseudo
// addresses; the client side talks to its single server peer.
type WSNetwork struct {
	// Path is the HTTP path the server side serves, "/dgram" by default.
	Path string
}

// NewWSNetwork creates the WebSocket bridge network.
func NewWSNetwork() *WSNetwork {
	return &WSNetwork{Path: "/dgram"}
}

// Listen starts an HTTP server on addr upgrading connections at Path.
func (n *WSNetwork) Listen(addr string) (Endpoint, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind WebSocket listener: %w", err)
	}

	ep := &wsServerEndpoint{
		addr:    listener.Addr().String(),
		packets: make(chan Datagram, udpRecvBacklog),
		conns:   make(map[string]*wsConn),
		log:     logging.GetDefaultLogger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(n.Path, ep.handleUpgrade)
	ep.server = &http.Server{Handler: mux}

	go func() {
		if err := ep.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			ep.log.Error("WebSocket server stopped", logging.Fields{"error": err.Error()})
		}
	}()
	return ep, nil
}

// DialWS connects a client endpoint to a server bridge at url
// (ws://host:port/dgram). The returned endpoint's only valid destination is
// the server; the `to` argument of Send is ignored.
func DialWS(url string) (Endpoint, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect WebSocket bridge: %w", err)
	}

	ep := &wsClientEndpoint{
		conn:    &wsConn{conn: conn},
		peer:    url,
		packets: make(chan Datagram, udpRecvBacklog),
	}
	go ep.readLoop()
	return ep, nil
}

// wsConn serializes writes; gorilla permits one concurrent writer only.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeBinary(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

type wsServerEndpoint struct {
	addr    string
	server  *http.Server
	packets chan Datagram
	log     *logging.Logger

	mu     sync.RWMutex
	conns  map[string]*wsConn
	closed bool
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  MaxDatagramSize,
	WriteBufferSize: MaxDatagramSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (e *wsServerEndpoint) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("WebSocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}

	pseudo := "ws/" + conn.RemoteAddr().String()
	wc := &wsConn{conn: conn}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.conns[pseudo] = wc
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.conns, pseudo)
			e.mu.Unlock()
			conn.Close()
		}()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			e.mu.RLock()
			closed := e.closed
			e.mu.RUnlock()
			if closed {
				return
			}
			select {
			case e.packets <- Datagram{From: pseudo, Payload: data}:
			default:
			}
		}
	}()
}

func (e *wsServerEndpoint) Packets() <-chan Datagram { return e.packets }
func (e *wsServerEndpoint) LocalAddr() string        { return e.addr }

func (e *wsServerEndpoint) Send(to string, payload []byte) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	wc := e.conns[to]
	e.mu.RUnlock()
	if wc == nil {
		// Peer went away; datagram semantics allow silent loss.
		return nil
	}
	return wc.writeBinary(payload)
}

func (e *wsServerEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := e.conns
	e.conns = map[string]*wsConn{}
	e.mu.Unlock()

	for _, wc := range conns {
		wc.conn.Close()
	}
	err := e.server.Close()
	close(e.packets)
	return err
}

type wsClientEndpoint struct {
	conn    *wsConn
	peer    string
	packets chan Datagram

	mu     sync.Mutex
	closed bool
}

func (e *wsClientEndpoint) Packets() <-chan Datagram { return e.packets }

func (e *wsClientEndpoint) LocalAddr() string {
	return e.conn.conn.LocalAddr().String()
}

func (e *wsClientEndpoint) Send(_ string, payload []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.conn.writeBinary(payload)
}

func (e *wsClientEndpoint) readLoop() {
	defer close(e.packets)
	for {
		kind, data, err := e.conn.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case e.packets <- Datagram{From: e.peer, Payload: data}:
		default:
		}
	}
}

func (e *wsClientEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
	_ = e.conn.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	return e.conn.conn.Close()
}
