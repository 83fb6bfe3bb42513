// Package client implements the single-session client endpoint: it drives
// the handshake, exposes a session handle to the application, and remembers
// its token so an explicit reconnect can resume the server-side session.
package client

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/driftgram/driftgram/pkg/config"
	"github.com/driftgram/driftgram/pkg/logging"
	"github.com/driftgram/driftgram/pkg/metrics"
	"github.com/driftgram/driftgram/session"
	"github.com/driftgram/driftgram/shared/crypto"
	"github.com/driftgram/driftgram/shared/record"
	"github.com/driftgram/driftgram/shared/wire"
	"github.com/driftgram/driftgram/transport"
)

// HandshakeTimeout bounds the whole handshake client-side.
const HandshakeTimeout = 30 * time.Second

// helloRetryInterval is the ClientHello retransmission period.
const helloRetryInterval = time.Second

// tickInterval is the client's reliability tick granularity.
const tickInterval = 20 * time.Millisecond

// HandshakeState tracks the client connection state machine.
type HandshakeState int

const (
	StateDisconnected HandshakeState = iota
	StateAwaitingServerHello
	StateAwaitingAccept
	StateConnected
)

// String returns the state name.
func (s HandshakeState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateAwaitingServerHello:
		return "AWAITING_SERVER_HELLO"
	case StateAwaitingAccept:
		return "AWAITING_ACCEPT"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotConnected is returned when sending while no session is live.
	ErrNotConnected = errors.New("client: not connected")

	// ErrHandshakeInProgress is returned by Connect while one is running.
	ErrHandshakeInProgress = errors.New("client: handshake already in progress")
)

// ProtocolError is a fatal protocol-level failure: bad signature, version or
// hash mismatch, or a Reject from the server.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Config holds the client endpoint settings.
type Config struct {
	ServerAddr       string // target "host:port"
	ServerPublicKey  ed25519.PublicKey
	LocalAddr        string // optional bind address, ":0" by default
	MaxReliableQueue int
	Logger           *logging.Logger
	Metrics          *metrics.Metrics

	// Endpoint injects a pre-bound transport endpoint instead of binding
	// LocalAddr on Connect. Tests use it to shape traffic before the
	// handshake starts.
	Endpoint transport.Endpoint
}

// FromConfig maps the YAML configuration onto client settings.
func FromConfig(c *config.Config) (Config, error) {
	key, err := c.ClientServerKey()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ServerAddr:       c.ClientTarget(),
		ServerPublicKey:  key,
		MaxReliableQueue: c.Server.MaxReliableQueue,
	}, nil
}

type handshake struct {
	priv      *ecdh.PrivateKey
	env       *crypto.Envelope
	helloSent time.Time
	startedAt time.Time
	resume    bool
}

// Client is the single-session driver.
type Client struct {
	cfg   Config
	net   transport.Network
	proto *record.Protocol

	mu    sync.Mutex
	ep    transport.Endpoint
	state HandshakeState
	hs    *handshake
	sess  *session.Session
	token *session.Token

	handlersMu sync.RWMutex
	handlers   map[uint16]func(record.Record)

	onConnected        func()
	onDisconnected     func(reason string)
	onConnectionFailed func(err error)
	onError            func(rec record.Record, err error)

	loopsOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup

	log     *logging.Logger
	metrics *metrics.Metrics
}

// New creates a client over the given network and protocol.
func New(cfg Config, net transport.Network, proto *record.Protocol) (*Client, error) {
	if len(cfg.ServerPublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("client: server public key must be %d bytes", ed25519.PublicKeySize)
	}
	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("client: server address is required")
	}
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = ":0"
	}
	if cfg.MaxReliableQueue == 0 {
		cfg.MaxReliableQueue = config.DefaultMaxReliableQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefaultLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	return &Client{
		cfg:      cfg,
		net:      net,
		proto:    proto,
		state:    StateDisconnected,
		handlers: make(map[uint16]func(record.Record)),
		stop:     make(chan struct{}),
		log:      cfg.Logger.WithComponent("client"),
		metrics:  cfg.Metrics,
	}, nil
}

// HandleFunc registers a typed handler for one server record type. Must be
// called before Connect.
func HandleFunc[T record.Record](c *Client, fn func(T)) {
	var zero T
	inst := reflect.New(reflect.TypeOf(zero).Elem()).Interface().(record.Record)
	id, ok := c.proto.IDOf(inst.RecordName())
	if !ok {
		panic(fmt.Sprintf("client: record %q is not part of the protocol", inst.RecordName()))
	}
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[id] = func(rec record.Record) { fn(rec.(T)) }
}

// OnConnected registers the connection-established callback.
func (c *Client) OnConnected(fn func()) { c.onConnected = fn }

// OnDisconnected registers the disconnect callback.
func (c *Client) OnDisconnected(fn func(reason string)) { c.onDisconnected = fn }

// OnConnectionFailed registers the handshake-failure callback. It fires
// exactly once per failed Connect attempt.
func (c *Client) OnConnectionFailed(fn func(err error)) { c.onConnectionFailed = fn }

// OnError registers the handler-failure callback.
func (c *Client) OnError(fn func(rec record.Record, err error)) { c.onError = fn }

// Connect initiates the handshake. Completion is reported through
// OnConnected or OnConnectionFailed. If a prior session token is still
// remembered, the connection resumes that session.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnected:
		return fmt.Errorf("client: already connected")
	case StateAwaitingServerHello, StateAwaitingAccept:
		return ErrHandshakeInProgress
	}

	if c.ep == nil {
		if c.cfg.Endpoint != nil {
			c.ep = c.cfg.Endpoint
		} else {
			ep, err := c.net.Listen(c.cfg.LocalAddr)
			if err != nil {
				return fmt.Errorf("client: failed to bind: %w", err)
			}
			c.ep = ep
		}
		c.loopsOnce.Do(func() {
			c.wg.Add(2)
			go c.ioLoop()
			go c.tickLoop()
		})
	}

	return c.startHandshakeLocked(time.Now())
}

// startHandshakeLocked generates a fresh ephemeral keypair and sends
// ClientHello; callers hold mu.
func (c *Client) startHandshakeLocked(now time.Time) error {
	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	c.hs = &handshake{
		priv:      priv,
		helloSent: now,
		startedAt: now,
		resume:    c.token != nil,
	}
	c.state = StateAwaitingServerHello
	c.sendClientHelloLocked()
	return nil
}

func (c *Client) sendClientHelloLocked() {
	var pub [wire.PublicKeySize]byte
	copy(pub[:], c.hs.priv.PublicKey().Bytes())
	hello := &wire.ClientHello{Version: wire.Version, PublicKey: pub}
	if err := c.ep.Send(c.cfg.ServerAddr, wire.Encode(hello)); err != nil {
		c.log.Warn("failed to send ClientHello", logging.Fields{"error": err.Error()})
		return
	}
	c.metrics.PacketsSent.Inc()
}

// Disconnect closes the live session with Disconnect{NORMAL}. The token is
// remembered; a later Connect resumes the server-side session.
func (c *Client) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.state = StateDisconnected
	c.hs = nil
	c.mu.Unlock()

	if sess != nil {
		sess.Close("client disconnect")
	}
}

// Close tears the client down entirely: session, loops, and socket.
func (c *Client) Close() error {
	c.Disconnect()

	c.mu.Lock()
	ep := c.ep
	c.ep = nil
	sess := c.sess
	c.sess = nil
	c.token = nil
	c.mu.Unlock()

	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	var err error
	if ep != nil {
		err = ep.Close()
	}
	c.wg.Wait()
	if sess != nil {
		sess.Stop()
	}
	return err
}

// State returns the connection state.
func (c *Client) State() HandshakeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a session is live.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Token returns the remembered session token, if any.
func (c *Client) Token() (session.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return session.Token{}, false
	}
	return *c.token, true
}

// Session returns the live session handle, or nil.
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Send sends an application message over the live session.
func (c *Client) Send(msg record.Record, d wire.Delivery) error {
	sess := c.Session()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.Send(msg, d)
}

// TrySend sends without raising; false means backpressure or no session.
func (c *Client) TrySend(msg record.Record, d wire.Delivery) bool {
	sess := c.Session()
	if sess == nil {
		return false
	}
	return sess.TrySend(msg, d)
}
