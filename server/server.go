// Package server implements the multi-session server endpoint: it accepts
// handshakes, routes decrypted datagrams to sessions, and fans out
// broadcasts.
package server

import (
	"crypto/ed25519"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
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

// TickInterval is the reliability tick granularity: retransmission checks
// and delayed acks run this often; heartbeat cadence is enforced per session
// against its own interval.
const TickInterval = 20 * time.Millisecond

// sweepInterval is how often expired sessions and stale pending handshakes
// are collected.
const sweepInterval = time.Second

// Config holds the server endpoint settings.
type Config struct {
	Addr              string // bind address "host:port"
	SigningKey        ed25519.PrivateKey
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxConnections    int // 0 = unlimited
	MaxReliableQueue  int
	Logger            *logging.Logger
	Metrics           *metrics.Metrics
}

// FromConfig maps the YAML configuration onto server settings.
func FromConfig(c *config.Config) (Config, error) {
	key, err := c.ServerSigningKey()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Addr:              c.ServerAddr(),
		SigningKey:        key,
		SessionTimeout:    c.Server.SessionTimeout,
		HeartbeatInterval: c.Server.HeartbeatInterval,
		MaxConnections:    c.Server.MaxConnections,
		MaxReliableQueue:  c.Server.MaxReliableQueue,
	}, nil
}

// Server is the multi-session endpoint.
type Server struct {
	cfg    Config
	net    transport.Network
	proto  *record.Protocol
	signer *crypto.Signer

	ep  transport.Endpoint
	mgr *session.Manager

	handlersMu sync.RWMutex
	handlers   map[uint16]func(*session.Session, record.Record)

	callbacksMu           sync.RWMutex
	onSessionStarted      func(*session.Session)
	onSessionDisconnected func(*session.Session, string)
	onSessionReconnected  func(*session.Session)
	onSessionExpired      func(*session.Session)
	onError               func(*session.Session, record.Record, error)

	accepting atomic.Bool
	startedMu sync.Mutex
	started   bool
	stop      chan struct{}
	wg        sync.WaitGroup

	log     *logging.Logger
	metrics *metrics.Metrics
}

// New creates a server over the given network and protocol.
func New(cfg Config, net transport.Network, proto *record.Protocol) (*Server, error) {
	signer, err := crypto.NewSigner(cfg.SigningKey)
	if err != nil {
		return nil, err
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = config.DefaultSessionTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
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

	s := &Server{
		cfg:      cfg,
		net:      net,
		proto:    proto,
		signer:   signer,
		mgr:      session.NewManager(),
		handlers: make(map[uint16]func(*session.Session, record.Record)),
		stop:     make(chan struct{}),
		log:      cfg.Logger.WithComponent("server"),
		metrics:  cfg.Metrics,
	}
	s.accepting.Store(true)
	return s, nil
}

// HandleFunc registers a typed handler for one record type. Must be called
// before Start.
func HandleFunc[T record.Record](s *Server, fn func(*session.Session, T)) {
	var zero T
	inst := reflect.New(reflect.TypeOf(zero).Elem()).Interface().(record.Record)
	id, ok := s.proto.IDOf(inst.RecordName())
	if !ok {
		panic(fmt.Sprintf("server: record %q is not part of the protocol", inst.RecordName()))
	}
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[id] = func(sess *session.Session, rec record.Record) {
		fn(sess, rec.(T))
	}
}

// OnSessionStarted registers the new-session callback.
func (s *Server) OnSessionStarted(fn func(*session.Session)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onSessionStarted = fn
}

// OnSessionDisconnected registers the disconnect callback.
func (s *Server) OnSessionDisconnected(fn func(*session.Session, string)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onSessionDisconnected = fn
}

// OnSessionReconnected registers the resume callback.
func (s *Server) OnSessionReconnected(fn func(*session.Session)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onSessionReconnected = fn
}

// OnSessionExpired registers the session-destroyed callback.
func (s *Server) OnSessionExpired(fn func(*session.Session)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onSessionExpired = fn
}

// OnError registers the handler-failure callback.
func (s *Server) OnError(fn func(*session.Session, record.Record, error)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onError = fn
}

func (s *Server) sessionStartedCallback() func(*session.Session) {
	s.callbacksMu.RLock()
	defer s.callbacksMu.RUnlock()
	return s.onSessionStarted
}

func (s *Server) sessionDisconnectedCallback() func(*session.Session, string) {
	s.callbacksMu.RLock()
	defer s.callbacksMu.RUnlock()
	return s.onSessionDisconnected
}

func (s *Server) sessionReconnectedCallback() func(*session.Session) {
	s.callbacksMu.RLock()
	defer s.callbacksMu.RUnlock()
	return s.onSessionReconnected
}

func (s *Server) sessionExpiredCallback() func(*session.Session) {
	s.callbacksMu.RLock()
	defer s.callbacksMu.RUnlock()
	return s.onSessionExpired
}

func (s *Server) errorCallback() func(*session.Session, record.Record, error) {
	s.callbacksMu.RLock()
	defer s.callbacksMu.RUnlock()
	return s.onError
}

// Start binds the transport and runs the I/O and tick tasks.
func (s *Server) Start() error {
	s.startedMu.Lock()
	defer s.startedMu.Unlock()
	if s.started {
		return fmt.Errorf("server: already started")
	}

	ep, err := s.net.Listen(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen: %w", err)
	}
	s.ep = ep
	s.started = true

	s.wg.Add(2)
	go s.ioLoop()
	go s.tickLoop()

	s.log.Info("server started", logging.Fields{"addr": ep.LocalAddr()})
	return nil
}

// LocalAddr returns the bound transport address.
func (s *Server) LocalAddr() string {
	return s.ep.LocalAddr()
}

// Stop ceases accepting new handshakes. Existing sessions continue.
func (s *Server) Stop() {
	s.accepting.Store(false)
	s.log.Info("server stopped accepting handshakes")
}

// Close shuts the server down gracefully: Disconnect{SHUTDOWN} to every
// session, then teardown of the tick task, the work tasks, and the socket.
func (s *Server) Close() error {
	s.startedMu.Lock()
	defer s.startedMu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	s.Stop()
	for _, sess := range s.mgr.All() {
		sess.CloseWithCode(wire.DisconnectShutdown, "server shutdown")
	}

	close(s.stop)
	err := s.ep.Close()
	s.wg.Wait()

	for _, sess := range s.mgr.All() {
		s.mgr.Remove(sess)
		sess.Stop()
		s.metrics.SessionsActive.Dec()
	}
	s.log.Info("server closed")
	return err
}

// Sessions returns a snapshot of all tracked sessions.
func (s *Server) Sessions() []*session.Session {
	return s.mgr.All()
}

// Broadcast delivers msg to every CONNECTED session without blocking,
// silently skipping backpressured ones.
func (s *Server) Broadcast(msg record.Record, d wire.Delivery) {
	for _, sess := range s.mgr.All() {
		if sess.State() != session.Connected {
			continue
		}
		sess.TrySend(msg, d)
	}
}

func (s *Server) ioLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case dg, ok := <-s.ep.Packets():
			if !ok {
				return
			}
			s.route(dg)
		}
	}
}

func (s *Server) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	lastSweep := time.Now()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			for _, sess := range s.mgr.All() {
				sess.Tick(now)
			}
			if now.Sub(lastSweep) >= sweepInterval {
				lastSweep = now
				s.sweep(now)
			}
		}
	}
}

func (s *Server) sweep(now time.Time) {
	s.mgr.SweepPending(now)
	for _, sess := range s.mgr.Sweep(now) {
		s.metrics.SessionsActive.Dec()
		s.metrics.SessionsExpired.Inc()
		s.log.Info("session expired", logging.Fields{"session": sess.Token().String()})
		if fn := s.sessionExpiredCallback(); fn != nil {
			fn(sess)
		}
		sess.Stop()
	}
}
