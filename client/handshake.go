package client

import (
	"fmt"
	"time"

	"github.com/driftgram/driftgram/pkg/logging"
	"github.com/driftgram/driftgram/reliability"
	"github.com/driftgram/driftgram/session"
	"github.com/driftgram/driftgram/shared/crypto"
	"github.com/driftgram/driftgram/shared/record"
	"github.com/driftgram/driftgram/shared/wire"
	"github.com/driftgram/driftgram/transport"
)

func (c *Client) ioLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		ep := c.ep
		c.mu.Unlock()
		if ep == nil {
			return
		}
		select {
		case <-c.stop:
			return
		case dg, ok := <-ep.Packets():
			if !ok {
				return
			}
			c.route(dg)
		}
	}
}

func (c *Client) tickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

func (c *Client) tick(now time.Time) {
	c.mu.Lock()
	state := c.state
	sess := c.sess
	hs := c.hs

	switch state {
	case StateConnected:
		c.mu.Unlock()
		sess.Tick(now)
		if sess.State() == session.Disconnected {
			c.handleSessionDrop()
		}
		return

	case StateAwaitingServerHello, StateAwaitingAccept:
		if now.Sub(hs.startedAt) > HandshakeTimeout {
			c.mu.Unlock()
			c.failConnection(fmt.Errorf("handshake timed out after %s", HandshakeTimeout))
			return
		}
		// A lost ServerHello or Accept is recovered by restarting from
		// ClientHello; the server replaces its pending state per address.
		if now.Sub(hs.helloSent) >= helloRetryInterval {
			hs.helloSent = now
			c.state = StateAwaitingServerHello
			c.sendClientHelloLocked()
		}
		c.mu.Unlock()
		return

	default:
		c.mu.Unlock()
	}
}

// handleSessionDrop reacts to the session transitioning to DISCONNECTED
// (remote Disconnect or timeout) observed after a tick.
func (c *Client) handleSessionDrop() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Client) route(dg transport.Datagram) {
	if len(dg.Payload) == 0 || dg.From != c.cfg.ServerAddr {
		return
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateAwaitingServerHello:
		c.handleServerHello(dg.Payload)
	case StateAwaitingAccept:
		c.handleHandshakeReply(dg.Payload)
	case StateConnected:
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if sess != nil {
			sess.HandleDatagram(dg.Payload)
			if sess.State() == session.Disconnected {
				c.handleSessionDrop()
			}
		}
	default:
		// Stray datagram outside any exchange.
	}
}

// handleServerHello verifies the server's signature over its ephemeral key,
// derives the session secrets, and answers with the encrypted Connect.
func (c *Client) handleServerHello(payload []byte) {
	if payload[0] != wire.TagServerHello {
		return
	}
	pkt, err := wire.Decode(payload)
	if err != nil {
		c.metrics.MalformedPackets.Inc()
		return
	}
	hello, ok := pkt.(*wire.ServerHello)
	if !ok {
		return
	}
	if hello.Version != wire.Version {
		c.failConnection(&ProtocolError{Reason: fmt.Sprintf("unsupported protocol version 0x%02x", hello.Version)})
		return
	}

	if err := crypto.Verify(c.cfg.ServerPublicKey, hello.PublicKey[:], hello.Signature); err != nil {
		// Keys are never derived from an unauthenticated ServerHello.
		c.failConnection(&ProtocolError{Reason: "Server signature invalid"})
		return
	}

	c.mu.Lock()
	if c.state != StateAwaitingServerHello {
		c.mu.Unlock()
		return
	}
	env, err := crypto.NewSessionEnvelope(c.hs.priv, hello.PublicKey[:])
	if err != nil {
		c.mu.Unlock()
		c.failConnection(fmt.Errorf("key derivation failed: %w", err))
		return
	}
	c.hs.env = env

	connect := &wire.Connect{ProtocolHash: c.proto.Hash()}
	if c.hs.resume && c.token != nil && c.sess != nil {
		var token [wire.TokenSize]byte
		copy(token[:], c.token[:])
		connect.Token = &token
		connect.LastReceivedSeq, _ = c.sess.LastReceivedSeq()
	}

	sealed := env.Seal(wire.Encode(connect))
	if err := c.ep.Send(c.cfg.ServerAddr, sealed); err != nil {
		c.mu.Unlock()
		c.log.Warn("failed to send Connect", logging.Fields{"error": err.Error()})
		return
	}
	c.metrics.PacketsSent.Inc()
	c.state = StateAwaitingAccept
	c.mu.Unlock()
}

// handleHandshakeReply expects the encrypted Accept or Reject. A repeated
// plain ServerHello (the server saw a retransmitted ClientHello) re-enters
// the Connect step with freshly derived keys.
func (c *Client) handleHandshakeReply(payload []byte) {
	if payload[0] == wire.TagServerHello {
		c.mu.Lock()
		if c.state == StateAwaitingAccept {
			c.state = StateAwaitingServerHello
		}
		c.mu.Unlock()
		c.handleServerHello(payload)
		return
	}

	c.mu.Lock()
	if c.state != StateAwaitingAccept || c.hs == nil || c.hs.env == nil {
		c.mu.Unlock()
		return
	}
	env := c.hs.env
	plaintext, err := env.Open(payload)
	if err != nil {
		c.mu.Unlock()
		c.metrics.DecryptFailures.Inc()
		return
	}
	pkt, err := wire.Decode(plaintext)
	if err != nil {
		c.mu.Unlock()
		c.metrics.MalformedPackets.Inc()
		return
	}

	switch reply := pkt.(type) {
	case *wire.Accept:
		c.establishLocked(reply, env)
		c.mu.Unlock()

	case *wire.Reject:
		c.mu.Unlock()
		c.metrics.HandshakeFailures.Inc()
		c.failConnection(&ProtocolError{
			Reason: fmt.Sprintf("rejected: %s (%s)", reply.Reason.String(), reply.Message),
		})

	default:
		c.mu.Unlock()
	}
}

// establishLocked creates or rebinds the session from an Accept; callers
// hold mu.
func (c *Client) establishLocked(accept *wire.Accept, env *crypto.Envelope) {
	token := session.Token(accept.Token)
	heartbeat := time.Duration(accept.HeartbeatMillis) * time.Millisecond
	timeout := time.Duration(accept.TimeoutMillis) * time.Millisecond

	resumed := c.hs.resume && c.sess != nil && c.token != nil && *c.token == token
	if resumed {
		// The engine survives: unacked messages retransmit under new keys.
		c.sess.Rebind(c.cfg.ServerAddr, env)
	} else {
		if c.sess != nil {
			c.sess.Stop()
		}
		engine := reliability.NewEngine(c.cfg.MaxReliableQueue, 0, 0)
		c.sess = session.New(session.Params{
			Token:             token,
			RemoteAddr:        c.cfg.ServerAddr,
			Envelope:          env,
			Engine:            engine,
			Proto:             c.proto,
			HeartbeatInterval: heartbeat,
			Timeout:           timeout,
			Send:              c.ep.Send,
			Logger:            c.cfg.Logger,
			Metrics:           c.metrics,
			Callbacks: session.Callbacks{
				OnMessage:    c.dispatchMessage,
				OnDisconnect: c.dispatchDisconnect,
				OnError:      c.dispatchError,
			},
		})
	}

	c.token = &token
	c.state = StateConnected
	c.hs = nil
	c.log.Info("connected", logging.Fields{
		"session": token.String(), "server": c.cfg.ServerAddr, "resumed": resumed,
	})

	if c.onConnected != nil {
		c.sess.Dispatch(c.onConnected)
	}
}

// failConnection delivers a single connection-failed event and enters
// DISCONNECTED.
func (c *Client) failConnection(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.hs = nil
	c.mu.Unlock()

	c.log.Warn("connection failed", logging.Fields{"error": err.Error()})
	if c.onConnectionFailed != nil {
		c.onConnectionFailed(err)
	}
}

func (c *Client) dispatchMessage(_ *session.Session, typeID uint16, rec record.Record) {
	c.handlersMu.RLock()
	handler := c.handlers[typeID]
	c.handlersMu.RUnlock()
	if handler == nil {
		c.log.Debug("no handler registered", logging.Fields{"type_id": typeID})
		return
	}
	handler(rec)
}

func (c *Client) dispatchDisconnect(_ *session.Session, reason string) {
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if c.onDisconnected != nil {
		c.onDisconnected(reason)
	}
}

func (c *Client) dispatchError(_ *session.Session, rec record.Record, err error) {
	if c.onError != nil {
		c.onError(rec, err)
		return
	}
	c.log.Error("handler error", logging.Fields{"error": err.Error()})
}
