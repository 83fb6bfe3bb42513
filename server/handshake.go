package server

import (
	"time"

	"github.com/driftgram/driftgram/pkg/logging"
	"github.com/driftgram/driftgram/reliability"
	"github.com/driftgram/driftgram/session"
	"github.com/driftgram/driftgram/shared/crypto"
	"github.com/driftgram/driftgram/shared/record"
	"github.com/driftgram/driftgram/shared/wire"
	"github.com/driftgram/driftgram/transport"
)

// route dispatches one inbound datagram: plain ClientHello starts a
// handshake, a pending handshake claims the Connect for its address, and
// everything else is decrypted by the session bound to the source address.
func (s *Server) route(dg transport.Datagram) {
	if len(dg.Payload) == 0 {
		return
	}

	if dg.Payload[0] == wire.TagClientHello && len(dg.Payload) >= 2 && dg.Payload[1] == wire.Version {
		if pkt, err := wire.Decode(dg.Payload); err == nil {
			s.handleClientHello(dg.From, pkt.(*wire.ClientHello))
			return
		}
	}
	if dg.Payload[0] == wire.TagServerHello {
		// Only the server emits these; a plain one from outside is noise.
		return
	}

	if pending, ok := s.mgr.Pending(dg.From); ok {
		s.handlePendingDatagram(dg, pending)
		return
	}

	if sess, ok := s.mgr.ByAddr(dg.From); ok {
		sess.HandleDatagram(dg.Payload)
		return
	}

	s.log.Debug("dropping datagram from unknown source", logging.Fields{"from": dg.From})
}

// handleClientHello generates the server's ephemeral keypair, signs it,
// derives the session encryptor, and answers with ServerHello. A prior
// pending handshake for the same address is replaced.
func (s *Server) handleClientHello(from string, hello *wire.ClientHello) {
	if !s.accepting.Load() {
		return
	}
	if hello.Version != wire.Version {
		s.log.Warn("unsupported protocol version in ClientHello", logging.Fields{
			"from": from, "version": hello.Version,
		})
		return
	}

	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		s.log.Error("failed to generate ephemeral keypair", logging.Fields{"error": err.Error()})
		return
	}
	env, err := crypto.NewSessionEnvelope(priv, hello.PublicKey[:])
	if err != nil {
		s.log.Warn("failed to derive session keys", logging.Fields{"from": from, "error": err.Error()})
		return
	}

	var pub [wire.PublicKeySize]byte
	copy(pub[:], priv.PublicKey().Bytes())

	s.mgr.PutPending(&session.PendingHandshake{
		Addr:       from,
		PrivateKey: priv,
		Envelope:   env,
		CreatedAt:  time.Now(),
	})

	reply := &wire.ServerHello{
		Version:   wire.Version,
		PublicKey: pub,
		Signature: s.signer.Sign(pub[:]),
	}
	if err := s.ep.Send(from, wire.Encode(reply)); err != nil {
		s.log.Warn("failed to send ServerHello", logging.Fields{"from": from, "error": err.Error()})
		return
	}
	s.metrics.PacketsSent.Inc()
	s.log.Debug("handshake started", logging.Fields{"from": from})
}

// handlePendingDatagram decrypts with the pending encryptor and expects a
// Connect. Any failure removes the pending handshake.
func (s *Server) handlePendingDatagram(dg transport.Datagram, pending *session.PendingHandshake) {
	plaintext, err := pending.Envelope.Open(dg.Payload)
	if err != nil {
		s.mgr.RemovePending(dg.From)
		s.metrics.DecryptFailures.Inc()
		s.log.Debug("dropping undecryptable handshake packet", logging.Fields{
			"from": dg.From, "error": err.Error(),
		})
		return
	}
	pkt, err := wire.Decode(plaintext)
	if err != nil {
		s.mgr.RemovePending(dg.From)
		s.metrics.MalformedPackets.Inc()
		return
	}
	connect, ok := pkt.(*wire.Connect)
	if !ok {
		s.mgr.RemovePending(dg.From)
		s.log.Warn("expected Connect during handshake", logging.Fields{
			"from": dg.From, "type": wire.TagName(pkt.Tag()),
		})
		return
	}
	s.metrics.PacketsReceived.Inc()
	s.handleConnect(dg.From, pending, connect)
}

func (s *Server) handleConnect(from string, pending *session.PendingHandshake, connect *wire.Connect) {
	s.mgr.RemovePending(from)

	if connect.ProtocolHash != s.proto.Hash() {
		s.reject(from, pending.Envelope, wire.RejectProtocolMismatch, "protocol hash mismatch")
		return
	}

	if connect.Token == nil {
		s.acceptNewSession(from, pending.Envelope)
		return
	}
	s.resumeSession(from, pending.Envelope, session.Token(*connect.Token))
}

func (s *Server) acceptNewSession(from string, env *crypto.Envelope) {
	if s.cfg.MaxConnections > 0 && s.mgr.Count() >= s.cfg.MaxConnections {
		s.reject(from, env, wire.RejectServerFull, "server full")
		return
	}

	token, err := s.uniqueToken()
	if err != nil {
		s.reject(from, env, wire.RejectAuthFailed, "internal error")
		return
	}

	engine := reliability.NewEngine(s.cfg.MaxReliableQueue, 0, 0)
	sess := session.New(session.Params{
		Token:             token,
		RemoteAddr:        from,
		Envelope:          env,
		Engine:            engine,
		Proto:             s.proto,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		Timeout:           s.cfg.SessionTimeout,
		Send:              s.sendAndCount,
		Logger:            s.cfg.Logger,
		Metrics:           s.metrics,
		Callbacks: session.Callbacks{
			OnMessage:    s.dispatchMessage,
			OnDisconnect: s.dispatchDisconnect,
			OnError:      s.dispatchError,
		},
	})
	s.mgr.Register(sess)
	s.metrics.SessionsActive.Inc()

	accept := &wire.Accept{
		Token:           token,
		HeartbeatMillis: uint32(s.cfg.HeartbeatInterval / time.Millisecond),
		TimeoutMillis:   uint32(s.cfg.SessionTimeout / time.Millisecond),
		LastReceivedSeq: 0,
	}
	if err := sess.SendPacket(accept); err != nil {
		s.log.Warn("failed to send Accept", logging.Fields{"from": from, "error": err.Error()})
	}
	s.log.Info("session accepted", logging.Fields{"session": token.String(), "from": from})

	if fn := s.sessionStartedCallback(); fn != nil {
		sess.Dispatch(func() { fn(sess) })
	}
}

func (s *Server) resumeSession(from string, env *crypto.Envelope, token session.Token) {
	sess, ok := s.mgr.ByToken(token)
	if !ok {
		s.reject(from, env, wire.RejectInvalidToken, "unknown session token")
		return
	}
	if sess.State() == session.Connected {
		// A reconnect for a live session is a duplicate or an attack.
		s.reject(from, env, wire.RejectInvalidToken, "session still connected")
		return
	}

	oldAddr := sess.RemoteAddr()
	sess.Rebind(from, env)
	s.mgr.Rebind(sess, oldAddr, from)

	lastSeq, _ := sess.LastReceivedSeq()
	accept := &wire.Accept{
		Token:           token,
		HeartbeatMillis: uint32(s.cfg.HeartbeatInterval / time.Millisecond),
		TimeoutMillis:   uint32(s.cfg.SessionTimeout / time.Millisecond),
		LastReceivedSeq: lastSeq,
	}
	if err := sess.SendPacket(accept); err != nil {
		s.log.Warn("failed to send Accept on resume", logging.Fields{"from": from, "error": err.Error()})
	}
	s.log.Info("session resumed", logging.Fields{
		"session": token.String(), "from": from, "previous": oldAddr,
	})

	if fn := s.sessionReconnectedCallback(); fn != nil {
		sess.Dispatch(func() { fn(sess) })
	}
}

func (s *Server) reject(from string, env *crypto.Envelope, reason wire.RejectReason, msg string) {
	s.metrics.HandshakeFailures.Inc()
	sealed := env.Seal(wire.Encode(&wire.Reject{Reason: reason, Message: msg}))
	if err := s.ep.Send(from, sealed); err != nil {
		s.log.Warn("failed to send Reject", logging.Fields{"from": from, "error": err.Error()})
		return
	}
	s.metrics.PacketsSent.Inc()
	s.log.Info("handshake rejected", logging.Fields{"from": from, "reason": reason.String()})
}

// uniqueToken draws tokens until one is unused. A collision is a 2^-128
// event; the loop exists to keep the invariant unconditional.
func (s *Server) uniqueToken() (session.Token, error) {
	for {
		token, err := session.NewToken()
		if err != nil {
			return session.Token{}, err
		}
		if _, taken := s.mgr.ByToken(token); !taken {
			return token, nil
		}
	}
}

func (s *Server) sendAndCount(addr string, payload []byte) error {
	return s.ep.Send(addr, payload)
}

func (s *Server) dispatchMessage(sess *session.Session, typeID uint16, rec record.Record) {
	s.handlersMu.RLock()
	handler := s.handlers[typeID]
	s.handlersMu.RUnlock()
	if handler == nil {
		s.log.Debug("no handler registered", logging.Fields{"type_id": typeID})
		return
	}
	handler(sess, rec)
}

func (s *Server) dispatchDisconnect(sess *session.Session, reason string) {
	s.log.Info("session disconnected", logging.Fields{
		"session": sess.Token().String(), "reason": reason,
	})
	if fn := s.sessionDisconnectedCallback(); fn != nil {
		fn(sess, reason)
	}
}

func (s *Server) dispatchError(sess *session.Session, rec record.Record, err error) {
	if fn := s.errorCallback(); fn != nil {
		fn(sess, rec, err)
		return
	}
	s.log.Error("handler error", logging.Fields{
		"session": sess.Token().String(), "error": err.Error(),
	})
}
