package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftgram/driftgram/pkg/logging"
	"github.com/driftgram/driftgram/pkg/metrics"
	"github.com/driftgram/driftgram/reliability"
	"github.com/driftgram/driftgram/shared/crypto"
	"github.com/driftgram/driftgram/shared/record"
	"github.com/driftgram/driftgram/shared/wire"
)

// State is the session connection state.
type State int

const (
	Connected State = iota
	Disconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// workQueueSize bounds the per-session event FIFO.
const workQueueSize = 256

var (
	// ErrQueueFull signals reliable-send backpressure to Send callers.
	ErrQueueFull = errors.New("session: reliable queue full")

	// ErrNotConnected is returned when sending on a session that is not
	// in the CONNECTED state.
	ErrNotConnected = errors.New("session: not connected")
)

// Callbacks are invoked on the session's work task, one at a time, in the
// order events were enqueued. A panicking OnMessage is recovered and routed
// to OnError; it never tears down the work task.
type Callbacks struct {
	OnMessage    func(s *Session, typeID uint16, rec record.Record)
	OnDisconnect func(s *Session, reason string)
	OnError      func(s *Session, rec record.Record, err error)
}

// Params assembles a session.
type Params struct {
	Token             Token
	RemoteAddr        string
	Envelope          *crypto.Envelope
	Engine            *reliability.Engine
	Proto             *record.Protocol
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	Send              func(addr string, payload []byte) error
	Logger            *logging.Logger
	Metrics           *metrics.Metrics
	Callbacks         Callbacks
}

// Session is one logical connection. The encryptor and reliability engine
// are guarded by mu and survive DISCONNECTED -> CONNECTED transitions;
// application callbacks run on the session's own work goroutine.
type Session struct {
	token Token

	mu                sync.Mutex
	remoteAddr        string
	env               *crypto.Envelope
	engine            *reliability.Engine
	state             State
	lastActivity      time.Time
	lastHeartbeatSent time.Time

	heartbeatInterval time.Duration
	timeout           time.Duration

	proto   *record.Protocol
	sendRaw func(addr string, payload []byte) error

	attachMu   sync.Mutex
	attachment any

	work     chan func()
	stopOnce sync.Once
	stopped  chan struct{}

	callbacks Callbacks
	log       *logging.Logger
	metrics   *metrics.Metrics
}

// New creates a session in the CONNECTED state and starts its work task.
func New(p Params) *Session {
	if p.Logger == nil {
		p.Logger = logging.GetDefaultLogger()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.NewNop()
	}
	now := time.Now()
	s := &Session{
		token:             p.Token,
		remoteAddr:        p.RemoteAddr,
		env:               p.Envelope,
		engine:            p.Engine,
		state:             Connected,
		lastActivity:      now,
		lastHeartbeatSent: now,
		heartbeatInterval: p.HeartbeatInterval,
		timeout:           p.Timeout,
		proto:             p.Proto,
		sendRaw:           p.Send,
		work:              make(chan func(), workQueueSize),
		stopped:           make(chan struct{}),
		callbacks:         p.Callbacks,
		log:               p.Logger,
		metrics:           p.Metrics,
	}
	go s.workLoop()
	return s
}

// Token returns the immutable session token.
func (s *Session) Token() Token {
	return s.token
}

// RemoteAddr returns the current remote address.
func (s *Session) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attachment returns the opaque application pointer.
func (s *Session) Attachment() any {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	return s.attachment
}

// SetAttachment stores an opaque application pointer on the session.
func (s *Session) SetAttachment(v any) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	s.attachment = v
}

// SmoothedRTT returns the session's current RTT estimate.
func (s *Session) SmoothedRTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.SmoothedRTT()
}

// LastReceivedSeq returns the highest consecutively received reliable
// sequence, for resumption handshakes.
func (s *Session) LastReceivedSeq() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.LastReceivedSeq()
}

// Send sends an application message. Reliable sends return ErrQueueFull
// under backpressure so the caller decides whether to drop, retry, or
// escalate.
func (s *Session) Send(msg record.Record, d wire.Delivery) error {
	return s.send(msg, d)
}

// TrySend sends without raising: false means backpressure or a session that
// is not CONNECTED. Safe to call from any goroutine.
func (s *Session) TrySend(msg record.Record, d wire.Delivery) bool {
	return s.send(msg, d) == nil
}

func (s *Session) send(msg record.Record, d wire.Delivery) error {
	typeID, payload, err := s.proto.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return ErrNotConnected
	}

	now := time.Now()
	var pkt *wire.Data
	if d == wire.Reliable {
		pkt, err = s.engine.SendReliable(typeID, payload, now)
		if err != nil {
			return ErrQueueFull
		}
	} else {
		pkt = s.engine.SendUnreliable(typeID, payload, now)
	}
	return s.transmitLocked(pkt)
}

// transmitLocked seals and transmits a packet; callers hold mu.
func (s *Session) transmitLocked(pkt wire.Packet) error {
	sealed := s.env.Seal(wire.Encode(pkt))
	if err := s.sendRaw(s.remoteAddr, sealed); err != nil {
		return fmt.Errorf("transmit failed: %w", err)
	}
	s.metrics.PacketsSent.Inc()
	return nil
}

// SendPacket seals and transmits a control packet through the session
// envelope, keeping the nonce counter consistent with application traffic.
func (s *Session) SendPacket(pkt wire.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmitLocked(pkt)
}

// Dispatch runs fn on the session's work task, ordered with message
// delivery.
func (s *Session) Dispatch(fn func()) {
	s.enqueue(fn)
}

// HandleDatagram decrypts, decodes, and dispatches one inbound datagram
// addressed to this session. Wire-level defects are dropped locally and
// never tear the session down.
func (s *Session) HandleDatagram(payload []byte) {
	s.mu.Lock()

	plaintext, err := s.env.Open(payload)
	if err != nil {
		s.mu.Unlock()
		s.metrics.DecryptFailures.Inc()
		s.log.Debug("dropping undecryptable packet", logging.Fields{
			"session": s.token.String(), "error": err.Error(),
		})
		return
	}
	pkt, err := wire.Decode(plaintext)
	if err != nil {
		s.mu.Unlock()
		s.metrics.MalformedPackets.Inc()
		s.log.Debug("dropping malformed packet", logging.Fields{
			"session": s.token.String(), "error": err.Error(),
		})
		return
	}

	now := time.Now()
	s.lastActivity = now
	s.metrics.PacketsReceived.Inc()

	switch p := pkt.(type) {
	case *wire.Data:
		released := s.engine.ReceiveData(p, now)
		s.mu.Unlock()
		s.deliver(released)

	case *wire.Ack:
		s.engine.ReceiveAck(p)
		s.mu.Unlock()

	case *wire.Heartbeat:
		reply := &wire.HeartbeatAck{EchoTimestamp: p.Timestamp, Timestamp: now.UnixNano()}
		if err := s.transmitLocked(reply); err != nil {
			s.log.Warn("heartbeat reply failed", logging.Fields{"session": s.token.String(), "error": err.Error()})
		}
		s.mu.Unlock()

	case *wire.HeartbeatAck:
		s.engine.AddRTTSample(now.Sub(time.Unix(0, p.EchoTimestamp)))
		s.mu.Unlock()

	case *wire.Disconnect:
		s.state = Disconnected
		reason := p.Message
		if reason == "" {
			reason = p.Code.String()
		}
		s.mu.Unlock()
		s.enqueueDisconnect(reason)

	default:
		// Handshake packets inside an established session are a peer bug.
		s.mu.Unlock()
		s.log.Warn("unexpected packet in established session", logging.Fields{
			"session": s.token.String(), "type": wire.TagName(pkt.Tag()),
		})
	}
}

// deliver decodes released reliable/unreliable messages and queues them for
// the work task in order.
func (s *Session) deliver(released []reliability.InboundMessage) {
	for _, msg := range released {
		rec, err := s.proto.Decode(msg.TypeID, msg.Payload)
		if err != nil {
			s.log.Warn("failed to decode application message", logging.Fields{
				"session": s.token.String(), "type_id": msg.TypeID, "error": err.Error(),
			})
			continue
		}
		typeID := msg.TypeID
		s.enqueue(func() {
			s.metrics.MessagesDelivered.Inc()
			s.invokeMessage(typeID, rec)
		})
	}
}

func (s *Session) invokeMessage(typeID uint16, rec record.Record) {
	defer func() {
		if r := recover(); r != nil {
			if s.callbacks.OnError != nil {
				s.callbacks.OnError(s, rec, fmt.Errorf("handler panic: %v", r))
			} else {
				s.log.Error("message handler panicked", logging.Fields{
					"session": s.token.String(), "panic": fmt.Sprint(r),
				})
			}
		}
	}()
	if s.callbacks.OnMessage != nil {
		s.callbacks.OnMessage(s, typeID, rec)
	}
}

// Tick drives heartbeats, retransmission, and delayed acknowledgment. Called
// from the endpoint's tick task at reliability granularity; a heartbeat goes
// out only once this session's heartbeat interval has elapsed.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return
	}

	if now.Sub(s.lastHeartbeatSent) >= s.heartbeatInterval {
		s.lastHeartbeatSent = now
		if err := s.transmitLocked(&wire.Heartbeat{Timestamp: now.UnixNano()}); err != nil {
			s.log.Warn("heartbeat send failed", logging.Fields{"session": s.token.String(), "error": err.Error()})
		}
	}

	resend, ack, expired := s.engine.Tick(now)
	for _, d := range resend {
		if err := s.transmitLocked(d); err == nil {
			s.metrics.Retransmits.Inc()
		}
	}
	if ack != nil {
		_ = s.transmitLocked(ack)
	}

	timedOut := now.Sub(s.lastActivity) > s.timeout
	if timedOut {
		s.state = Disconnected
	}
	s.mu.Unlock()

	for _, entry := range expired {
		s.metrics.ExpiredMessages.Inc()
		seq := entry.Sequence
		s.log.Warn("reliable message expired", logging.Fields{
			"session": s.token.String(), "sequence": seq,
		})
		if s.callbacks.OnError != nil {
			s.enqueue(func() {
				s.callbacks.OnError(s, nil, fmt.Errorf("reliable message %d expired after max retransmissions", seq))
			})
		}
	}
	if timedOut {
		s.enqueueDisconnect("Timeout")
	}
}

// Close sends Disconnect and transitions to DISCONNECTED. The session stays
// resumable until its timeout elapses.
func (s *Session) Close(reason string) {
	s.CloseWithCode(wire.DisconnectNormal, reason)
}

// CloseWithCode is Close with an explicit disconnect code.
func (s *Session) CloseWithCode(code wire.DisconnectCode, reason string) {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return
	}
	_ = s.transmitLocked(&wire.Disconnect{Code: code, Message: reason})
	s.state = Disconnected
	s.mu.Unlock()
	s.enqueueDisconnect(reason)
}

// Rebind atomically moves the session to a new remote address with the
// encryptor derived by the resumption handshake, and re-enters CONNECTED.
// The reliability engine is untouched: unacked messages retransmit under the
// new keys, sequence numbers continue.
func (s *Session) Rebind(addr string, env *crypto.Envelope) {
	s.mu.Lock()
	s.remoteAddr = addr
	s.env = env
	s.state = Connected
	now := time.Now()
	s.lastActivity = now
	s.lastHeartbeatSent = now
	s.mu.Unlock()
}

// MarkDisconnected transitions to DISCONNECTED without emitting a packet,
// for remote-initiated teardown observed elsewhere.
func (s *Session) MarkDisconnected(reason string) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	s.mu.Unlock()
	s.enqueueDisconnect(reason)
}

// Expired reports whether the reconnect window has elapsed and the session
// should be destroyed.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Disconnected && now.Sub(s.lastActivity) > s.timeout
}

// PendingReliable returns the count of unacked reliable messages.
func (s *Session) PendingReliable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.PendingCount()
}

func (s *Session) enqueueDisconnect(reason string) {
	s.enqueue(func() {
		if s.callbacks.OnDisconnect != nil {
			s.callbacks.OnDisconnect(s, reason)
		}
	})
}

// enqueue hands an event to the work task. Overflow drops the event with a
// warning; reliability resynchronizes from the inbound buffer and repeated
// control traffic.
func (s *Session) enqueue(fn func()) {
	select {
	case <-s.stopped:
		return
	default:
	}
	select {
	case s.work <- fn:
	default:
		s.log.Warn("work queue full, dropping event", logging.Fields{"session": s.token.String()})
	}
}

func (s *Session) workLoop() {
	for {
		select {
		case <-s.stopped:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case fn := <-s.work:
					fn()
				default:
					return
				}
			}
		case fn := <-s.work:
			fn()
		}
	}
}

// Stop terminates the work task after draining queued events. Called when
// the session is destroyed.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}
