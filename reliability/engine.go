package reliability

import (
	"errors"
	"time"

	"github.com/driftgram/driftgram/shared/wire"
)

// AckDelay is how long acknowledgments may accumulate before a standalone
// Ack is forced out, giving outbound Data packets a chance to piggyback them.
const AckDelay = 10 * time.Millisecond

// ErrQueueFull signals backpressure: the outbound reliable queue is at
// capacity and the message was not sent.
var ErrQueueFull = errors.New("reliability: outbound queue full")

// Engine orchestrates the RTT estimator, the outbound queue, and the inbound
// buffer for one session direction pair. It produces ready-to-encode Data
// and Ack packets; the caller encrypts and transmits them.
//
// Not thread-safe; owned by the session's work task.
type Engine struct {
	rtt *RTTEstimator
	out *OutboundQueue
	in  *InboundBuffer

	nextOutboundSeq uint32
	ackPending      bool
	lastAckSentAt   time.Time
}

// NewEngine creates an engine with the given queue and buffer bounds.
// Zero values fall back to the package defaults.
func NewEngine(queueSize, maxAttempts, bufferSize int) *Engine {
	return &Engine{
		rtt:           &RTTEstimator{},
		out:           NewOutboundQueue(queueSize, maxAttempts),
		in:            NewInboundBuffer(bufferSize, 0),
		lastAckSentAt: time.Now(),
	}
}

// SendReliable assigns the next sequence, enqueues the message for
// retransmission tracking, and returns the Data packet to transmit.
// Returns ErrQueueFull under backpressure, leaving the sequence unconsumed.
func (e *Engine) SendReliable(typeID uint16, payload []byte, now time.Time) (*wire.Data, error) {
	if e.out.Full() {
		return nil, ErrQueueFull
	}
	seq := e.nextOutboundSeq
	e.nextOutboundSeq++
	e.out.Enqueue(seq, typeID, payload, now)

	d := &wire.Data{
		Reliable: true,
		Sequence: seq,
		TypeID:   typeID,
		Payload:  payload,
	}
	e.maybePiggyback(d, now)
	return d, nil
}

// SendUnreliable returns a fire-and-forget Data packet. No sequence is
// consumed and nothing is tracked.
func (e *Engine) SendUnreliable(typeID uint16, payload []byte, now time.Time) *wire.Data {
	d := &wire.Data{
		Reliable: false,
		TypeID:   typeID,
		Payload:  payload,
	}
	e.maybePiggyback(d, now)
	return d
}

// maybePiggyback attaches the pending cumulative ack to an outbound Data
// packet. Piggybacked acks carry an implicit zero bitmap.
func (e *Engine) maybePiggyback(d *wire.Data, now time.Time) {
	if !e.ackPending || d.HasAck {
		return
	}
	hc, ok := e.in.HighestConsecutive()
	if !ok {
		return
	}
	d.HasAck = true
	d.AckSequence = hc
	e.ackPending = false
	e.lastAckSentAt = now
}

// ReceiveData processes one decrypted Data packet and returns the
// application messages it releases, in delivery order. Unreliable payloads
// are released immediately; reliable ones pass through the inbound buffer.
func (e *Engine) ReceiveData(d *wire.Data, now time.Time) []InboundMessage {
	if d.HasAck {
		// Piggybacked acks always carry an implicit zero bitmap.
		e.out.AckSelective(d.AckSequence, 0)
	}

	if !d.Reliable {
		return []InboundMessage{{TypeID: d.TypeID, Payload: d.Payload}}
	}

	switch e.in.Receive(d.Sequence, d.TypeID, d.Payload) {
	case Accepted:
		e.ackPending = true
		return e.in.Drain()
	case Duplicate, TooOld:
		// The remote is retransmitting; make sure progress is re-advertised.
		e.ackPending = true
		return nil
	case BufferFull:
		e.ackPending = true
		return nil
	}
	return nil
}

// ReceiveAck applies a standalone selective acknowledgment and returns the
// number of entries it released.
func (e *Engine) ReceiveAck(a *wire.Ack) int {
	return e.out.AckSelective(a.AckSequence, a.Bitmap)
}

// AddRTTSample feeds one heartbeat-derived round-trip measurement.
func (e *Engine) AddRTTSample(sample time.Duration) {
	e.rtt.AddSample(sample)
}

// Tick drives retransmission and delayed acknowledgment. It returns the Data
// packets to retransmit, the standalone Ack to emit if one is due, and the
// entries that exhausted their attempts and were dropped.
func (e *Engine) Tick(now time.Time) (resend []*wire.Data, ack *wire.Ack, expired []*OutboundEntry) {
	candidates, expired := e.out.RetransmitCandidates(now, e.rtt.RTO)
	for _, entry := range candidates {
		d := &wire.Data{
			Reliable: true,
			Sequence: entry.Sequence,
			TypeID:   entry.TypeID,
			Payload:  entry.Payload,
		}
		e.maybePiggyback(d, now)
		resend = append(resend, d)
		e.out.MarkRetransmitted(entry.Sequence, now)
	}

	if e.ackPending && now.Sub(e.lastAckSentAt) >= AckDelay {
		if hc, ok := e.in.HighestConsecutive(); ok {
			ack = &wire.Ack{AckSequence: hc, Bitmap: e.in.Bitmap()}
			e.ackPending = false
			e.lastAckSentAt = now
		}
	}
	return resend, ack, expired
}

// PendingCount returns the number of unacked reliable messages.
func (e *Engine) PendingCount() int {
	return e.out.Len()
}

// LastReceivedSeq returns the highest consecutively received sequence for
// session resumption, and whether any reliable message has been received.
func (e *Engine) LastReceivedSeq() (uint32, bool) {
	return e.in.HighestConsecutive()
}

// SmoothedRTT exposes the current RTT estimate.
func (e *Engine) SmoothedRTT() time.Duration {
	return e.rtt.SmoothedRTT()
}
