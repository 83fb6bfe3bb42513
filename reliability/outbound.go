package reliability

import "time"

// DefaultQueueSize bounds the number of unacked reliable messages per session.
const DefaultQueueSize = 256

// DefaultMaxAttempts bounds retransmissions before a message is expired.
const DefaultMaxAttempts = 10

// SeqLess reports a < b over 32-bit wraparound arithmetic.
func SeqLess(a, b uint32) bool {
	return (a-b)&0x80000000 != 0
}

// OutboundEntry is one unacked reliable message awaiting acknowledgment.
type OutboundEntry struct {
	Sequence uint32
	TypeID   uint16
	Payload  []byte
	LastSend time.Time
	Attempts int
}

// OutboundQueue tracks unacked reliable messages in sequence order and
// schedules their retransmission.
type OutboundQueue struct {
	entries     []*OutboundEntry // insertion order == sequence order
	bySeq       map[uint32]*OutboundEntry
	capacity    int
	maxAttempts int
}

// NewOutboundQueue creates a queue with the given bounds. Zero values fall
// back to the defaults.
func NewOutboundQueue(capacity, maxAttempts int) *OutboundQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &OutboundQueue{
		bySeq:       make(map[uint32]*OutboundEntry),
		capacity:    capacity,
		maxAttempts: maxAttempts,
	}
}

// Len returns the number of unacked entries.
func (q *OutboundQueue) Len() int {
	return len(q.entries)
}

// Full reports whether the queue is at capacity.
func (q *OutboundQueue) Full() bool {
	return len(q.entries) >= q.capacity
}

// Enqueue records a freshly sent reliable message. Returns false when the
// queue is full or the sequence is already tracked.
func (q *OutboundQueue) Enqueue(seq uint32, typeID uint16, payload []byte, now time.Time) bool {
	if q.Full() {
		return false
	}
	if _, exists := q.bySeq[seq]; exists {
		return false
	}
	entry := &OutboundEntry{
		Sequence: seq,
		TypeID:   typeID,
		Payload:  payload,
		LastSend: now,
		Attempts: 1,
	}
	q.entries = append(q.entries, entry)
	q.bySeq[seq] = entry
	return true
}

// AckCumulative removes every entry with sequence <= ackSeq and returns the
// number removed.
func (q *OutboundQueue) AckCumulative(ackSeq uint32) int {
	removed := 0
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if !SeqLess(ackSeq, entry.Sequence) { // entry.Sequence <= ackSeq
			delete(q.bySeq, entry.Sequence)
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	q.entries = kept
	return removed
}

// AckSelective applies a cumulative ack at baseSeq plus removal of each
// entry at baseSeq+1+bit for every set bitmap bit. Returns the number removed.
func (q *OutboundQueue) AckSelective(baseSeq, bitmap uint32) int {
	removed := q.AckCumulative(baseSeq)
	for bit := uint32(0); bitmap != 0 && bit < 32; bit++ {
		if bitmap&(1<<bit) == 0 {
			continue
		}
		bitmap &^= 1 << bit
		seq := baseSeq + 1 + bit
		if _, ok := q.bySeq[seq]; !ok {
			continue
		}
		delete(q.bySeq, seq)
		for i, entry := range q.entries {
			if entry.Sequence == seq {
				q.entries = append(q.entries[:i], q.entries[i+1:]...)
				break
			}
		}
		removed++
	}
	return removed
}

// RetransmitCandidates partitions due entries into those to resend and those
// that exhausted their attempts. Expired entries are removed from the queue;
// the caller reports them upward. rto maps a prior attempt count to the
// timeout for that attempt.
func (q *OutboundQueue) RetransmitCandidates(now time.Time, rto func(attempt int) time.Duration) (resend, expired []*OutboundEntry) {
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if now.Sub(entry.LastSend) < rto(entry.Attempts-1) {
			kept = append(kept, entry)
			continue
		}
		if entry.Attempts >= q.maxAttempts {
			delete(q.bySeq, entry.Sequence)
			expired = append(expired, entry)
			continue
		}
		resend = append(resend, entry)
		kept = append(kept, entry)
	}
	q.entries = kept
	return resend, expired
}

// MarkRetransmitted bumps the attempt count and send timestamp after the
// caller put the rebuilt packet on the wire.
func (q *OutboundQueue) MarkRetransmitted(seq uint32, now time.Time) {
	if entry, ok := q.bySeq[seq]; ok {
		entry.Attempts++
		entry.LastSend = now
	}
}
