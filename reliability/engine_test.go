package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/driftgram/driftgram/shared/wire"
)

func TestSendReliableAssignsSequences(t *testing.T) {
	e := NewEngine(0, 0, 0)
	now := time.Now()

	for want := uint32(0); want < 3; want++ {
		d, err := e.SendReliable(7, []byte("m"), now)
		if err != nil {
			t.Fatalf("SendReliable failed: %v", err)
		}
		if !d.Reliable || d.Sequence != want {
			t.Errorf("packet: %+v, want seq %d", d, want)
		}
	}
	if e.PendingCount() != 3 {
		t.Errorf("pending: %d", e.PendingCount())
	}
}

func TestSendReliableBackpressure(t *testing.T) {
	e := NewEngine(1, 0, 0)
	now := time.Now()

	if _, err := e.SendReliable(1, nil, now); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SendReliable(1, nil, now); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	// The failed send must not have consumed a sequence.
	e.ReceiveAck(&wire.Ack{AckSequence: 0})
	d, err := e.SendReliable(1, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if d.Sequence != 1 {
		t.Errorf("sequence leaked on backpressure: got %d, want 1", d.Sequence)
	}
}

func TestUnreliableBypassesBuffer(t *testing.T) {
	e := NewEngine(0, 0, 0)
	now := time.Now()

	d := e.SendUnreliable(3, []byte("fire"), now)
	if d.Reliable {
		t.Error("unreliable packet marked reliable")
	}

	out := e.ReceiveData(&wire.Data{TypeID: 3, Payload: []byte("x")}, now)
	if len(out) != 1 || out[0].TypeID != 3 {
		t.Errorf("unreliable delivery: %v", out)
	}
}

func TestPiggybackAckOnSend(t *testing.T) {
	e := NewEngine(0, 0, 0)
	now := time.Now()

	// Receiving a reliable message arms ackPending.
	out := e.ReceiveData(&wire.Data{Reliable: true, Sequence: 0, TypeID: 1}, now)
	if len(out) != 1 {
		t.Fatalf("delivery: %v", out)
	}

	d, err := e.SendReliable(2, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if !d.HasAck || d.AckSequence != 0 {
		t.Errorf("piggyback missing: %+v", d)
	}

	// The pending ack was consumed; the next send carries none.
	d, _ = e.SendReliable(2, nil, now)
	if d.HasAck {
		t.Error("stale piggyback on second send")
	}
}

func TestPiggybackAckAppliesZeroBitmap(t *testing.T) {
	e := NewEngine(0, 0, 0)
	now := time.Now()
	e.SendReliable(1, nil, now) // seq 0
	e.SendReliable(1, nil, now) // seq 1

	e.ReceiveData(&wire.Data{HasAck: true, AckSequence: 0, TypeID: 9}, now)
	if e.PendingCount() != 1 {
		t.Errorf("cumulative piggyback ack: pending %d, want 1", e.PendingCount())
	}
}

func TestStandaloneAckAfterDelay(t *testing.T) {
	e := NewEngine(0, 0, 0)
	start := time.Now()

	e.ReceiveData(&wire.Data{Reliable: true, Sequence: 0, TypeID: 1}, start)

	// Within the delay, no standalone ack.
	_, ack, _ := e.Tick(start.Add(5 * time.Millisecond))
	if ack != nil {
		t.Error("ack emitted before the delay elapsed")
	}

	_, ack, _ = e.Tick(start.Add(AckDelay + time.Millisecond))
	if ack == nil {
		t.Fatal("no standalone ack after the delay")
	}
	if ack.AckSequence != 0 {
		t.Errorf("ack sequence: %d", ack.AckSequence)
	}

	// Cleared after emission.
	_, ack, _ = e.Tick(start.Add(2 * AckDelay))
	if ack != nil {
		t.Error("duplicate standalone ack")
	}
}

func TestStandaloneAckCarriesBitmap(t *testing.T) {
	e := NewEngine(0, 0, 0)
	start := time.Now()

	e.ReceiveData(&wire.Data{Reliable: true, Sequence: 0, TypeID: 1}, start)
	e.ReceiveData(&wire.Data{Reliable: true, Sequence: 2, TypeID: 1}, start) // gap at 1

	_, ack, _ := e.Tick(start.Add(AckDelay + time.Millisecond))
	if ack == nil {
		t.Fatal("no ack")
	}
	if ack.AckSequence != 0 || ack.Bitmap != 1<<1 {
		t.Errorf("ack %d bitmap %#b", ack.AckSequence, ack.Bitmap)
	}
}

func TestDuplicateArmsAck(t *testing.T) {
	e := NewEngine(0, 0, 0)
	start := time.Now()

	e.ReceiveData(&wire.Data{Reliable: true, Sequence: 0, TypeID: 1}, start)
	e.Tick(start.Add(AckDelay + time.Millisecond)) // drain the first ack

	// A retransmitted duplicate must re-arm progress advertisement.
	out := e.ReceiveData(&wire.Data{Reliable: true, Sequence: 0, TypeID: 1}, start.Add(20*time.Millisecond))
	if out != nil {
		t.Errorf("duplicate delivered: %v", out)
	}
	_, ack, _ := e.Tick(start.Add(40 * time.Millisecond))
	if ack == nil {
		t.Error("no re-advertisement after duplicate")
	}
}

func TestTickRetransmitsWithOriginalSequence(t *testing.T) {
	e := NewEngine(0, 0, 0)
	start := time.Now()

	d, _ := e.SendReliable(4, []byte("payload"), start)
	origSeq := d.Sequence

	resend, _, expired := e.Tick(start.Add(MinRTO + time.Millisecond))
	if len(expired) != 0 {
		t.Fatalf("premature expiry: %v", expired)
	}
	if len(resend) != 1 {
		t.Fatalf("resend count: %d", len(resend))
	}
	if resend[0].Sequence != origSeq || string(resend[0].Payload) != "payload" {
		t.Errorf("rebuilt packet mismatch: %+v", resend[0])
	}

	// Immediately after, the backoff doubles; nothing due yet.
	resend, _, _ = e.Tick(start.Add(MinRTO + 2*time.Millisecond))
	if len(resend) != 0 {
		t.Error("retransmitted again before backoff elapsed")
	}
}

func TestExpiredAfterMaxAttempts(t *testing.T) {
	e := NewEngine(0, 2, 0)
	now := time.Now()

	e.SendReliable(1, nil, now)
	var expired []*OutboundEntry
	for i := 0; i < 4 && len(expired) == 0; i++ {
		now = now.Add(MaxRTO + time.Millisecond)
		_, _, expired = e.Tick(now)
	}
	if len(expired) != 1 {
		t.Fatalf("expired: %d, want 1", len(expired))
	}
	if e.PendingCount() != 0 {
		t.Error("expired entry still pending")
	}
}

func TestReceiveAckReleasesQueue(t *testing.T) {
	e := NewEngine(0, 0, 0)
	now := time.Now()
	for i := 0; i < 4; i++ {
		e.SendReliable(1, nil, now)
	}

	// Cumulative 0 plus bit 1 -> releases 0 and 2.
	released := e.ReceiveAck(&wire.Ack{AckSequence: 0, Bitmap: 1 << 1})
	if released != 2 {
		t.Errorf("released %d, want 2", released)
	}
	if e.PendingCount() != 2 {
		t.Errorf("pending %d, want 2", e.PendingCount())
	}
}

func TestDeliveryOrderUnderReordering(t *testing.T) {
	sender := NewEngine(0, 0, 0)
	receiver := NewEngine(0, 0, 0)
	now := time.Now()

	var packets []*wire.Data
	for i := 0; i < 5; i++ {
		d, _ := sender.SendReliable(1, []byte{byte(i)}, now)
		packets = append(packets, d)
	}

	// Deliver in scrambled order.
	var delivered []byte
	for _, idx := range []int{3, 0, 4, 2, 1} {
		for _, msg := range receiver.ReceiveData(packets[idx], now) {
			delivered = append(delivered, msg.Payload[0])
		}
	}
	if len(delivered) != 5 {
		t.Fatalf("delivered %d, want 5", len(delivered))
	}
	for i, b := range delivered {
		if b != byte(i) {
			t.Fatalf("order violated at %d: %v", i, delivered)
		}
	}
}
