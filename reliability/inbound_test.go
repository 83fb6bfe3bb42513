package reliability

import (
	"testing"
)

func TestInOrderDelivery(t *testing.T) {
	b := NewInboundBuffer(0, 0)

	for seq := uint32(0); seq < 3; seq++ {
		if res := b.Receive(seq, 1, []byte{byte(seq)}); res != Accepted {
			t.Fatalf("seq %d: got %v", seq, res)
		}
		out := b.Drain()
		if len(out) != 1 || out[0].Sequence != seq {
			t.Fatalf("seq %d: drain %v", seq, out)
		}
	}
	if hc, ok := b.HighestConsecutive(); !ok || hc != 2 {
		t.Errorf("highest consecutive: %d, %v", hc, ok)
	}
}

func TestOutOfOrderBufferingAndDrain(t *testing.T) {
	b := NewInboundBuffer(0, 0)

	// 2 and 1 arrive before 0; nothing drains until the gap fills.
	if res := b.Receive(2, 1, []byte("c")); res != Accepted {
		t.Fatalf("seq 2: %v", res)
	}
	if res := b.Receive(1, 1, []byte("b")); res != Accepted {
		t.Fatalf("seq 1: %v", res)
	}
	if out := b.Drain(); len(out) != 0 {
		t.Fatalf("drained %d before gap filled", len(out))
	}
	if b.Buffered() != 2 {
		t.Errorf("buffered: %d", b.Buffered())
	}

	if res := b.Receive(0, 1, []byte("a")); res != Accepted {
		t.Fatalf("seq 0: %v", res)
	}
	out := b.Drain()
	if len(out) != 3 {
		t.Fatalf("drained %d, want 3", len(out))
	}
	for i, msg := range out {
		if msg.Sequence != uint32(i) {
			t.Errorf("position %d: seq %d", i, msg.Sequence)
		}
	}
}

func TestDuplicateDetection(t *testing.T) {
	b := NewInboundBuffer(0, 0)

	b.Receive(0, 1, nil)
	b.Drain()

	// Late duplicate of a delivered sequence.
	if res := b.Receive(0, 1, nil); res != Duplicate {
		t.Errorf("delivered duplicate: got %v", res)
	}

	// Duplicate of a still-buffered sequence.
	b.Receive(5, 1, nil)
	if res := b.Receive(5, 1, nil); res != Duplicate {
		t.Errorf("buffered duplicate: got %v", res)
	}
}

func TestTooOldOutsideRecentSet(t *testing.T) {
	b := NewInboundBuffer(0, 2) // recent set caps at 2

	for seq := uint32(0); seq < 5; seq++ {
		b.Receive(seq, 1, nil)
		b.Drain()
	}
	// Sequences 3 and 4 are still in the recent set; 0 has been evicted.
	if res := b.Receive(4, 1, nil); res != Duplicate {
		t.Errorf("recent sequence: got %v", res)
	}
	if res := b.Receive(0, 1, nil); res != TooOld {
		t.Errorf("evicted sequence: got %v", res)
	}
}

func TestBufferFull(t *testing.T) {
	b := NewInboundBuffer(2, 0)

	// Fill the out-of-order store past nextExpected.
	if res := b.Receive(5, 1, nil); res != Accepted {
		t.Fatal(res)
	}
	if res := b.Receive(6, 1, nil); res != Accepted {
		t.Fatal(res)
	}
	if res := b.Receive(7, 1, nil); res != BufferFull {
		t.Errorf("overflow: got %v", res)
	}

	// The bottom of the window is always admitted.
	if res := b.Receive(0, 1, nil); res != Accepted {
		t.Errorf("nextExpected refused at capacity: %v", res)
	}
	if b.Buffered() > 3 {
		t.Errorf("buffered %d beyond bound", b.Buffered())
	}
}

func TestBitmap(t *testing.T) {
	b := NewInboundBuffer(0, 0)

	b.Receive(0, 1, nil)
	b.Drain() // highestConsecutive = 0, nextExpected = 1

	b.Receive(2, 1, nil) // bit 1: hc+1+1
	b.Receive(4, 1, nil) // bit 3
	want := uint32(1<<1 | 1<<3)
	if got := b.Bitmap(); got != want {
		t.Errorf("bitmap: got %#b, want %#b", got, want)
	}

	// Filling the gap drains 1 and 2; the bitmap follows the new window.
	b.Receive(1, 1, nil)
	b.Drain() // delivered 1, 2; nextExpected = 3
	if got := b.Bitmap(); got != uint32(1<<1) {
		t.Errorf("bitmap after drain: got %#b, want %#b", got, uint32(1<<1))
	}
}

func TestAtMostOnceDelivery(t *testing.T) {
	b := NewInboundBuffer(0, 0)

	delivered := make(map[uint32]int)
	feed := []uint32{0, 1, 1, 2, 0, 3, 2, 4}
	for _, seq := range feed {
		b.Receive(seq, 1, nil)
		for _, msg := range b.Drain() {
			delivered[msg.Sequence]++
		}
	}
	for seq, count := range delivered {
		if count != 1 {
			t.Errorf("seq %d delivered %d times", seq, count)
		}
	}
	if len(delivered) != 5 {
		t.Errorf("delivered %d distinct, want 5", len(delivered))
	}
}
