package session

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/driftgram/driftgram/reliability"
	"github.com/driftgram/driftgram/shared/crypto"
	"github.com/driftgram/driftgram/shared/record"
	"github.com/driftgram/driftgram/shared/wire"
)

type noteMsg struct {
	Text string
}

func (*noteMsg) RecordName() string { return "t.Note" }
func (*noteMsg) RecordFields() []record.Field {
	return []record.Field{{Name: "text", Type: record.TypeString}}
}
func (m *noteMsg) MarshalRecord(w *record.Writer) error { return w.WriteString(m.Text) }
func (m *noteMsg) UnmarshalRecord(r *record.Reader) error {
	var err error
	m.Text, err = r.ReadString()
	return err
}

type noteReplyMsg struct {
	Text string
}

func (*noteReplyMsg) RecordName() string { return "t.NoteReply" }
func (*noteReplyMsg) RecordFields() []record.Field {
	return []record.Field{{Name: "text", Type: record.TypeString}}
}
func (m *noteReplyMsg) MarshalRecord(w *record.Writer) error { return w.WriteString(m.Text) }
func (m *noteReplyMsg) UnmarshalRecord(r *record.Reader) error {
	var err error
	m.Text, err = r.ReadString()
	return err
}

func testProto(t *testing.T) *record.Protocol {
	t.Helper()
	p, err := record.BuildProtocol(
		record.NewFamily("t.c").Add(&noteMsg{}),
		record.NewFamily("t.s").Add(&noteReplyMsg{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// pipe wires two sessions back to back through their envelopes.
type pipe struct {
	mu    sync.Mutex
	peers map[string]*Session
}

func (p *pipe) send(addr string, payload []byte) error {
	p.mu.Lock()
	peer := p.peers[addr]
	p.mu.Unlock()
	if peer != nil {
		// Asynchronous like a real transport; the sender may hold its own
		// lock while the peer replies.
		go peer.HandleDatagram(payload)
	}
	return nil
}

func newSessionPair(t *testing.T, cb1, cb2 Callbacks) (*Session, *Session) {
	t.Helper()
	var key [crypto.KeySize]byte
	var nonceBase [crypto.NonceSize]byte
	rand.Read(key[:])
	rand.Read(nonceBase[:])

	envA, err := crypto.NewEnvelope(key, nonceBase)
	if err != nil {
		t.Fatal(err)
	}
	envB, err := crypto.NewEnvelope(key, nonceBase)
	if err != nil {
		t.Fatal(err)
	}

	proto := testProto(t)
	p := &pipe{peers: make(map[string]*Session)}
	tokenA, _ := NewToken()
	tokenB, _ := NewToken()

	a := New(Params{
		Token: tokenA, RemoteAddr: "b", Envelope: envA,
		Engine: reliability.NewEngine(0, 0, 0), Proto: proto,
		HeartbeatInterval: 50 * time.Millisecond, Timeout: time.Minute,
		Send: p.send, Callbacks: cb1,
	})
	b := New(Params{
		Token: tokenB, RemoteAddr: "a", Envelope: envB,
		Engine: reliability.NewEngine(0, 0, 0), Proto: proto,
		HeartbeatInterval: 50 * time.Millisecond, Timeout: time.Minute,
		Send: p.send, Callbacks: cb2,
	})
	p.mu.Lock()
	p.peers["a"] = a
	p.peers["b"] = b
	p.mu.Unlock()

	t.Cleanup(a.Stop)
	t.Cleanup(b.Stop)
	return a, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestReliableMessageRoundtrip(t *testing.T) {
	var mu sync.Mutex
	var got []string

	cbB := Callbacks{
		OnMessage: func(s *Session, _ uint16, rec record.Record) {
			mu.Lock()
			got = append(got, rec.(*noteMsg).Text)
			mu.Unlock()
		},
	}
	a, _ := newSessionPair(t, Callbacks{}, cbB)

	if err := a.Send(&noteMsg{Text: "first"}, wire.Reliable); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(&noteMsg{Text: "second"}, wire.Reliable); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "first" || got[1] != "second" {
		t.Errorf("order: %v", got)
	}
}

func TestHeartbeatUpdatesRTT(t *testing.T) {
	a, _ := newSessionPair(t, Callbacks{}, Callbacks{})

	// Let the heartbeat interval elapse, then tick with a real timestamp so
	// the echoed RTT sample is positive.
	time.Sleep(60 * time.Millisecond)
	a.Tick(time.Now())
	waitFor(t, time.Second, func() bool { return a.SmoothedRTT() > 0 })
}

func TestDisconnectPacketTransitionsPeer(t *testing.T) {
	done := make(chan string, 1)
	cbB := Callbacks{
		OnDisconnect: func(_ *Session, reason string) { done <- reason },
	}
	a, b := newSessionPair(t, Callbacks{}, cbB)

	a.Close("going away")
	select {
	case reason := <-done:
		if reason != "going away" {
			t.Errorf("reason: %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("peer never observed the disconnect")
	}
	if b.State() != Disconnected {
		t.Error("peer state is not DISCONNECTED")
	}
	if a.State() != Disconnected {
		t.Error("closer state is not DISCONNECTED")
	}
}

func TestSendAfterDisconnectFails(t *testing.T) {
	a, _ := newSessionPair(t, Callbacks{}, Callbacks{})
	a.Close("bye")

	if err := a.Send(&noteMsg{Text: "late"}, wire.Reliable); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if a.TrySend(&noteMsg{Text: "late"}, wire.Unreliable) {
		t.Error("TrySend succeeded on a disconnected session")
	}
}

func TestTimeoutTransitionsToDisconnected(t *testing.T) {
	done := make(chan string, 1)
	cbA := Callbacks{
		OnDisconnect: func(_ *Session, reason string) { done <- reason },
	}
	a, _ := newSessionPair(t, cbA, Callbacks{})

	// Simulate silence past the timeout.
	a.Tick(time.Now().Add(2 * time.Minute))
	select {
	case reason := <-done:
		if reason != "Timeout" {
			t.Errorf("reason: %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no timeout disconnect")
	}
}

func TestHandlerPanicRoutedToOnError(t *testing.T) {
	errs := make(chan error, 1)
	cbB := Callbacks{
		OnMessage: func(*Session, uint16, record.Record) { panic("boom") },
		OnError:   func(_ *Session, _ record.Record, err error) { errs <- err },
	}
	a, b := newSessionPair(t, Callbacks{}, cbB)

	if err := a.Send(&noteMsg{Text: "trigger"}, wire.Reliable); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errs:
		if err == nil {
			t.Error("nil error from panic")
		}
	case <-time.After(time.Second):
		t.Fatal("panic was not routed to OnError")
	}

	// The work task survives.
	var delivered bool
	b.Dispatch(func() { delivered = true })
	waitFor(t, time.Second, func() bool { return delivered })
}

func TestAttachment(t *testing.T) {
	a, _ := newSessionPair(t, Callbacks{}, Callbacks{})
	if a.Attachment() != nil {
		t.Error("fresh session has an attachment")
	}
	a.SetAttachment(42)
	if a.Attachment() != 42 {
		t.Error("attachment lost")
	}
}
