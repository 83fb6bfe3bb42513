package transport

import (
	"testing"
	"time"
)

func TestWSBridgeRoundtrip(t *testing.T) {
	srv, err := NewWSNetwork().Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ws listen failed: %v", err)
	}
	defer srv.Close()

	cl, err := DialWS("ws://" + srv.LocalAddr() + "/dgram")
	if err != nil {
		t.Fatalf("ws dial failed: %v", err)
	}
	defer cl.Close()

	if err := cl.Send("", []byte("up")); err != nil {
		t.Fatalf("client send failed: %v", err)
	}

	var from string
	select {
	case dg := <-srv.Packets():
		if string(dg.Payload) != "up" {
			t.Errorf("payload: %q", dg.Payload)
		}
		from = dg.From
	case <-time.After(5 * time.Second):
		t.Fatal("server received nothing")
	}

	if err := srv.Send(from, []byte("down")); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	select {
	case dg := <-cl.Packets():
		if string(dg.Payload) != "down" {
			t.Errorf("payload: %q", dg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client received nothing")
	}
}

func TestWSSendToGonePeerIsSilent(t *testing.T) {
	srv, err := NewWSNetwork().Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	// Datagram semantics: an unroutable destination is silent loss.
	if err := srv.Send("ws/10.0.0.1:1", []byte("void")); err != nil {
		t.Errorf("send to missing peer errored: %v", err)
	}
}
