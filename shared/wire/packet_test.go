package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	var pub [PublicKeySize]byte
	var sig [SignatureSize]byte
	var hash [HashSize]byte
	var token [TokenSize]byte
	for i := range pub {
		pub[i] = byte(i)
	}
	for i := range sig {
		sig[i] = byte(0x40 + i)
	}
	for i := range hash {
		hash[i] = byte(0x80 + i)
	}
	for i := range token {
		token[i] = byte(0xC0 + i)
	}

	testCases := []struct {
		name string
		pkt  Packet
	}{
		{"ClientHello", &ClientHello{Version: Version, PublicKey: pub}},
		{"ServerHello", &ServerHello{Version: Version, PublicKey: pub, Signature: sig}},
		{"Connect fresh", &Connect{ProtocolHash: hash}},
		{"Connect resume", &Connect{ProtocolHash: hash, Token: &token, LastReceivedSeq: 41}},
		{"Accept", &Accept{Token: token, HeartbeatMillis: 5000, TimeoutMillis: 120000, LastReceivedSeq: 7}},
		{"Reject", &Reject{Reason: RejectProtocolMismatch, Message: "protocol hash mismatch"}},
		{"Data reliable", &Data{Reliable: true, Sequence: 12, TypeID: 0x8001, Payload: []byte{1, 2, 3}}},
		{"Data reliable with ack", &Data{Reliable: true, Sequence: 13, HasAck: true, AckSequence: 9, TypeID: 2, Payload: []byte("x")}},
		{"Data unreliable", &Data{TypeID: 5, Payload: []byte("fire and forget")}},
		{"Data unreliable with ack", &Data{HasAck: true, AckSequence: 0xFFFFFFFE, TypeID: 0, Payload: nil}},
		{"Ack", &Ack{AckSequence: 100, Bitmap: 0b1010}},
		{"Heartbeat", &Heartbeat{Timestamp: 1234567890123456789}},
		{"HeartbeatAck", &HeartbeatAck{EchoTimestamp: 42, Timestamp: -1}},
		{"Disconnect", &Disconnect{Code: DisconnectShutdown, Message: "server shutdown"}},
		{"Disconnect empty message", &Disconnect{Code: DisconnectNormal}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := Encode(tc.pkt)
			if data[0] != tc.pkt.Tag() {
				t.Fatalf("tag mismatch: got 0x%02x, want 0x%02x", data[0], tc.pkt.Tag())
			}
			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !reflect.DeepEqual(normalize(decoded), normalize(tc.pkt)) {
				t.Errorf("roundtrip mismatch:\n got  %#v\n want %#v", decoded, tc.pkt)
			}
		})
	}
}

// normalize maps a nil payload to an empty one so DeepEqual compares content.
func normalize(p Packet) Packet {
	if d, ok := p.(*Data); ok {
		cp := *d
		if cp.Payload == nil {
			cp.Payload = []byte{}
		}
		return &cp
	}
	return p
}

func TestDecodeMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{0xEE, 0x00}},
		{"ClientHello short", []byte{TagClientHello, Version, 1, 2, 3}},
		{"ServerHello short", append([]byte{TagServerHello, Version}, make([]byte, 32)...)},
		{"Connect short", []byte{TagConnect, 0x01}},
		{"Connect bad token length", append([]byte{TagConnect}, append(make([]byte, 32), 5)...)},
		{"Connect token truncated", append([]byte{TagConnect}, append(make([]byte, 32), 16)...)},
		{"Accept short", []byte{TagAccept, 1, 2, 3}},
		{"Reject unknown reason", []byte{TagReject, 0x77, 0x00, 0x00}},
		{"Reject message overrun", []byte{TagReject, 0x01, 0x00, 0x10, 'x'}},
		{"Data missing flags", []byte{TagData}},
		{"Data unknown flags", []byte{TagData, 0x80, 0, 0}},
		{"Data sequence truncated", []byte{TagData, FlagReliable, 0, 0}},
		{"Data type id truncated", []byte{TagData, 0x00, 0}},
		{"Ack short", []byte{TagAck, 0, 0, 0, 0}},
		{"Heartbeat short", []byte{TagHeartbeat, 1, 2}},
		{"HeartbeatAck short", append([]byte{TagHeartbeatAck}, make([]byte, 8)...)},
		{"Disconnect unknown code", []byte{TagDisconnect, 0x55, 0x00, 0x00}},
		{"Disconnect message overrun", []byte{TagDisconnect, 0x00, 0x00, 0x05, 'a', 'b'}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			if err == nil {
				t.Fatal("expected decode error, got nil")
			}
			if !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("error does not wrap ErrMalformedPacket: %v", err)
			}
		})
	}
}

func TestDataPayloadCopied(t *testing.T) {
	buf := Encode(&Data{TypeID: 1, Payload: []byte("hello")})
	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	d := decoded.(*Data)
	buf[len(buf)-1] = 'X'
	if !bytes.Equal(d.Payload, []byte("hello")) {
		t.Error("decoded payload aliases the input buffer")
	}
}

func TestConnectTokenOmitsSequence(t *testing.T) {
	data := Encode(&Connect{ProtocolHash: [32]byte{1}})
	if len(data) != 1+32+1 {
		t.Errorf("fresh Connect should be %d bytes, got %d", 1+32+1, len(data))
	}
}
