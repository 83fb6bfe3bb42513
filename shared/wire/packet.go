package wire

import (
	"encoding/binary"
	"math"
)

// Encode serializes a packet to wire bytes, tag first.
func Encode(p Packet) []byte {
	switch pkt := p.(type) {
	case *ClientHello:
		buf := make([]byte, 0, 2+PublicKeySize)
		buf = append(buf, TagClientHello, pkt.Version)
		buf = append(buf, pkt.PublicKey[:]...)
		return buf

	case *ServerHello:
		buf := make([]byte, 0, 2+PublicKeySize+SignatureSize)
		buf = append(buf, TagServerHello, pkt.Version)
		buf = append(buf, pkt.PublicKey[:]...)
		buf = append(buf, pkt.Signature[:]...)
		return buf

	case *Connect:
		buf := make([]byte, 0, 1+HashSize+1+TokenSize+4)
		buf = append(buf, TagConnect)
		buf = append(buf, pkt.ProtocolHash[:]...)
		if pkt.Token == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, TokenSize)
			buf = append(buf, pkt.Token[:]...)
			buf = binary.BigEndian.AppendUint32(buf, pkt.LastReceivedSeq)
		}
		return buf

	case *Accept:
		buf := make([]byte, 0, 1+TokenSize+12)
		buf = append(buf, TagAccept)
		buf = append(buf, pkt.Token[:]...)
		buf = binary.BigEndian.AppendUint32(buf, pkt.HeartbeatMillis)
		buf = binary.BigEndian.AppendUint32(buf, pkt.TimeoutMillis)
		buf = binary.BigEndian.AppendUint32(buf, pkt.LastReceivedSeq)
		return buf

	case *Reject:
		return encodeCodeMessage(TagReject, byte(pkt.Reason), pkt.Message)

	case *Data:
		var flags byte
		if pkt.Reliable {
			flags |= FlagReliable
		}
		if pkt.HasAck {
			flags |= FlagPiggybackAck
		}
		buf := make([]byte, 0, 12+len(pkt.Payload))
		buf = append(buf, TagData, flags)
		if pkt.Reliable {
			buf = binary.BigEndian.AppendUint32(buf, pkt.Sequence)
		}
		if pkt.HasAck {
			buf = binary.BigEndian.AppendUint32(buf, pkt.AckSequence)
		}
		buf = binary.BigEndian.AppendUint16(buf, pkt.TypeID)
		buf = append(buf, pkt.Payload...)
		return buf

	case *Ack:
		buf := make([]byte, 9)
		buf[0] = TagAck
		binary.BigEndian.PutUint32(buf[1:5], pkt.AckSequence)
		binary.BigEndian.PutUint32(buf[5:9], pkt.Bitmap)
		return buf

	case *Heartbeat:
		buf := make([]byte, 9)
		buf[0] = TagHeartbeat
		binary.BigEndian.PutUint64(buf[1:9], uint64(pkt.Timestamp))
		return buf

	case *HeartbeatAck:
		buf := make([]byte, 17)
		buf[0] = TagHeartbeatAck
		binary.BigEndian.PutUint64(buf[1:9], uint64(pkt.EchoTimestamp))
		binary.BigEndian.PutUint64(buf[9:17], uint64(pkt.Timestamp))
		return buf

	case *Disconnect:
		return encodeCodeMessage(TagDisconnect, byte(pkt.Code), pkt.Message)

	default:
		// The packet set is closed; reaching this is a programming error.
		panic("wire: unknown packet type")
	}
}

func encodeCodeMessage(tag, code byte, msg string) []byte {
	if len(msg) > math.MaxUint16 {
		msg = msg[:math.MaxUint16]
	}
	buf := make([]byte, 0, 4+len(msg))
	buf = append(buf, tag, code)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg)))
	buf = append(buf, msg...)
	return buf
}

// Decode parses wire bytes into a packet. Any defect yields an error
// wrapping ErrMalformedPacket.
func Decode(data []byte) (Packet, error) {
	if len(data) < 1 {
		return nil, malformed("empty datagram")
	}
	tag := data[0]
	body := data[1:]

	switch tag {
	case TagClientHello:
		if len(body) < 1+PublicKeySize {
			return nil, malformed("CLIENT_HELLO too short: %d bytes", len(body))
		}
		pkt := &ClientHello{Version: body[0]}
		copy(pkt.PublicKey[:], body[1:1+PublicKeySize])
		return pkt, nil

	case TagServerHello:
		if len(body) < 1+PublicKeySize+SignatureSize {
			return nil, malformed("SERVER_HELLO too short: %d bytes", len(body))
		}
		pkt := &ServerHello{Version: body[0]}
		copy(pkt.PublicKey[:], body[1:1+PublicKeySize])
		copy(pkt.Signature[:], body[1+PublicKeySize:1+PublicKeySize+SignatureSize])
		return pkt, nil

	case TagConnect:
		if len(body) < HashSize+1 {
			return nil, malformed("CONNECT too short: %d bytes", len(body))
		}
		pkt := &Connect{}
		copy(pkt.ProtocolHash[:], body[:HashSize])
		offset := HashSize
		tokenLen := int(body[offset])
		offset++
		switch tokenLen {
		case 0:
			return pkt, nil
		case TokenSize:
			if len(body) < offset+TokenSize+4 {
				return nil, malformed("CONNECT token truncated")
			}
			var token [TokenSize]byte
			copy(token[:], body[offset:offset+TokenSize])
			pkt.Token = &token
			pkt.LastReceivedSeq = binary.BigEndian.Uint32(body[offset+TokenSize : offset+TokenSize+4])
			return pkt, nil
		default:
			return nil, malformed("CONNECT token length %d", tokenLen)
		}

	case TagAccept:
		if len(body) < TokenSize+12 {
			return nil, malformed("ACCEPT too short: %d bytes", len(body))
		}
		pkt := &Accept{}
		copy(pkt.Token[:], body[:TokenSize])
		pkt.HeartbeatMillis = binary.BigEndian.Uint32(body[TokenSize : TokenSize+4])
		pkt.TimeoutMillis = binary.BigEndian.Uint32(body[TokenSize+4 : TokenSize+8])
		pkt.LastReceivedSeq = binary.BigEndian.Uint32(body[TokenSize+8 : TokenSize+12])
		return pkt, nil

	case TagReject:
		code, msg, err := decodeCodeMessage("REJECT", body)
		if err != nil {
			return nil, err
		}
		reason := RejectReason(code)
		switch reason {
		case RejectProtocolMismatch, RejectServerFull, RejectSessionExpired,
			RejectInvalidToken, RejectAuthFailed:
		default:
			return nil, malformed("REJECT unknown reason 0x%02x", code)
		}
		return &Reject{Reason: reason, Message: msg}, nil

	case TagData:
		if len(body) < 1 {
			return nil, malformed("DATA missing flags")
		}
		flags := body[0]
		if flags&^(FlagReliable|FlagPiggybackAck) != 0 {
			return nil, malformed("DATA unknown flags 0x%02x", flags)
		}
		pkt := &Data{
			Reliable: flags&FlagReliable != 0,
			HasAck:   flags&FlagPiggybackAck != 0,
		}
		offset := 1
		if pkt.Reliable {
			if len(body) < offset+4 {
				return nil, malformed("DATA sequence truncated")
			}
			pkt.Sequence = binary.BigEndian.Uint32(body[offset : offset+4])
			offset += 4
		}
		if pkt.HasAck {
			if len(body) < offset+4 {
				return nil, malformed("DATA ack truncated")
			}
			pkt.AckSequence = binary.BigEndian.Uint32(body[offset : offset+4])
			offset += 4
		}
		if len(body) < offset+2 {
			return nil, malformed("DATA type id truncated")
		}
		pkt.TypeID = binary.BigEndian.Uint16(body[offset : offset+2])
		offset += 2
		pkt.Payload = make([]byte, len(body)-offset)
		copy(pkt.Payload, body[offset:])
		return pkt, nil

	case TagAck:
		if len(body) < 8 {
			return nil, malformed("ACK too short: %d bytes", len(body))
		}
		return &Ack{
			AckSequence: binary.BigEndian.Uint32(body[0:4]),
			Bitmap:      binary.BigEndian.Uint32(body[4:8]),
		}, nil

	case TagHeartbeat:
		if len(body) < 8 {
			return nil, malformed("HEARTBEAT too short: %d bytes", len(body))
		}
		return &Heartbeat{Timestamp: int64(binary.BigEndian.Uint64(body[0:8]))}, nil

	case TagHeartbeatAck:
		if len(body) < 16 {
			return nil, malformed("HEARTBEAT_ACK too short: %d bytes", len(body))
		}
		return &HeartbeatAck{
			EchoTimestamp: int64(binary.BigEndian.Uint64(body[0:8])),
			Timestamp:     int64(binary.BigEndian.Uint64(body[8:16])),
		}, nil

	case TagDisconnect:
		code, msg, err := decodeCodeMessage("DISCONNECT", body)
		if err != nil {
			return nil, err
		}
		dc := DisconnectCode(code)
		switch dc {
		case DisconnectNormal, DisconnectKicked, DisconnectProtocolError, DisconnectShutdown:
		default:
			return nil, malformed("DISCONNECT unknown code 0x%02x", code)
		}
		return &Disconnect{Code: dc, Message: msg}, nil

	default:
		return nil, malformed("unknown tag 0x%02x", tag)
	}
}

func decodeCodeMessage(name string, body []byte) (byte, string, error) {
	if len(body) < 3 {
		return 0, "", malformed("%s too short: %d bytes", name, len(body))
	}
	msgLen := int(binary.BigEndian.Uint16(body[1:3]))
	if len(body) < 3+msgLen {
		return 0, "", malformed("%s message truncated: declared %d, remaining %d", name, msgLen, len(body)-3)
	}
	return body[0], string(body[3 : 3+msgLen]), nil
}
