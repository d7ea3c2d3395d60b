package mqtt

import "github.com/pyr33x/goqttd/pkg/er"

// Decode parses one complete control packet from the front of data.
// It returns the packet and the number of bytes consumed.
//
// If data does not yet hold a complete packet, Decode returns
// (nil, 0, er.ErrIncomplete); the caller should read more bytes from the
// socket and retry with the extended buffer.
func Decode(data []byte) (Packet, int, error) {
	if len(data) < 1 {
		return nil, 0, er.ErrIncomplete
	}

	typ := PacketType(data[0] & 0xF0)
	flags := data[0] & 0x0F

	remLen, lenBytes, err := decodeRemainingLength(data[1:])
	if err != nil {
		if err == er.ErrIncomplete {
			return nil, 0, er.ErrIncomplete
		}
		return nil, 0, err
	}

	total := 1 + lenBytes + remLen
	if len(data) < total {
		return nil, 0, er.ErrIncomplete
	}
	body := data[1+lenBytes : total]

	pkt, err := decodeBody(typ, flags, body)
	if err != nil {
		return nil, 0, err
	}
	return pkt, total, nil
}

func decodeBody(typ PacketType, flags byte, body []byte) (Packet, error) {
	switch typ {
	case CONNECT:
		return decodeConnect(body)
	case CONNACK:
		return decodeConnAck(body)
	case PUBLISH:
		return decodePublish(flags, body)
	case PUBACK:
		return decodePubAck(body)
	case PUBREC:
		return decodePubRec(body)
	case PUBREL:
		if flags != 0x02 {
			return nil, &er.Err{Context: "PUBREL", Message: er.ErrInvalidAckPacket}
		}
		return decodePubRel(body)
	case PUBCOMP:
		return decodePubComp(body)
	case SUBSCRIBE:
		if flags != 0x02 {
			return nil, &er.Err{Context: "SUBSCRIBE", Message: er.ErrInvalidSubscribeFlags}
		}
		return decodeSubscribe(body)
	case SUBACK:
		return decodeSubAck(body)
	case UNSUBSCRIBE:
		if flags != 0x02 {
			return nil, &er.Err{Context: "UNSUBSCRIBE", Message: er.ErrInvalidUnsubscribeFlags}
		}
		return decodeUnsubscribe(body)
	case UNSUBACK:
		return decodeUnsubAck(body)
	case PINGREQ:
		return decodePingReq(flags, body)
	case PINGRESP:
		return decodePingResp(flags, body)
	case DISCONNECT:
		return decodeDisconnect(flags, body)
	default:
		return nil, &er.Err{Context: "decode", Message: er.ErrInvalidPacketType}
	}
}

// Decoder buffers inbound bytes across socket reads and yields complete
// packets as they become available, so a packet split across reads decodes
// once the remainder arrives.
type Decoder struct {
	buf []byte
}

// Feed appends newly read bytes to the decode buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next returns the next complete packet buffered, or (nil, er.ErrIncomplete)
// if more bytes are needed. Any other error is a protocol violation, fatal
// to the connection.
func (d *Decoder) Next() (Packet, error) {
	pkt, consumed, err := Decode(d.buf)
	if err != nil {
		return nil, err
	}
	d.buf = d.buf[consumed:]
	return pkt, nil
}

// Buffered reports how many bytes are currently queued, awaiting a full
// packet.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
