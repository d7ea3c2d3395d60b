package mqtt

import "github.com/pyr33x/goqttd/pkg/er"

// UnsubscribePacket is the UNSUBSCRIBE control packet (MQTT 3.1.1 §3.10).
type UnsubscribePacket struct {
	PacketID uint16
	Filters  []string
}

func (p *UnsubscribePacket) Type() PacketType { return UNSUBSCRIBE }

func decodeUnsubscribe(body []byte) (*UnsubscribePacket, error) {
	if len(body) < 5 {
		return nil, &er.Err{Context: "UNSUBSCRIBE", Message: er.ErrInvalidUnsubscribePacket}
	}
	id := uint16(body[0])<<8 | uint16(body[1])
	if id == 0 {
		return nil, &er.Err{Context: "UNSUBSCRIBE, PacketID", Message: er.ErrInvalidPacketID}
	}
	up := &UnsubscribePacket{PacketID: id}
	off := 2

	for off < len(body) {
		filter, n, err := decodeString(body[off:])
		if err != nil {
			return nil, &er.Err{Context: "UNSUBSCRIBE, Filter", Message: er.ErrInvalidUnsubscribePacket}
		}
		if filter == "" {
			return nil, &er.Err{Context: "UNSUBSCRIBE, Filter", Message: er.ErrEmptyTopicFilter}
		}
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, err
		}
		up.Filters = append(up.Filters, filter)
		off += n
	}

	if len(up.Filters) == 0 {
		return nil, &er.Err{Context: "UNSUBSCRIBE", Message: er.ErrNoTopicFilters}
	}
	return up, nil
}

func (p *UnsubscribePacket) Encode() []byte {
	vh := []byte{byte(p.PacketID >> 8), byte(p.PacketID & 0xFF)}
	for _, f := range p.Filters {
		vh = append(vh, encodeString(f)...)
	}
	out := []byte{byte(UNSUBSCRIBE) | 0x02}
	out = append(out, encodeRemainingLength(len(vh))...)
	out = append(out, vh...)
	return out
}

// UnsubAckPacket acknowledges an UNSUBSCRIBE (MQTT 3.1.1 §3.11).
type UnsubAckPacket struct{ PacketID uint16 }

func (p *UnsubAckPacket) Type() PacketType { return UNSUBACK }

func decodeUnsubAck(body []byte) (*UnsubAckPacket, error) {
	id, err := decodeIDBody("UNSUBACK", body)
	if err != nil {
		return nil, err
	}
	return &UnsubAckPacket{PacketID: id}, nil
}

func (p *UnsubAckPacket) Encode() []byte {
	return encodeIDPacket(byte(UNSUBACK), p.PacketID)
}
