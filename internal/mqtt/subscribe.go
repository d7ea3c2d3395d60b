package mqtt

import "github.com/pyr33x/goqttd/pkg/er"

// SubscribeFilter is one (topic filter, requested QoS) pair in a SUBSCRIBE.
type SubscribeFilter struct {
	Filter string
	QoS    QoS
}

// SubscribePacket is the SUBSCRIBE control packet (MQTT 3.1.1 §3.8).
type SubscribePacket struct {
	PacketID uint16
	Filters  []SubscribeFilter
}

func (p *SubscribePacket) Type() PacketType { return SUBSCRIBE }

func decodeSubscribe(body []byte) (*SubscribePacket, error) {
	if len(body) < 5 {
		return nil, &er.Err{Context: "SUBSCRIBE", Message: er.ErrInvalidSubscribePacket}
	}
	id := uint16(body[0])<<8 | uint16(body[1])
	if id == 0 {
		return nil, &er.Err{Context: "SUBSCRIBE, PacketID", Message: er.ErrInvalidPacketID}
	}
	sp := &SubscribePacket{PacketID: id}
	off := 2

	for off < len(body) {
		filter, n, err := decodeString(body[off:])
		if err != nil {
			return nil, &er.Err{Context: "SUBSCRIBE, Filter", Message: er.ErrInvalidSubscribePacket}
		}
		if filter == "" {
			return nil, &er.Err{Context: "SUBSCRIBE, Filter", Message: er.ErrEmptyTopicFilter}
		}
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, err
		}
		off += n

		if off >= len(body) {
			return nil, &er.Err{Context: "SUBSCRIBE, QoS", Message: er.ErrMissingQoSByte}
		}
		opt := body[off]
		off++
		if opt&0xFC != 0 {
			return nil, &er.Err{Context: "SUBSCRIBE, QoS", Message: er.ErrInvalidQoSReservedBits}
		}
		qos := QoS(opt & 0x03)
		if err := validateQoS(qos); err != nil {
			return nil, err
		}

		sp.Filters = append(sp.Filters, SubscribeFilter{Filter: filter, QoS: qos})
	}

	if len(sp.Filters) == 0 {
		return nil, &er.Err{Context: "SUBSCRIBE", Message: er.ErrNoTopicFilters}
	}
	return sp, nil
}

func (p *SubscribePacket) Encode() []byte {
	vh := []byte{byte(p.PacketID >> 8), byte(p.PacketID & 0xFF)}
	for _, f := range p.Filters {
		vh = append(vh, encodeString(f.Filter)...)
		vh = append(vh, byte(f.QoS))
	}
	out := []byte{byte(SUBSCRIBE) | 0x02}
	out = append(out, encodeRemainingLength(len(vh))...)
	out = append(out, vh...)
	return out
}

// SubAckPacket acknowledges a SUBSCRIBE with one return code per filter
// (MQTT 3.1.1 §3.9).
type SubAckPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

func (p *SubAckPacket) Type() PacketType { return SUBACK }

func decodeSubAck(body []byte) (*SubAckPacket, error) {
	if len(body) < 3 {
		return nil, &er.Err{Context: "SUBACK", Message: er.ErrInvalidPacketLength}
	}
	return &SubAckPacket{
		PacketID:    uint16(body[0])<<8 | uint16(body[1]),
		ReturnCodes: append([]byte(nil), body[2:]...),
	}, nil
}

func (p *SubAckPacket) Encode() []byte {
	vh := append([]byte{byte(p.PacketID >> 8), byte(p.PacketID & 0xFF)}, p.ReturnCodes...)
	out := []byte{byte(SUBACK)}
	out = append(out, encodeRemainingLength(len(vh))...)
	out = append(out, vh...)
	return out
}

// ValidateTopicFilter checks well-formedness of a subscription filter per
// MQTT 3.1.1 §4.7: valid UTF-8, no embedded null, and '+'/'#' each occupying
// a whole level with '#' only as the last level.
func ValidateTopicFilter(filter string) error {
	if err := validateUTF8(filter); err != nil {
		return err
	}
	levels := splitTopic(filter)
	for i, level := range levels {
		if level == "#" {
			if i != len(levels)-1 {
				return &er.Err{Context: "TopicFilter", Message: er.ErrInvalidWildcardPosition}
			}
			continue
		}
		if level == "+" {
			continue
		}
		for _, c := range level {
			if c == '+' || c == '#' {
				return &er.Err{Context: "TopicFilter", Message: er.ErrInvalidWildcardPosition}
			}
		}
	}
	return nil
}

func splitTopic(topic string) []string {
	var levels []string
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			levels = append(levels, topic[start:i])
			start = i + 1
		}
	}
	levels = append(levels, topic[start:])
	return levels
}
