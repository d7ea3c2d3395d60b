package mqtt

import "github.com/pyr33x/goqttd/pkg/er"

// PublishPacket is the PUBLISH control packet (MQTT 3.1.1 §3.3).
type PublishPacket struct {
	DUP    bool
	QoS    QoS
	Retain bool

	Topic    string
	PacketID uint16 // meaningful only when QoS > 0

	Payload []byte
}

func (p *PublishPacket) Type() PacketType { return PUBLISH }

func decodePublish(flags byte, body []byte) (*PublishPacket, error) {
	pp := &PublishPacket{
		DUP:    flags&0x08 != 0,
		QoS:    QoS((flags & 0x06) >> 1),
		Retain: flags&0x01 != 0,
	}

	if err := validateQoS(pp.QoS); err != nil {
		return nil, err
	}
	if pp.DUP && pp.QoS == QoS0 {
		return nil, &er.Err{Context: "PUBLISH, DUP", Message: er.ErrInvalidDUPFlag}
	}

	topic, n, err := decodeString(body)
	if err != nil {
		return nil, &er.Err{Context: "PUBLISH, Topic", Message: er.ErrInvalidPublishPacket}
	}
	if topic == "" {
		return nil, &er.Err{Context: "PUBLISH, Topic", Message: er.ErrEmptyTopic}
	}
	if containsWildcards(topic) {
		return nil, &er.Err{Context: "PUBLISH, Topic", Message: er.ErrWildcardsNotAllowedInPublish}
	}
	pp.Topic = topic
	off := n

	if pp.QoS != QoS0 {
		if off+2 > len(body) {
			return nil, &er.Err{Context: "PUBLISH, PacketID", Message: er.ErrMissingPacketID}
		}
		id := uint16(body[off])<<8 | uint16(body[off+1])
		if id == 0 {
			return nil, &er.Err{Context: "PUBLISH, PacketID", Message: er.ErrInvalidPacketID}
		}
		pp.PacketID = id
		off += 2
	}

	if off < len(body) {
		pp.Payload = append([]byte(nil), body[off:]...)
	}
	return pp, nil
}

func (p *PublishPacket) Encode() []byte {
	var vh []byte
	vh = append(vh, encodeString(p.Topic)...)
	if p.QoS != QoS0 {
		vh = append(vh, byte(p.PacketID>>8), byte(p.PacketID&0xFF))
	}
	vh = append(vh, p.Payload...)

	var flags byte = byte(PUBLISH)
	if p.DUP {
		flags |= 0x08
	}
	flags |= byte(p.QoS) << 1
	if p.Retain {
		flags |= 0x01
	}

	out := []byte{flags}
	out = append(out, encodeRemainingLength(len(vh))...)
	out = append(out, vh...)
	return out
}

func containsWildcards(topic string) bool {
	for _, c := range topic {
		if c == '+' || c == '#' {
			return true
		}
	}
	return false
}
