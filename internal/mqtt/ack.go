package mqtt

import "github.com/pyr33x/goqttd/pkg/er"

// PubAckPacket acknowledges a QoS 1 PUBLISH (MQTT 3.1.1 §3.4).
type PubAckPacket struct{ PacketID uint16 }

// PubRecPacket is step 1 of the QoS 2 outbound flow (§3.5).
type PubRecPacket struct{ PacketID uint16 }

// PubRelPacket is step 2 of the QoS 2 flow (§3.6).
type PubRelPacket struct{ PacketID uint16 }

// PubCompPacket is step 3 of the QoS 2 flow (§3.7).
type PubCompPacket struct{ PacketID uint16 }

func (p *PubAckPacket) Type() PacketType  { return PUBACK }
func (p *PubRecPacket) Type() PacketType  { return PUBREC }
func (p *PubRelPacket) Type() PacketType  { return PUBREL }
func (p *PubCompPacket) Type() PacketType { return PUBCOMP }

func (p *PubAckPacket) Encode() []byte  { return encodeIDPacket(byte(PUBACK), p.PacketID) }
func (p *PubRecPacket) Encode() []byte  { return encodeIDPacket(byte(PUBREC), p.PacketID) }
func (p *PubCompPacket) Encode() []byte { return encodeIDPacket(byte(PUBCOMP), p.PacketID) }

// PUBREL's fixed header reserved bits are 0010, unlike the other three acks.
func (p *PubRelPacket) Encode() []byte {
	return []byte{byte(PUBREL) | 0x02, 0x02, byte(p.PacketID >> 8), byte(p.PacketID & 0xFF)}
}

func encodeIDPacket(typeByte byte, id uint16) []byte {
	return []byte{typeByte, 0x02, byte(id >> 8), byte(id & 0xFF)}
}

func decodeIDBody(context string, body []byte) (uint16, error) {
	if len(body) != 2 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidAckPacket}
	}
	id := uint16(body[0])<<8 | uint16(body[1])
	if id == 0 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidPacketID}
	}
	return id, nil
}

func decodePubAck(body []byte) (*PubAckPacket, error) {
	id, err := decodeIDBody("PUBACK", body)
	if err != nil {
		return nil, err
	}
	return &PubAckPacket{PacketID: id}, nil
}

func decodePubRec(body []byte) (*PubRecPacket, error) {
	id, err := decodeIDBody("PUBREC", body)
	if err != nil {
		return nil, err
	}
	return &PubRecPacket{PacketID: id}, nil
}

func decodePubRel(body []byte) (*PubRelPacket, error) {
	id, err := decodeIDBody("PUBREL", body)
	if err != nil {
		return nil, err
	}
	return &PubRelPacket{PacketID: id}, nil
}

func decodePubComp(body []byte) (*PubCompPacket, error) {
	id, err := decodeIDBody("PUBCOMP", body)
	if err != nil {
		return nil, err
	}
	return &PubCompPacket{PacketID: id}, nil
}

// NewPubAck, NewPubRec, NewPubRel, NewPubComp are convenience constructors
// used by the session/QoS engine and tests.
func NewPubAck(id uint16) *PubAckPacket   { return &PubAckPacket{PacketID: id} }
func NewPubRec(id uint16) *PubRecPacket   { return &PubRecPacket{PacketID: id} }
func NewPubRel(id uint16) *PubRelPacket   { return &PubRelPacket{PacketID: id} }
func NewPubComp(id uint16) *PubCompPacket { return &PubCompPacket{PacketID: id} }
