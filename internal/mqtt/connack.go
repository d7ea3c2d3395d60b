package mqtt

import "github.com/pyr33x/goqttd/pkg/er"

// ConnAckPacket is the server's CONNECT acknowledgment (MQTT 3.1.1 §3.2).
type ConnAckPacket struct {
	SessionPresent bool
	ReturnCode     byte
}

func (p *ConnAckPacket) Type() PacketType { return CONNACK }

func (p *ConnAckPacket) Encode() []byte {
	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}
	return []byte{byte(CONNACK), 0x02, flags, p.ReturnCode}
}

func decodeConnAck(body []byte) (*ConnAckPacket, error) {
	if len(body) != 2 {
		return nil, &er.Err{Context: "CONNACK", Message: er.ErrInvalidPacketLength}
	}
	return &ConnAckPacket{
		SessionPresent: body[0]&0x01 != 0,
		ReturnCode:     body[1],
	}, nil
}

// NewConnAck is a convenience constructor used by the connection state
// machine and by tests.
func NewConnAck(sessionPresent bool, returnCode byte) *ConnAckPacket {
	return &ConnAckPacket{SessionPresent: sessionPresent, ReturnCode: returnCode}
}
