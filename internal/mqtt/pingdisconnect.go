package mqtt

import "github.com/pyr33x/goqttd/pkg/er"

// PingReqPacket keeps a connection alive (MQTT 3.1.1 §3.12).
type PingReqPacket struct{}

// PingRespPacket answers a PINGREQ (§3.13).
type PingRespPacket struct{}

// DisconnectPacket announces a clean disconnect (§3.14).
type DisconnectPacket struct{}

func (p *PingReqPacket) Type() PacketType    { return PINGREQ }
func (p *PingRespPacket) Type() PacketType   { return PINGRESP }
func (p *DisconnectPacket) Type() PacketType { return DISCONNECT }

func (p *PingReqPacket) Encode() []byte    { return []byte{byte(PINGREQ), 0x00} }
func (p *PingRespPacket) Encode() []byte   { return []byte{byte(PINGRESP), 0x00} }
func (p *DisconnectPacket) Encode() []byte { return []byte{byte(DISCONNECT), 0x00} }

func decodePingReq(flags byte, body []byte) (*PingReqPacket, error) {
	if flags != 0 {
		return nil, &er.Err{Context: "PINGREQ", Message: er.ErrInvalidPingreqFlags}
	}
	if len(body) != 0 {
		return nil, &er.Err{Context: "PINGREQ", Message: er.ErrInvalidPingreqLength}
	}
	return &PingReqPacket{}, nil
}

func decodePingResp(flags byte, body []byte) (*PingRespPacket, error) {
	if flags != 0 {
		return nil, &er.Err{Context: "PINGRESP", Message: er.ErrInvalidPingrespFlags}
	}
	if len(body) != 0 {
		return nil, &er.Err{Context: "PINGRESP", Message: er.ErrInvalidPingrespLength}
	}
	return &PingRespPacket{}, nil
}

func decodeDisconnect(flags byte, body []byte) (*DisconnectPacket, error) {
	if flags != 0 || len(body) != 0 {
		return nil, &er.Err{Context: "DISCONNECT", Message: er.ErrInvalidDisconnectPacket}
	}
	return &DisconnectPacket{}, nil
}
