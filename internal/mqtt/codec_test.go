package mqtt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pyr33x/goqttd/pkg/er"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	data := p.Encode()
	got, consumed, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != len(data) {
		t.Fatalf("consumed %d, want %d", consumed, len(data))
	}
	return got
}

func TestConnectRoundTrip(t *testing.T) {
	orig := &ConnectPacket{
		ProtocolLevel: 4,
		CleanSession:  true,
		KeepAlive:     60,
		ClientID:      "client-a",
		UsernameFlag:  true,
		Username:      "alice",
		PasswordFlag:  true,
		Password:      []byte("secret"),
		WillFlag:      true,
		WillQoS:       QoS1,
		WillTopic:     "last/will",
		WillMessage:   []byte("bye"),
	}
	got := roundTrip(t, orig).(*ConnectPacket)
	if got.ClientID != orig.ClientID || got.Username != orig.Username || string(got.Password) != string(orig.Password) {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.WillTopic != orig.WillTopic || string(got.WillMessage) != string(orig.WillMessage) || got.WillQoS != orig.WillQoS {
		t.Fatalf("will round-trip mismatch: %+v", got)
	}
}

func TestConnectEmptyClientIDDecodesForConnAckReply(t *testing.T) {
	// The decoder accepts an empty id with clean_session=0; rejecting it is
	// the connection layer's job, which must answer CONNACK 0x02 instead of
	// dropping the connection.
	p := &ConnectPacket{ProtocolLevel: 4, CleanSession: false, ClientID: ""}
	got := roundTrip(t, p).(*ConnectPacket)
	if got.ClientID != "" || got.CleanSession {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestValidateClientIDEmptyRequiresCleanSession(t *testing.T) {
	if err := ValidateClientID("", true); err != nil {
		t.Fatalf("empty id with clean session should validate, got %v", err)
	}
	err := ValidateClientID("", false)
	if !errors.Is(err, er.ErrEmptyAndCleanSessionClientID) {
		t.Fatalf("expected ErrEmptyAndCleanSessionClientID, got %v", err)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	id := uint16(42)
	orig := &PublishPacket{Topic: "sport/tennis/player1", QoS: QoS1, PacketID: id, Payload: []byte("hello")}
	got := roundTrip(t, orig).(*PublishPacket)
	if got.Topic != orig.Topic || got.QoS != orig.QoS || got.PacketID != orig.PacketID || !bytes.Equal(got.Payload, orig.Payload) {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestPublishRejectsWildcardTopic(t *testing.T) {
	p := &PublishPacket{Topic: "a/+/c", QoS: QoS0}
	_, _, err := Decode(p.Encode())
	if !errors.Is(err, er.ErrWildcardsNotAllowedInPublish) {
		t.Fatalf("expected wildcard rejection, got %v", err)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	orig := &SubscribePacket{
		PacketID: 7,
		Filters: []SubscribeFilter{
			{Filter: "a/+/c", QoS: QoS1},
			{Filter: "a/#", QoS: QoS2},
		},
	}
	got := roundTrip(t, orig).(*SubscribePacket)
	if len(got.Filters) != 2 || got.Filters[0].Filter != "a/+/c" || got.Filters[1].QoS != QoS2 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	orig := &UnsubscribePacket{PacketID: 9, Filters: []string{"chat/room1"}}
	got := roundTrip(t, orig).(*UnsubscribePacket)
	if len(got.Filters) != 1 || got.Filters[0] != "chat/room1" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestAckRoundTrips(t *testing.T) {
	if got := roundTrip(t, NewPubAck(1)).(*PubAckPacket); got.PacketID != 1 {
		t.Fatalf("puback mismatch: %+v", got)
	}
	if got := roundTrip(t, NewPubRec(2)).(*PubRecPacket); got.PacketID != 2 {
		t.Fatalf("pubrec mismatch: %+v", got)
	}
	if got := roundTrip(t, NewPubRel(3)).(*PubRelPacket); got.PacketID != 3 {
		t.Fatalf("pubrel mismatch: %+v", got)
	}
	if got := roundTrip(t, NewPubComp(4)).(*PubCompPacket); got.PacketID != 4 {
		t.Fatalf("pubcomp mismatch: %+v", got)
	}
}

func TestPingPong(t *testing.T) {
	roundTrip(t, &PingReqPacket{})
	roundTrip(t, &PingRespPacket{})
	roundTrip(t, &DisconnectPacket{})
}

func TestDecodeIncompletePacket(t *testing.T) {
	full := (&PublishPacket{Topic: "a", QoS: QoS0, Payload: []byte("xy")}).Encode()
	for n := 0; n < len(full); n++ {
		_, _, err := Decode(full[:n])
		if err != er.ErrIncomplete {
			t.Fatalf("with %d/%d bytes, expected ErrIncomplete, got %v", n, len(full), err)
		}
	}
	_, consumed, err := Decode(full)
	if err != nil || consumed != len(full) {
		t.Fatalf("full decode failed: consumed=%d err=%v", consumed, err)
	}
}

func TestRemainingLengthRejectsFifthContinuationByte(t *testing.T) {
	data := []byte{byte(PUBLISH), 0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	_, _, err := Decode(data)
	if !errors.Is(err, er.ErrRemainingLengthExceeded) {
		t.Fatalf("expected ErrRemainingLengthExceeded, got %v", err)
	}
}

func TestDecoderFeedsAcrossReads(t *testing.T) {
	full := NewPubAck(5).Encode()
	var d Decoder
	d.Feed(full[:2])
	if _, err := d.Next(); err != er.ErrIncomplete {
		t.Fatalf("expected incomplete, got %v", err)
	}
	d.Feed(full[2:])
	pkt, err := d.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if pkt.(*PubAckPacket).PacketID != 5 {
		t.Fatalf("unexpected packet id")
	}
}

func TestValidateTopicFilterWildcardPlacement(t *testing.T) {
	cases := []struct {
		filter string
		ok     bool
	}{
		{"a/+/c", true},
		{"a/#", true},
		{"#", true},
		{"a/b#", false},
		{"a/#/c", false},
		{"sport/+", true},
	}
	for _, c := range cases {
		err := ValidateTopicFilter(c.filter)
		if (err == nil) != c.ok {
			t.Errorf("ValidateTopicFilter(%q) err=%v, want ok=%v", c.filter, err, c.ok)
		}
	}
}
