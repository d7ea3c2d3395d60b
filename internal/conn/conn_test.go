package conn

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/pyr33x/goqttd/internal/auth"
	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/config"
	"github.com/pyr33x/goqttd/internal/domain"
	"github.com/pyr33x/goqttd/internal/mqtt"
	"github.com/pyr33x/goqttd/internal/storage"
)

// testPipe is the client side of a net.Pipe driving a *Conn's Serve loop in
// the background, matching the net.Pipe-driven connection tests used
// elsewhere in this module.
type testPipe struct {
	t      *testing.T
	client net.Conn
	dec    mqtt.Decoder
	errCh  chan error
}

func newTestRegistry(t *testing.T) (*domain.Registry, *storage.Store) {
	t.Helper()
	dir, err := os.MkdirTemp("", "goqtt-conn-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.NewStore(dir, 16, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	backend, err := auth.New("allow-all")
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	d := domain.NewContext("test", config.DomainSettings{ConnLimit: 10, MessageSizeLimit: 1 << 20}, store, backend)

	reg := domain.NewRegistry()
	reg.Add(d)
	return reg, store
}

// startConn wires a fresh Conn to one end of a net.Pipe and runs Serve in
// the background, returning the other end for the test to drive.
func startConn(t *testing.T, domains *domain.Registry, br *broker.Broker) *testPipe {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	c := New(serverSide, "", domains, br, nil, time.Second, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve(context.Background()) }()

	t.Cleanup(func() { clientSide.Close() })
	return &testPipe{t: t, client: clientSide, errCh: errCh}
}

func (p *testPipe) send(pkt mqtt.Packet) {
	p.t.Helper()
	if _, err := p.client.Write(pkt.Encode()); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

// next reads until one full packet decodes, matching internal/mqtt's
// feed-then-decode Decoder contract.
func (p *testPipe) next() mqtt.Packet {
	p.t.Helper()
	p.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	for {
		if pkt, err := p.dec.Next(); err == nil {
			return pkt
		}
		n, err := p.client.Read(buf)
		if err != nil {
			p.t.Fatalf("read: %v", err)
		}
		p.dec.Feed(buf[:n])
	}
}

func connectPacket(clientID string, clean bool) *mqtt.ConnectPacket {
	return &mqtt.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  clean,
		KeepAlive:     30,
		ClientID:      clientID,
	}
}

func TestServeAcceptsConnectAndReturnsConnAck(t *testing.T) {
	domains, _ := newTestRegistry(t)
	br := broker.New(domains, nil)
	p := startConn(t, domains, br)

	p.send(connectPacket("client-a", true))

	pkt := p.next()
	ack, ok := pkt.(*mqtt.ConnAckPacket)
	if !ok {
		t.Fatalf("expected ConnAckPacket, got %T", pkt)
	}
	if ack.ReturnCode != mqtt.ConnAccepted {
		t.Fatalf("expected ConnAccepted, got %d", ack.ReturnCode)
	}
	if ack.SessionPresent {
		t.Fatalf("expected no session present for a fresh clean_session connect")
	}
}

func TestServeResumesSessionAfterReconnect(t *testing.T) {
	domains, _ := newTestRegistry(t)
	br := broker.New(domains, nil)

	p1 := startConn(t, domains, br)
	p1.send(connectPacket("client-b", false))
	if ack := p1.next().(*mqtt.ConnAckPacket); ack.SessionPresent {
		t.Fatalf("first connect should not report a present session")
	}
	p1.send(&mqtt.DisconnectPacket{})
	p1.client.Close()
	<-p1.errCh

	p2 := startConn(t, domains, br)
	p2.send(connectPacket("client-b", false))
	ack := p2.next().(*mqtt.ConnAckPacket)
	if !ack.SessionPresent {
		t.Fatalf("reconnecting with clean_session=false should report a present session")
	}
}

func TestServeSubscribePublishRoundTrip(t *testing.T) {
	domains, _ := newTestRegistry(t)
	br := broker.New(domains, nil)

	sub := startConn(t, domains, br)
	sub.send(connectPacket("subscriber-1", true))
	sub.next() // CONNACK

	sub.send(&mqtt.SubscribePacket{PacketID: 1, Filters: []mqtt.SubscribeFilter{{Filter: "a/b", QoS: mqtt.QoS1}}})
	suback, ok := sub.next().(*mqtt.SubAckPacket)
	if !ok {
		t.Fatalf("expected SubAckPacket")
	}
	if len(suback.ReturnCodes) != 1 || suback.ReturnCodes[0] != byte(mqtt.QoS1) {
		t.Fatalf("unexpected suback codes: %v", suback.ReturnCodes)
	}

	pub := startConn(t, domains, br)
	pub.send(connectPacket("publisher-1", true))
	pub.next() // CONNACK

	pub.send(&mqtt.PublishPacket{Topic: "a/b", Payload: []byte("hello"), QoS: mqtt.QoS1, PacketID: 5})
	if _, ok := pub.next().(*mqtt.PubAckPacket); !ok {
		t.Fatalf("expected PubAckPacket for QoS1 publish")
	}

	delivered, ok := sub.next().(*mqtt.PublishPacket)
	if !ok {
		t.Fatalf("expected PublishPacket delivered to subscriber")
	}
	if delivered.Topic != "a/b" || string(delivered.Payload) != "hello" {
		t.Fatalf("unexpected delivered packet: %+v", delivered)
	}
}

func TestServeAnswersEmptyClientIDWithIdentifierRejected(t *testing.T) {
	domains, _ := newTestRegistry(t)
	br := broker.New(domains, nil)
	p := startConn(t, domains, br)

	p.send(connectPacket("", false))

	ack, ok := p.next().(*mqtt.ConnAckPacket)
	if !ok {
		t.Fatalf("expected a CONNACK before the close")
	}
	if ack.ReturnCode != mqtt.ConnIdentifierRejected {
		t.Fatalf("expected identifier rejected (0x02), got %d", ack.ReturnCode)
	}

	select {
	case <-p.errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Serve to terminate after the rejection")
	}
}

func TestServeRejectsSecondConnect(t *testing.T) {
	domains, _ := newTestRegistry(t)
	br := broker.New(domains, nil)
	p := startConn(t, domains, br)

	p.send(connectPacket("client-c", true))
	p.next() // CONNACK

	p.send(connectPacket("client-c", true))

	select {
	case <-p.errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Serve to terminate after a second CONNECT")
	}
}
