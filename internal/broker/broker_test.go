package broker

import (
	"context"
	"os"
	"testing"

	"github.com/pyr33x/goqttd/internal/auth"
	"github.com/pyr33x/goqttd/internal/config"
	"github.com/pyr33x/goqttd/internal/domain"
	"github.com/pyr33x/goqttd/internal/mqtt"
	"github.com/pyr33x/goqttd/internal/session"
	"github.com/pyr33x/goqttd/internal/storage"
	"github.com/pyr33x/goqttd/internal/subscription"
)

type fakeConn struct {
	id  string
	eng *session.Engine
	out []mqtt.Packet
}

func (f *fakeConn) ClientID() string  { return f.id }
func (f *fakeConn) Close(string)      {}
func (f *fakeConn) Session() *session.Engine { return f.eng }
func (f *fakeConn) Send(pkt mqtt.Packet) error {
	f.out = append(f.out, pkt)
	return nil
}

func newTestDomain(t *testing.T) (*domain.Context, *storage.Store) {
	t.Helper()
	dir, err := os.MkdirTemp("", "goqtt-broker-*")
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
	d := domain.NewContext("test", config.DomainSettings{}, store, backend)
	return d, store
}

func newFakeConn(t *testing.T, store *storage.Store, clientID string) *fakeConn {
	t.Helper()
	if err := store.Init(clientID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	eng, err := session.NewEngine(clientID, store, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &fakeConn{id: clientID, eng: eng}
}

func TestHandlePublishDeliversToOnlineSubscriber(t *testing.T) {
	d, store := newTestDomain(t)
	sub := newFakeConn(t, store, "subscriber-1")
	if err := d.Admit(sub.id, sub); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	d.Subs.Subscribe("a/b", SubscriberHandle(sub, mqtt.QoS1))

	b := New(domain.NewRegistry(), nil)
	pub := &mqtt.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: mqtt.QoS1}
	if _, err := b.HandlePublish(context.Background(), d, "publisher-1", "", pub); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}

	if len(sub.out) != 1 {
		t.Fatalf("expected 1 delivered packet, got %d", len(sub.out))
	}
	got := sub.out[0].(*mqtt.PublishPacket)
	if got.Topic != "a/b" || string(got.Payload) != "hi" || got.PacketID == 0 {
		t.Fatalf("unexpected delivered packet: %+v", got)
	}
}

func TestHandlePublishQueuesOfflineSubscriber(t *testing.T) {
	d, store := newTestDomain(t)
	if err := store.Init("offline-1"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	d.Subs.Subscribe("a/b", subscription.Subscriber{ClientID: "offline-1", QoS: mqtt.QoS1})

	b := New(domain.NewRegistry(), nil)
	pub := &mqtt.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: mqtt.QoS1}
	if _, err := b.HandlePublish(context.Background(), d, "publisher-1", "", pub); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}

	n, err := store.QueuedCount("offline-1")
	if err != nil {
		t.Fatalf("QueuedCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 queued message for offline subscriber, got %d", n)
	}
}

func TestHandlePublishACLDenyDropsMessage(t *testing.T) {
	d, store := newTestDomain(t)
	d.ACL.Publish = append(d.ACL.Publish, auth.NewRuleSet([]config.ACLRuleConfig{
		{Username: "*", Filter: "admin/#", Action: "deny", Publish: true},
	}))

	sub := newFakeConn(t, store, "subscriber-1")
	if err := d.Admit(sub.id, sub); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	d.Subs.Subscribe("admin/#", SubscriberHandle(sub, mqtt.QoS0))
	d.Subs.Subscribe("public/info", SubscriberHandle(sub, mqtt.QoS0))

	b := New(domain.NewRegistry(), nil)
	denied := &mqtt.PublishPacket{Topic: "admin/secret", Payload: []byte("x"), QoS: mqtt.QoS0}
	decision, err := b.HandlePublish(context.Background(), d, "publisher-1", "eve", denied)
	if err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	if decision != auth.Discard {
		t.Fatalf("expected Discard, got %v", decision)
	}
	if len(sub.out) != 0 {
		t.Fatalf("denied publish must not be delivered, got %d packets", len(sub.out))
	}

	allowed := &mqtt.PublishPacket{Topic: "public/info", Payload: []byte("y"), QoS: mqtt.QoS0}
	if _, err := b.HandlePublish(context.Background(), d, "publisher-1", "eve", allowed); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	if len(sub.out) != 1 {
		t.Fatalf("allowed publish should be delivered, got %d packets", len(sub.out))
	}
}

func TestHandlePublishRetainUpdatesStore(t *testing.T) {
	d, _ := newTestDomain(t)
	b := New(domain.NewRegistry(), nil)

	pub := &mqtt.PublishPacket{Topic: "a/b", Payload: []byte("retained"), QoS: mqtt.QoS0, Retain: true}
	if _, err := b.HandlePublish(context.Background(), d, "publisher-1", "", pub); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}

	msgs := d.Subs.MatchRetained("a/+")
	if len(msgs) != 1 || string(msgs[0].Payload) != "retained" {
		t.Fatalf("expected retained message stored, got %+v", msgs)
	}
}
