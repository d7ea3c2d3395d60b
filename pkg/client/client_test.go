package client

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/pyr33x/goqttd/internal/auth"
	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/config"
	"github.com/pyr33x/goqttd/internal/conn"
	"github.com/pyr33x/goqttd/internal/domain"
	"github.com/pyr33x/goqttd/internal/mqtt"
	"github.com/pyr33x/goqttd/internal/storage"
	"github.com/pyr33x/goqttd/pkg/er"
)

// startBroker runs a single-domain broker on a loopback listener and
// returns its address. The listener and every accepted connection are torn
// down with the test.
func startBroker(t *testing.T, settings config.DomainSettings) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "goqtt-client-*")
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
	d := domain.NewContext("test", settings, store, backend)
	reg := domain.NewRegistry()
	reg.Add(d)
	br := broker.New(reg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go conn.New(c, "", reg, br, nil, 2*time.Second, nil).Serve(ctx)
		}
	}()

	return ln.Addr().String()
}

func defaultSettings() config.DomainSettings {
	return config.DomainSettings{ConnLimit: 100, MessageSizeLimit: 1 << 20}
}

func dialOrFail(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitMessage(t *testing.T, ch chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for message")
		return Message{}
	}
}

func expectNoMessage(t *testing.T, ch chan Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPublishSubscribeQoS1(t *testing.T) {
	addr := startBroker(t, defaultSettings())

	got := make(chan Message, 4)
	sub := dialOrFail(t, Options{
		Addr:         addr,
		ClientID:     "b",
		CleanSession: true,
		OnMessage:    func(m Message) { got <- m },
	})
	codes, err := sub.Subscribe(context.Background(), Subscription{Filter: "sport/tennis/#", QoS: 1})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(codes) != 1 || codes[0] != 1 {
		t.Fatalf("unexpected granted codes: %v", codes)
	}

	pub := dialOrFail(t, Options{
		Addr:         addr,
		ClientID:     "a",
		CleanSession: true,
		WaitPublish:  2 * time.Second,
	})
	if err := pub.Publish(context.Background(), "sport/tennis/player1", []byte("hello"), 1, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	m := waitMessage(t, got)
	if m.Topic != "sport/tennis/player1" || string(m.Payload) != "hello" || m.QoS != 1 {
		t.Fatalf("unexpected message: %+v", m)
	}
	expectNoMessage(t, got)
}

func TestDurableOfflineQueueOrder(t *testing.T) {
	addr := startBroker(t, defaultSettings())

	sub := dialOrFail(t, Options{Addr: addr, ClientID: "s", CleanSession: false})
	if _, err := sub.Subscribe(context.Background(), Subscription{Filter: "chat/room1", QoS: 2}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	pub := dialOrFail(t, Options{Addr: addr, ClientID: "p", CleanSession: true, WaitPublish: 2 * time.Second})
	for _, payload := range []string{"1", "2", "3", "4", "5"} {
		if err := pub.Publish(context.Background(), "chat/room1", []byte(payload), 2, false); err != nil {
			t.Fatalf("Publish %s: %v", payload, err)
		}
	}

	got := make(chan Message, 8)
	resumed := dialOrFail(t, Options{
		Addr:         addr,
		ClientID:     "s",
		CleanSession: false,
		OnMessage:    func(m Message) { got <- m },
	})
	if !resumed.SessionPresent() {
		t.Fatalf("expected session present on non-clean reconnect")
	}

	for _, want := range []string{"1", "2", "3", "4", "5"} {
		m := waitMessage(t, got)
		if string(m.Payload) != want || m.QoS != 2 {
			t.Fatalf("expected payload %q at QoS2, got %+v", want, m)
		}
	}
	expectNoMessage(t, got)
}

func TestRetainedReplacementAndClear(t *testing.T) {
	addr := startBroker(t, defaultSettings())

	pub := dialOrFail(t, Options{Addr: addr, ClientID: "pub", CleanSession: true})
	publishRetained := func(payload string) {
		if err := pub.Publish(context.Background(), "room/temp", []byte(payload), 0, true); err != nil {
			t.Fatalf("Publish retained: %v", err)
		}
	}

	publishRetained("21C")
	publishRetained("22C")
	time.Sleep(100 * time.Millisecond)

	got := make(chan Message, 4)
	sub1 := dialOrFail(t, Options{Addr: addr, ClientID: "sub1", CleanSession: true, OnMessage: func(m Message) { got <- m }})
	if _, err := sub1.Subscribe(context.Background(), Subscription{Filter: "room/+", QoS: 0}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	m := waitMessage(t, got)
	if string(m.Payload) != "22C" || !m.Retain {
		t.Fatalf("expected retained 22C, got %+v", m)
	}

	publishRetained("")
	time.Sleep(100 * time.Millisecond)

	got2 := make(chan Message, 4)
	sub2 := dialOrFail(t, Options{Addr: addr, ClientID: "sub2", CleanSession: true, OnMessage: func(m Message) { got2 <- m }})
	if _, err := sub2.Subscribe(context.Background(), Subscription{Filter: "room/+", QoS: 0}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	expectNoMessage(t, got2)
}

func TestWillDeliveredOnAbnormalDisconnect(t *testing.T) {
	addr := startBroker(t, defaultSettings())

	got := make(chan Message, 4)
	sub := dialOrFail(t, Options{Addr: addr, ClientID: "watcher", CleanSession: true, OnMessage: func(m Message) { got <- m }})
	if _, err := sub.Subscribe(context.Background(), Subscription{Filter: "last/will", QoS: 1}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	doomed := dialOrFail(t, Options{
		Addr:         addr,
		ClientID:     "doomed",
		CleanSession: true,
		Will:         &WillOptions{Topic: "last/will", Payload: []byte("bye"), QoS: 1},
	})
	doomed.Close() // no DISCONNECT: the broker must publish the will

	m := waitMessage(t, got)
	if m.Topic != "last/will" || string(m.Payload) != "bye" || m.QoS != 1 {
		t.Fatalf("unexpected will message: %+v", m)
	}

	// The will is not retained; a later subscriber sees nothing.
	got2 := make(chan Message, 4)
	late := dialOrFail(t, Options{Addr: addr, ClientID: "late", CleanSession: true, OnMessage: func(m Message) { got2 <- m }})
	if _, err := late.Subscribe(context.Background(), Subscription{Filter: "last/will", QoS: 1}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	expectNoMessage(t, got2)
}

func TestCleanDisconnectSuppressesWill(t *testing.T) {
	addr := startBroker(t, defaultSettings())

	got := make(chan Message, 4)
	sub := dialOrFail(t, Options{Addr: addr, ClientID: "watcher", CleanSession: true, OnMessage: func(m Message) { got <- m }})
	if _, err := sub.Subscribe(context.Background(), Subscription{Filter: "last/will", QoS: 1}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	polite := dialOrFail(t, Options{
		Addr:         addr,
		ClientID:     "polite",
		CleanSession: true,
		Will:         &WillOptions{Topic: "last/will", Payload: []byte("bye"), QoS: 1},
	})
	if err := polite.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	expectNoMessage(t, got)
}

func TestWildcardSubscriptionRefused(t *testing.T) {
	settings := defaultSettings()
	settings.DisableWildcardSupport = true
	addr := startBroker(t, settings)

	c := dialOrFail(t, Options{Addr: addr, ClientID: "w", CleanSession: true})
	codes, err := c.Subscribe(context.Background(),
		Subscription{Filter: "a/#", QoS: 1},
		Subscription{Filter: "a/b", QoS: 1},
	)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(codes) != 2 || codes[0] != 0x80 || codes[1] != 1 {
		t.Fatalf("expected [0x80 0x01], got %v", codes)
	}
}

func TestDialRejectedByRestrictIDs(t *testing.T) {
	settings := defaultSettings()
	settings.RestrictIDs = true
	addr := startBroker(t, settings)

	_, err := Dial(context.Background(), Options{Addr: addr, ClientID: "not ok!", CleanSession: true})
	if err == nil {
		t.Fatalf("expected Dial to fail for a client id outside [0-9a-zA-Z]")
	}
}

// TestWaitPublishTimesOut drives the client against a scripted server that
// accepts the connection but never acknowledges the publish.
func TestWaitPublishTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		var dec mqtt.Decoder
		for {
			n, err := c.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
				for {
					pkt, derr := dec.Next()
					if derr != nil {
						break
					}
					if _, ok := pkt.(*mqtt.ConnectPacket); ok {
						c.Write(mqtt.NewConnAck(false, mqtt.ConnAccepted).Encode())
					}
					// PUBLISH is swallowed: no PUBACK ever comes.
				}
			}
			if err != nil {
				return
			}
		}
	}()

	c := dialOrFail(t, Options{
		Addr:         ln.Addr().String(),
		ClientID:     "t",
		CleanSession: true,
		WaitPublish:  100 * time.Millisecond,
	})

	err = c.Publish(context.Background(), "a/b", []byte("x"), 1, false)
	if !er.Is(err, er.CategoryTimeout) {
		t.Fatalf("expected timeout category error, got %v", err)
	}

	// The in-flight entry survives the timeout for retransmission.
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	if pending != 1 {
		t.Fatalf("expected 1 pending publish after timeout, got %d", pending)
	}
	if err := c.ResendPending(); err != nil {
		t.Fatalf("ResendPending: %v", err)
	}
}

func TestQoS2InboundDeliveredOnce(t *testing.T) {
	addr := startBroker(t, defaultSettings())

	got := make(chan Message, 4)
	sub := dialOrFail(t, Options{Addr: addr, ClientID: "dedup", CleanSession: true, OnMessage: func(m Message) { got <- m }})
	if _, err := sub.Subscribe(context.Background(), Subscription{Filter: "exact/once", QoS: 2}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	pub := dialOrFail(t, Options{Addr: addr, ClientID: "pub2", CleanSession: true, WaitPublish: 2 * time.Second})
	if err := pub.Publish(context.Background(), "exact/once", []byte("solo"), 2, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	m := waitMessage(t, got)
	if string(m.Payload) != "solo" || m.QoS != 2 {
		t.Fatalf("unexpected message: %+v", m)
	}
	expectNoMessage(t, got)
}
