// Package client implements the initiator side of MQTT 3.1.1: dialing a
// broker over TCP, TLS, or WebSocket, the CONNECT/CONNACK handshake, QoS
// 0/1/2 publishing with an optional blocking wait for the terminal
// acknowledgement, subscriptions with per-filter granted QoS, automatic
// keep-alive pings, and will registration.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyr33x/goqttd/internal/mqtt"
	"github.com/pyr33x/goqttd/internal/session"
	"github.com/pyr33x/goqttd/pkg/er"
)

// State is the client connection's position in its state machine.
type State int32

const (
	StateNew State = iota
	StateSentConnect
	StateConnected
	StateClosing
	StateClosed
)

type pendingPub struct {
	packet   *mqtt.PublishPacket
	released bool // QoS2: PUBREC observed, PUBREL sent
	done     chan error
}

// Client is one MQTT session against a broker.
type Client struct {
	opts Options
	rw   io.ReadWriteCloser

	state atomic.Int32
	ids   *session.PacketIDAllocator

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[uint16]*pendingPub
	ackWaiters  map[uint16]chan mqtt.Packet // SUBACK / UNSUBACK by packet id
	inboundQoS2 map[uint16]bool

	connackCh      chan *mqtt.ConnAckPacket
	sessionPresent bool

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the broker named by opts.Addr, performs the
// CONNECT/CONNACK handshake, and returns a Client in the Connected state.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	o := opts.withDefaults()

	if err := mqtt.ValidateClientID(o.ClientID, o.CleanSession); err != nil {
		return nil, err
	}
	if o.Will != nil && o.Will.QoS > 2 {
		return nil, &er.Err{Context: "client.Dial", Message: er.ErrInvalidWillQos}
	}

	rw, err := dialTransport(ctx, &o)
	if err != nil {
		return nil, er.Transport(err)
	}

	c := &Client{
		opts:        o,
		rw:          rw,
		ids:         session.NewPacketIDAllocator(nil),
		pending:     make(map[uint16]*pendingPub),
		ackWaiters:  make(map[uint16]chan mqtt.Packet),
		inboundQoS2: make(map[uint16]bool),
		connackCh:   make(chan *mqtt.ConnAckPacket, 1),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateNew))

	if err := c.sendConnect(); err != nil {
		rw.Close()
		return nil, err
	}
	c.state.Store(int32(StateSentConnect))
	go c.readLoop()

	timer := time.NewTimer(o.ConnectTimeout)
	defer timer.Stop()
	select {
	case ack := <-c.connackCh:
		if ack.ReturnCode != mqtt.ConnAccepted {
			c.teardown()
			return nil, &er.Err{Context: "client.Dial", Message: fmt.Errorf("broker refused connection: return code %d", ack.ReturnCode)}
		}
		c.sessionPresent = ack.SessionPresent
	case <-timer.C:
		c.teardown()
		return nil, er.Timeout(&er.Err{Context: "client.Dial", Message: er.ErrWaitTimeout})
	case <-ctx.Done():
		c.teardown()
		return nil, ctx.Err()
	case <-c.done:
		// A broker that refuses the CONNECT may write the CONNACK and close
		// straight away; report the return code if it got through.
		select {
		case ack := <-c.connackCh:
			c.teardown()
			return nil, &er.Err{Context: "client.Dial", Message: fmt.Errorf("broker refused connection: return code %d", ack.ReturnCode)}
		default:
		}
		c.teardown()
		return nil, er.Transport(&er.Err{Context: "client.Dial", Message: er.ErrConnClosed})
	}

	c.state.Store(int32(StateConnected))
	if o.KeepAlive > 0 {
		go c.pingLoop()
	}
	return c, nil
}

// dialTransport opens the byte stream the MQTT session runs over. A bare
// host:port address is treated as plain TCP.
func dialTransport(ctx context.Context, o *Options) (io.ReadWriteCloser, error) {
	addr := o.Addr
	if !strings.Contains(addr, "://") {
		addr = "tcp://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("client: parse address %q: %w", o.Addr, err)
	}

	dialer := &net.Dialer{Timeout: o.ConnectTimeout}
	switch u.Scheme {
	case "tcp", "mqtt":
		return dialer.DialContext(ctx, "tcp", u.Host)
	case "tls", "ssl", "mqtts":
		cfg, err := o.tlsConfig()
		if err != nil {
			return nil, err
		}
		return tls.DialWithDialer(dialer, "tcp", u.Host, cfg)
	case "ws", "wss":
		return dialWS(ctx, u, o)
	default:
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
}

// State reports the connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// SessionPresent reports whether the broker resumed a stored session at
// CONNECT, meaningful after Dial returns.
func (c *Client) SessionPresent() bool { return c.sessionPresent }

func (c *Client) sendConnect() error {
	p := &mqtt.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		ClientID:      c.opts.ClientID,
		CleanSession:  c.opts.CleanSession,
		KeepAlive:     uint16(c.opts.KeepAlive / time.Second),
	}
	if c.opts.Username != "" {
		p.UsernameFlag = true
		p.Username = c.opts.Username
	}
	if c.opts.Password != "" {
		p.PasswordFlag = true
		p.Password = []byte(c.opts.Password)
	}
	if w := c.opts.Will; w != nil {
		p.WillFlag = true
		p.WillTopic = w.Topic
		p.WillMessage = w.Payload
		p.WillQoS = mqtt.QoS(w.QoS)
		p.WillRetain = w.Retain
	}
	return c.send(p)
}

// send serialises one packet onto the transport. Writes are mutex-guarded
// so packets from concurrent Publish calls never interleave bytes, which
// the WebSocket transport additionally relies on for whole-frame writes.
func (c *Client) send(pkt mqtt.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(pkt.Encode()); err != nil {
		return er.Transport(err)
	}
	return nil
}

// Publish sends an application message. QoS 0 returns as soon as the bytes
// are written. For QoS 1/2 a packet id is allocated and the delivery is
// tracked until its terminal acknowledgement; when Options.WaitPublish is
// positive the call additionally blocks until that acknowledgement arrives
// or the wait times out. On timeout the in-flight entry is kept, and
// ResendPending can retransmit it with DUP set.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if c.State() != StateConnected {
		return &er.Err{Context: "client.Publish", Message: er.ErrNotConnected}
	}
	if qos > 2 {
		return &er.Err{Context: "client.Publish", Message: er.ErrInvalidQoSLevel}
	}

	p := &mqtt.PublishPacket{Topic: topic, Payload: payload, QoS: mqtt.QoS(qos), Retain: retain}
	if qos == 0 {
		return c.send(p)
	}

	id, err := c.ids.Allocate()
	if err != nil {
		return err
	}
	p.PacketID = id

	entry := &pendingPub{packet: p, done: make(chan error, 1)}
	c.mu.Lock()
	c.pending[id] = entry
	c.mu.Unlock()

	if err := c.send(p); err != nil {
		c.dropPending(id)
		return err
	}

	if c.opts.WaitPublish <= 0 {
		return nil
	}

	timer := time.NewTimer(c.opts.WaitPublish)
	defer timer.Stop()
	select {
	case err := <-entry.done:
		return err
	case <-timer.C:
		return er.Timeout(&er.Err{Context: "client.Publish", Message: er.ErrWaitTimeout})
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return &er.Err{Context: "client.Publish", Message: er.ErrConnClosed}
	}
}

// ResendPending retransmits every in-flight QoS ≥ 1 message with DUP set,
// or the PUBREL for QoS 2 deliveries the broker has already received. Used
// after a publish wait timed out, to nudge the flow along without
// allocating a new packet id.
func (c *Client) ResendPending() error {
	c.mu.Lock()
	entries := make([]*pendingPub, 0, len(c.pending))
	for _, e := range c.pending {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		if e.released {
			if err := c.send(mqtt.NewPubRel(e.packet.PacketID)); err != nil {
				return err
			}
			continue
		}
		dup := *e.packet
		dup.DUP = true
		if err := c.send(&dup); err != nil {
			return err
		}
	}
	return nil
}

// Subscription is one requested (filter, QoS) pair.
type Subscription struct {
	Filter string
	QoS    byte
}

// Subscribe requests the given filters and blocks until the broker's SUBACK
// arrives, returning one granted-QoS code per filter in request order. A
// code of 0x80 means the broker refused that filter.
func (c *Client) Subscribe(ctx context.Context, subs ...Subscription) ([]byte, error) {
	if c.State() != StateConnected {
		return nil, &er.Err{Context: "client.Subscribe", Message: er.ErrNotConnected}
	}
	if len(subs) == 0 {
		return nil, &er.Err{Context: "client.Subscribe", Message: er.ErrNoTopicFilters}
	}

	p := &mqtt.SubscribePacket{}
	for _, s := range subs {
		if err := mqtt.ValidateTopicFilter(s.Filter); err != nil {
			return nil, err
		}
		p.Filters = append(p.Filters, mqtt.SubscribeFilter{Filter: s.Filter, QoS: mqtt.QoS(s.QoS)})
	}

	id, err := c.ids.Allocate()
	if err != nil {
		return nil, err
	}
	defer c.ids.Release(id)
	p.PacketID = id

	reply, err := c.request(ctx, id, p)
	if err != nil {
		return nil, err
	}
	ack, ok := reply.(*mqtt.SubAckPacket)
	if !ok {
		return nil, &er.Err{Context: "client.Subscribe", Message: er.ErrInvalidPacketType}
	}
	return ack.ReturnCodes, nil
}

// Unsubscribe removes the given filters and blocks until UNSUBACK.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if c.State() != StateConnected {
		return &er.Err{Context: "client.Unsubscribe", Message: er.ErrNotConnected}
	}
	if len(filters) == 0 {
		return &er.Err{Context: "client.Unsubscribe", Message: er.ErrNoTopicFilters}
	}

	id, err := c.ids.Allocate()
	if err != nil {
		return err
	}
	defer c.ids.Release(id)

	_, err = c.request(ctx, id, &mqtt.UnsubscribePacket{PacketID: id, Filters: filters})
	return err
}

// request sends pkt and blocks until the reply carrying the same packet id
// arrives, the connect timeout elapses, or the connection dies.
func (c *Client) request(ctx context.Context, id uint16, pkt mqtt.Packet) (mqtt.Packet, error) {
	ch := make(chan mqtt.Packet, 1)
	c.mu.Lock()
	c.ackWaiters[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.ackWaiters, id)
		c.mu.Unlock()
	}()

	if err := c.send(pkt); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, er.Timeout(&er.Err{Context: "client.request", Message: er.ErrWaitTimeout})
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, &er.Err{Context: "client.request", Message: er.ErrConnClosed}
	}
}

// Disconnect sends DISCONNECT and closes the transport. The broker discards
// the will on a clean disconnect.
func (c *Client) Disconnect() error {
	if c.State() != StateConnected {
		c.teardown()
		return nil
	}
	c.state.Store(int32(StateClosing))
	err := c.send(&mqtt.DisconnectPacket{})
	c.teardown()
	return err
}

// Close tears the connection down without a DISCONNECT, leaving the broker
// to publish our will once it notices.
func (c *Client) Close() {
	c.state.Store(int32(StateClosing))
	c.teardown()
}

func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.rw.Close()
		c.state.Store(int32(StateClosed))
	})
}

func (c *Client) readLoop() {
	var dec mqtt.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				pkt, derr := dec.Next()
				if derr == er.ErrIncomplete {
					break
				}
				if derr != nil {
					c.teardown()
					return
				}
				c.dispatch(pkt)
			}
		}
		if err != nil {
			c.teardown()
			return
		}
	}
}

func (c *Client) dispatch(pkt mqtt.Packet) {
	switch p := pkt.(type) {
	case *mqtt.ConnAckPacket:
		select {
		case c.connackCh <- p:
		default:
		}
	case *mqtt.PubAckPacket:
		c.completePending(p.PacketID)
	case *mqtt.PubRecPacket:
		c.mu.Lock()
		entry, ok := c.pending[p.PacketID]
		if ok {
			entry.released = true
		}
		c.mu.Unlock()
		if ok {
			c.send(mqtt.NewPubRel(p.PacketID))
		}
	case *mqtt.PubCompPacket:
		c.completePending(p.PacketID)
	case *mqtt.PublishPacket:
		c.handleInbound(p)
	case *mqtt.PubRelPacket:
		c.mu.Lock()
		delete(c.inboundQoS2, p.PacketID)
		c.mu.Unlock()
		c.send(mqtt.NewPubComp(p.PacketID))
	case *mqtt.SubAckPacket:
		c.deliverAck(p.PacketID, p)
	case *mqtt.UnsubAckPacket:
		c.deliverAck(p.PacketID, p)
	case *mqtt.PingRespPacket:
		// keep-alive satisfied
	}
}

// handleInbound delivers an application message. A QoS 2 PUBLISH reusing a
// packet id still locked (PUBREL not yet seen) is acknowledged again but
// not redelivered.
func (c *Client) handleInbound(p *mqtt.PublishPacket) {
	deliver := true
	if p.QoS == mqtt.QoS2 {
		c.mu.Lock()
		if c.inboundQoS2[p.PacketID] {
			deliver = false
		} else {
			c.inboundQoS2[p.PacketID] = true
		}
		c.mu.Unlock()
	}

	if deliver && c.opts.OnMessage != nil {
		c.opts.OnMessage(Message{
			Topic:   p.Topic,
			Payload: p.Payload,
			QoS:     byte(p.QoS),
			Retain:  p.Retain,
			DUP:     p.DUP,
		})
	}

	switch p.QoS {
	case mqtt.QoS1:
		c.send(mqtt.NewPubAck(p.PacketID))
	case mqtt.QoS2:
		c.send(mqtt.NewPubRec(p.PacketID))
	}
}

func (c *Client) completePending(id uint16) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.ids.Release(id)
	entry.done <- nil
}

func (c *Client) dropPending(id uint16) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	c.ids.Release(id)
}

func (c *Client) deliverAck(id uint16, pkt mqtt.Packet) {
	c.mu.Lock()
	ch, ok := c.ackWaiters[id]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- pkt:
		default:
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.KeepAlive / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if err := c.send(&mqtt.PingReqPacket{}); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
