package conn

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/pyr33x/goqttd/internal/auth"
	"github.com/pyr33x/goqttd/internal/domain"
	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/mqtt"
	"github.com/pyr33x/goqttd/internal/session"
	"github.com/pyr33x/goqttd/internal/storage"
	"github.com/pyr33x/goqttd/internal/subscription"
	"github.com/pyr33x/goqttd/pkg/er"
)

// closeGrace bounds how long CloseGraceful waits for a final CONNACK/SUBACK
// to drain through the write sequencer before the transport is torn down.
const closeGrace = 250 * time.Millisecond

const (
	adminPrefix  = "myqtt/admin/"
	statusPrefix = "myqtt/my-status/"
)

// dispatch routes one decoded packet. Any returned error is fatal to the
// connection; Serve's caller tears the transport down after observing it.
func (c *Conn) dispatch(ctx context.Context, pkt mqtt.Packet) error {
	st := State(c.state.Load())

	if c.log != nil {
		c.log.LogMQTTPacket(pkt.Type().String(), c.clientID, "inbound")
	}

	if _, isConnect := pkt.(*mqtt.ConnectPacket); isConnect {
		if st != StateAwaitingConnect {
			return &er.Err{Context: "conn.dispatch", Message: er.ErrInvalidConnPacket}
		}
	} else if st == StateAwaitingConnect {
		return &er.Err{Context: "conn.dispatch", Message: er.ErrInvalidPacketType}
	}

	switch p := pkt.(type) {
	case *mqtt.ConnectPacket:
		return c.handleConnect(ctx, p)
	case *mqtt.PublishPacket:
		return c.handlePublish(ctx, p)
	case *mqtt.PubAckPacket:
		return c.eng.HandlePubAck(p.PacketID)
	case *mqtt.PubRecPacket:
		if c.eng.HandlePubRec(p.PacketID) {
			return c.Send(mqtt.NewPubRel(p.PacketID))
		}
		return nil
	case *mqtt.PubRelPacket:
		if err := c.eng.ReleaseInbound(p.PacketID); err != nil {
			return err
		}
		return c.Send(mqtt.NewPubComp(p.PacketID))
	case *mqtt.PubCompPacket:
		return c.eng.HandlePubComp(p.PacketID)
	case *mqtt.SubscribePacket:
		return c.handleSubscribe(ctx, p)
	case *mqtt.UnsubscribePacket:
		return c.handleUnsubscribe(p)
	case *mqtt.PingReqPacket:
		return c.Send(&mqtt.PingRespPacket{})
	case *mqtt.DisconnectPacket:
		return c.handleDisconnect()
	default:
		return &er.Err{Context: "conn.dispatch", Message: er.ErrInvalidPacketType}
	}
}

// handleConnect performs domain selection and authentication, resumes or
// purges the stored session, and replies with CONNACK.
func (c *Conn) handleConnect(ctx context.Context, p *mqtt.ConnectPacket) error {
	clientID := p.ClientID
	if clientID == "" {
		if !p.CleanSession {
			c.Send(mqtt.NewConnAck(false, mqtt.ConnIdentifierRejected))
			c.CloseGraceful("empty client id without clean session", closeGrace)
			return &er.Err{Context: "conn.handleConnect", Message: er.ErrEmptyAndCleanSessionClientID}
		}
		clientID = synthesizeClientID()
	}

	sel, err := c.domains.Select(ctx, clientID, p.Username, string(p.Password), c.serverName)
	if err != nil {
		if c.log != nil {
			c.log.LogAuth(clientID, p.Username, false, err.Error())
		}
		code := connAckCodeForSelectError(err)
		c.Send(mqtt.NewConnAck(false, code))
		c.CloseGraceful("rejected at CONNECT", closeGrace)
		return err
	}
	if c.log != nil {
		c.log.LogAuth(sel.ClientID, sel.Username, true, "accepted", logger.String("domain", sel.Domain.Name))
	}

	if sel.Domain.Settings.RestrictIDs {
		if !mqtt.IsStrictClientID(sel.ClientID) || !sel.Domain.AuthBackend.UserExists(sel.ClientID, sel.Username) {
			c.Send(mqtt.NewConnAck(false, mqtt.ConnIdentifierRejected))
			c.CloseGraceful("client id rejected by restrict_ids", closeGrace)
			return &er.Err{Context: "conn.handleConnect", Message: er.ErrIdentifierRejected}
		}
	}

	c.clientID = sel.ClientID
	c.username = sel.Username
	c.cleanSession = p.CleanSession
	c.keepAlive = time.Duration(p.KeepAlive) * time.Second
	c.domainCtx = sel.Domain

	if err := sel.Domain.Admit(c.clientID, c); err != nil {
		c.Send(mqtt.NewConnAck(false, mqtt.ConnServerUnavailable))
		c.CloseGraceful("domain admission refused", closeGrace)
		return err
	}

	sessionPresent := !c.cleanSession && sel.Domain.Store.Exists(c.clientID)

	if c.cleanSession {
		sel.Domain.Subs.UnsubscribeAll(c.clientID)
		if err := sel.Domain.Store.Purge(c.clientID); err != nil && c.log != nil {
			c.log.LogError(err, "purge on clean session failed", logger.ClientID(c.clientID))
		}
	}

	if err := sel.Domain.Store.Init(c.clientID); err != nil {
		c.Send(mqtt.NewConnAck(false, mqtt.ConnServerUnavailable))
		c.CloseGraceful("storage init failed", closeGrace)
		return err
	}

	eng, err := session.NewEngine(c.clientID, sel.Domain.Store, c.log)
	if err != nil {
		c.Send(mqtt.NewConnAck(false, mqtt.ConnServerUnavailable))
		c.CloseGraceful("session recovery failed", closeGrace)
		return err
	}
	c.eng = eng

	if !c.cleanSession {
		c.recoverSubscriptions(sel.Domain)
	}

	if p.WillFlag {
		sel.Domain.Store.SaveWill(c.clientID, &storage.Will{
			Topic:   p.WillTopic,
			Payload: p.WillMessage,
			QoS:     p.WillQoS,
			Retain:  p.WillRetain,
		})
	} else {
		sel.Domain.Store.ClearWill(c.clientID)
	}
	c.cleanDisconn.Store(false)

	if err := c.Send(mqtt.NewConnAck(sessionPresent, mqtt.ConnAccepted)); err != nil {
		return err
	}
	c.state.Store(int32(StateConnected))
	go c.runKeepAlive()

	for _, m := range c.eng.PendingResend() {
		switch m.State {
		case session.StateSent:
			c.Send(&mqtt.PublishPacket{Topic: m.Topic, Payload: m.Payload, QoS: m.QoS, Retain: m.Retain, PacketID: m.PacketID, DUP: true})
		case session.StateReceived:
			c.Send(mqtt.NewPubRel(m.PacketID))
		}
	}
	return nil
}

// recoverSubscriptions reloads clientID's persisted subscriptions into both
// the domain's subscription index (re-pointing each entry at this, the new
// live connection) and the connection's local filter map.
func (c *Conn) recoverSubscriptions(d *domain.Context) {
	stored, err := d.Store.LoadSubscriptions(c.clientID)
	if err != nil {
		if c.log != nil {
			c.log.LogError(err, "load subscriptions failed", logger.ClientID(c.clientID))
		}
		return
	}
	c.mySubsMu.Lock()
	for _, s := range stored {
		c.mySubs[s.Filter] = s.QoS
	}
	c.mySubsMu.Unlock()
	for _, s := range stored {
		d.Subs.Subscribe(s.Filter, subscription.Subscriber{Conn: c, ClientID: c.clientID, QoS: s.QoS})
	}
}

// handlePublish runs an accepted PUBLISH through QoS2 de-duplication by
// locked packet-id, the broker's on-publish pipeline, and the PUBACK/PUBREC
// acknowledgement.
func (c *Conn) handlePublish(ctx context.Context, p *mqtt.PublishPacket) error {
	if handled, err := c.handleAdminPublish(p); handled {
		if err != nil {
			return err
		}
		return c.sendPublishAck(p)
	}

	var duplicate bool
	if p.QoS == mqtt.QoS2 {
		dup, err := c.eng.LockInbound(p.PacketID)
		if err != nil {
			return err
		}
		duplicate = dup
	}

	if !duplicate {
		decision, herr := c.broker.HandlePublish(ctx, c.domainCtx, c.clientID, c.username, p)
		if herr != nil && c.log != nil {
			c.log.LogError(herr, "publish pipeline error", logger.ClientID(c.clientID))
		}
		if decision == auth.ConnClose {
			return &er.Err{Context: "conn.handlePublish", Message: er.ErrInvalidPublishPacket}
		}
	}
	return c.sendPublishAck(p)
}

func (c *Conn) sendPublishAck(p *mqtt.PublishPacket) error {
	switch p.QoS {
	case mqtt.QoS1:
		return c.Send(mqtt.NewPubAck(p.PacketID))
	case mqtt.QoS2:
		return c.Send(mqtt.NewPubRec(p.PacketID))
	}
	return nil
}

// handleAdminPublish answers the administrative topics directly rather than
// routing them through the broker to subscribers.
func (c *Conn) handleAdminPublish(p *mqtt.PublishPacket) (handled bool, err error) {
	var resp string
	switch p.Topic {
	case adminPrefix + "get-server-name":
		resp = c.domainCtx.Name
	case adminPrefix + "get-client-identifier":
		resp = c.clientID
	case adminPrefix + "get-conn-user":
		resp = c.username
	case adminPrefix + "get-queued-msgs":
		n, _ := c.domainCtx.Store.QueuedCount(c.clientID)
		resp = strconv.Itoa(n)
	case statusPrefix + "get-subscriptions":
		c.mySubsMu.Lock()
		filters := make([]string, 0, len(c.mySubs))
		for f := range c.mySubs {
			filters = append(filters, f)
		}
		c.mySubsMu.Unlock()
		resp = strings.Join(filters, ",")
	default:
		return false, nil
	}
	return true, c.Send(&mqtt.PublishPacket{Topic: p.Topic + "/response", Payload: []byte(resp), QoS: mqtt.QoS0})
}

// handleSubscribe runs per-filter ACL evaluation, wildcard refusal, QoS
// downgrade, index registration, and retained-message replay, replying with
// one SUBACK return code per filter.
func (c *Conn) handleSubscribe(ctx context.Context, p *mqtt.SubscribePacket) error {
	codes := make([]byte, len(p.Filters))
	closeAfter := false

	for i, f := range p.Filters {
		if c.domainCtx.Settings.DisableWildcardSupport && containsWildcard(f.Filter) {
			codes[i] = mqtt.SubAckFailure
			continue
		}

		ev := auth.SubscribeEvent{
			DomainName:   c.domainCtx.Name,
			ClientID:     c.clientID,
			Username:     c.username,
			Filter:       f.Filter,
			RequestedQoS: int(f.QoS),
		}
		decision, grantedInt := c.domainCtx.ACL.RunSubscribe(ctx, ev)
		if decision == auth.Discard {
			codes[i] = mqtt.SubAckFailure
			continue
		}
		if decision == auth.ConnClose {
			codes[i] = mqtt.SubAckFailure
			closeAfter = true
			continue
		}

		granted := f.QoS
		if mqtt.QoS(grantedInt) < granted {
			granted = mqtt.QoS(grantedInt)
		}

		c.domainCtx.Subs.Subscribe(f.Filter, subscription.Subscriber{Conn: c, ClientID: c.clientID, QoS: granted})
		if err := c.domainCtx.Store.Subscribe(c.clientID, f.Filter, granted); err != nil && c.log != nil {
			c.log.LogError(err, "persist subscription failed", logger.ClientID(c.clientID))
		}
		c.mySubsMu.Lock()
		c.mySubs[f.Filter] = granted
		c.mySubsMu.Unlock()
		codes[i] = byte(granted)
		if c.log != nil {
			c.log.LogSubscription(c.clientID, f.Filter, int(granted), "subscribe")
		}

		if err := c.broker.DeliverRetained(c.domainCtx, c, f.Filter, granted); err != nil && c.log != nil {
			c.log.LogError(err, "retained delivery failed", logger.ClientID(c.clientID))
		}
	}

	if err := c.Send(&mqtt.SubAckPacket{PacketID: p.PacketID, ReturnCodes: codes}); err != nil {
		return err
	}
	if closeAfter {
		return &er.Err{Context: "conn.handleSubscribe", Message: er.ErrInvalidSubscribePacket}
	}
	return nil
}

// handleUnsubscribe drops each filter from the index, storage, and the
// connection's own map. Removing an unknown filter is a no-op.
func (c *Conn) handleUnsubscribe(p *mqtt.UnsubscribePacket) error {
	for _, f := range p.Filters {
		c.domainCtx.Subs.Unsubscribe(f, c.clientID)
		if err := c.domainCtx.Store.Unsubscribe(c.clientID, f); err != nil && c.log != nil {
			c.log.LogError(err, "unsubscribe storage cleanup failed", logger.ClientID(c.clientID))
		}
		c.mySubsMu.Lock()
		delete(c.mySubs, f)
		c.mySubsMu.Unlock()
		if c.log != nil {
			c.log.LogSubscription(c.clientID, f, 0, "unsubscribe")
		}
	}
	return c.Send(&mqtt.UnsubAckPacket{PacketID: p.PacketID})
}

// handleDisconnect handles a clean DISCONNECT: the stored will is discarded,
// nothing is published, and no reply is sent.
func (c *Conn) handleDisconnect() error {
	c.cleanDisconn.Store(true)
	if c.domainCtx != nil {
		c.domainCtx.Store.ClearWill(c.clientID)
	}
	c.state.Store(int32(StateClosing))
	return nil
}

func containsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

func connAckCodeForSelectError(err error) byte {
	switch {
	case er.Is(err, er.CategoryOverload):
		return mqtt.ConnServerUnavailable
	case errors.Is(err, er.ErrUserNotFound), errors.Is(err, er.ErrInvalidPassword):
		return mqtt.ConnBadUsernameOrPassword
	default:
		return mqtt.ConnNotAuthorized
	}
}
