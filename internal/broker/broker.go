// Package broker ties the pieces of the delivery path together: it runs the
// on-publish ACL pipeline, updates the retained store, enumerates matching
// subscribers via internal/subscription, and delivers through each
// subscriber's internal/session engine (online) or internal/storage
// (offline).
package broker

import (
	"context"

	"github.com/pyr33x/goqttd/internal/auth"
	"github.com/pyr33x/goqttd/internal/domain"
	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/metrics"
	"github.com/pyr33x/goqttd/internal/mqtt"
	"github.com/pyr33x/goqttd/internal/subscription"
)

// Broker ties the domain registry to the delivery path. It holds no
// per-connection state of its own; all of that lives in domain.Context and
// the connections it tracks.
type Broker struct {
	domains *domain.Registry
	log     *logger.Logger
	stat    *metrics.Stat
}

// New creates a Broker over domains.
func New(domains *domain.Registry, log *logger.Logger) *Broker {
	return &Broker{domains: domains, log: log}
}

// SetStat attaches the process-wide prometheus counters; cmd/goqttd calls
// this once at startup when metrics are enabled. A nil Broker.stat (the
// default) makes every counter update below a no-op.
func (b *Broker) SetStat(s *metrics.Stat) { b.stat = s }

// HandlePublish runs the full PUBLISH pipeline for a message arriving on d
// from the connection identified by fromClientID: ACL, size limit, retained
// update, subscriber fan-out, and the domain's day/month counters.
func (b *Broker) HandlePublish(ctx context.Context, d *domain.Context, fromClientID, fromUsername string, pub *mqtt.PublishPacket) (auth.Decision, error) {
	ev := auth.PublishEvent{
		DomainName: d.Name,
		ClientID:   fromClientID,
		Username:   fromUsername,
		Topic:      pub.Topic,
		QoS:        int(pub.QoS),
		Retain:     pub.Retain,
	}
	if decision := d.ACL.RunPublish(ctx, ev); decision == auth.ConnClose || decision == auth.Discard {
		if b.stat != nil {
			b.stat.MessagesDiscarded.Inc()
		}
		return decision, nil
	}

	if err := d.CheckMessageSize(len(pub.Payload)); err != nil {
		if b.stat != nil {
			b.stat.MessagesDiscarded.Inc()
		}
		return auth.Discard, err
	}

	if pub.Retain {
		delta := d.Subs.SetRetained(pub.Topic, pub.Payload, pub.QoS)
		if b.stat != nil && delta != 0 {
			b.stat.RetainedMessages.Add(float64(delta))
		}
		if b.log != nil {
			action := "stored"
			if len(pub.Payload) == 0 {
				action = "removed"
			}
			b.log.LogRetainedMessage(pub.Topic, action, len(pub.Payload))
		}
	}

	if b.log != nil {
		b.log.LogPublish(fromClientID, pub.Topic, int(pub.QoS), pub.Retain, len(pub.Payload))
	}

	subs := d.Subs.Match(pub.Topic)
	if b.stat != nil && len(subs) > 0 {
		b.stat.PublishesRouted.Inc()
	}
	for _, sub := range subs {
		deliverQoS := minQoS(pub.QoS, sub.QoS)
		if err := b.deliver(d, sub.ClientID, pub.Topic, pub.Payload, deliverQoS, false); err != nil {
			if b.log != nil {
				b.log.LogError(err, "failed to deliver publish", logger.String("topic", pub.Topic), logger.ClientID(sub.ClientID))
			}
		}
	}

	if err := d.CountMessage(); err != nil {
		if b.log != nil {
			b.log.Warn("domain message quota exceeded", logger.String("domain", d.Name), logger.ErrorAttr(err))
		}
		return auth.Ok, err
	}
	return auth.Ok, nil
}

// DeliverRetained sends every retained message matching filter to conn at
// min(requestedQoS, retained_qos) with RETAIN set, called right after a
// SUBSCRIBE is granted.
func (b *Broker) DeliverRetained(d *domain.Context, conn domain.Conn, filter string, requestedQoS mqtt.QoS) error {
	for _, msg := range d.Subs.MatchRetained(filter) {
		qos := minQoS(requestedQoS, msg.QoS)
		if err := b.deliver(d, conn.ClientID(), msg.Topic, msg.Payload, qos, true); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) deliver(d *domain.Context, clientID, topic string, payload []byte, qos mqtt.QoS, retain bool) error {
	conn, online := d.ConnByClientID(clientID)

	if qos == mqtt.QoS0 {
		if !online {
			return nil // QoS0 is fire-and-forget; no offline queueing
		}
		return conn.Send(&mqtt.PublishPacket{Topic: topic, Payload: payload, QoS: mqtt.QoS0, Retain: retain})
	}

	if online {
		id, err := conn.Session().PublishOutbound(topic, payload, qos, retain)
		if err != nil {
			return err
		}
		return conn.Send(&mqtt.PublishPacket{Topic: topic, Payload: payload, QoS: qos, Retain: retain, PacketID: id})
	}

	queued, err := d.Store.QueuedCount(clientID)
	if err != nil {
		return err
	}
	if err := d.CheckStorageMessages(queued); err != nil {
		return err
	}
	queuedBytes, err := d.Store.QueuedBytes(clientID)
	if err != nil {
		return err
	}
	if err := d.CheckStorageQuota(queuedBytes, int64(len(payload))); err != nil {
		return err
	}
	id, err := d.Store.AllocatePacketID(clientID)
	if err != nil {
		return err
	}
	if _, err := d.Store.StoreMsg(clientID, id, qos, topic, payload); err != nil {
		return err
	}
	if b.stat != nil {
		b.stat.MessagesQueued.Inc()
	}
	return nil
}

func minQoS(a, b mqtt.QoS) mqtt.QoS {
	if a < b {
		return a
	}
	return b
}

// SubscriberHandle adapts a domain.Conn into a subscription.Subscriber for
// internal/conn to register on SUBSCRIBE.
func SubscriberHandle(conn domain.Conn, qos mqtt.QoS) subscription.Subscriber {
	return subscription.Subscriber{Conn: conn, ClientID: conn.ClientID(), QoS: qos}
}
