// Package session implements the per-connection packet-id pool and the QoS
// 1/2 delivery state machines, persisting in-flight state through
// internal/storage so it survives a reconnect with clean_session=false.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/mqtt"
	"github.com/pyr33x/goqttd/internal/storage"
	"github.com/pyr33x/goqttd/pkg/er"
)

// OutboundState is where a QoS ≥ 1 outbound delivery sits in its state
// machine.
type OutboundState int

const (
	StateSent     OutboundState = iota
	StateReceived               // QoS2: PUBREC received, PUBREL sent, awaiting PUBCOMP
)

// OutboundMessage is one in-flight delivery to this connection's peer.
type OutboundMessage struct {
	PacketID uint16
	QoS      mqtt.QoS
	Topic    string
	Payload  []byte
	Retain   bool
	State    OutboundState
	seq      uint64
	handle   *storage.MsgHandle
}

// Engine drives one client's outbound/inbound QoS state machines, backed by
// a storage.Store for durability across reconnects.
type Engine struct {
	clientID string
	store    *storage.Store
	ids      *PacketIDAllocator
	log      *logger.Logger

	mu       sync.Mutex
	outbound map[uint16]*OutboundMessage
	inbound  map[uint16]bool // QoS2 inbound packet-ids currently locked
	nextSeq  uint64

	waitersMu sync.Mutex
	waiters   map[uint16]chan struct{}
}

// NewEngine constructs an Engine for clientID, recovering any persisted
// in-flight outbound messages and locked inbound packet-ids from store so a
// non-clean reconnect can resume exactly where it left off.
func NewEngine(clientID string, store *storage.Store, log *logger.Logger) (*Engine, error) {
	locked, err := store.LockedPkgIDs(clientID)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		clientID: clientID,
		store:    store,
		ids:      NewPacketIDAllocator(locked),
		log:      log,
		outbound: make(map[uint16]*OutboundMessage),
		inbound:  make(map[uint16]bool),
		waiters:  make(map[uint16]chan struct{}),
	}

	queued, err := store.LoadQueuedMessages(clientID)
	if err != nil {
		return nil, err
	}
	for _, m := range queued {
		e.ids.Reserve(m.PacketID)
		e.nextSeq++
		e.outbound[m.PacketID] = &OutboundMessage{
			PacketID: m.PacketID,
			QoS:      m.QoS,
			Topic:    m.Topic,
			Payload:  m.Payload,
			State:    StateSent,
			seq:      e.nextSeq,
			handle:   m.Handle,
		}
	}
	return e, nil
}

// PublishOutbound persists and tracks a new QoS ≥ 1 delivery, returning the
// allocated packet-id the caller must send in the PUBLISH.
func (e *Engine) PublishOutbound(topic string, payload []byte, qos mqtt.QoS, retain bool) (uint16, error) {
	id, err := e.ids.Allocate()
	if err != nil {
		return 0, err
	}

	handle, err := e.store.StoreMsg(e.clientID, id, qos, topic, payload)
	if err != nil {
		e.ids.Release(id)
		return 0, err
	}

	e.mu.Lock()
	e.nextSeq++
	e.outbound[id] = &OutboundMessage{
		PacketID: id,
		QoS:      qos,
		Topic:    topic,
		Payload:  payload,
		Retain:   retain,
		State:    StateSent,
		seq:      e.nextSeq,
		handle:   handle,
	}
	e.mu.Unlock()

	if e.log != nil {
		e.log.LogQoSFlow(e.clientID, id, int(qos), "sent")
	}
	return id, nil
}

// HandlePubAck completes a QoS1 outbound delivery.
func (e *Engine) HandlePubAck(packetID uint16) error {
	e.mu.Lock()
	msg, ok := e.outbound[packetID]
	if ok {
		delete(e.outbound, packetID)
	}
	e.mu.Unlock()
	if !ok {
		return nil // unknown/duplicate ack, nothing to do
	}

	if err := e.store.ReleaseMsg(msg.handle); err != nil {
		return err
	}
	// Offline-queued deliveries also hold a disk packet-id reservation;
	// releasing an unreserved id is a no-op.
	e.store.ReleasePkgID(e.clientID, packetID)
	e.ids.Release(packetID)
	e.signal(packetID)

	if e.log != nil {
		e.log.LogQoSFlow(e.clientID, packetID, 1, "puback")
	}
	return nil
}

// HandlePubRec advances a QoS2 outbound delivery to Received and reports
// whether the caller should now send PUBREL.
func (e *Engine) HandlePubRec(packetID uint16) (sendPubRel bool) {
	e.mu.Lock()
	msg, ok := e.outbound[packetID]
	if ok {
		msg.State = StateReceived
	}
	e.mu.Unlock()

	if ok && e.log != nil {
		e.log.LogQoSFlow(e.clientID, packetID, 2, "pubrec")
	}
	return ok
}

// HandlePubComp completes a QoS2 outbound delivery.
func (e *Engine) HandlePubComp(packetID uint16) error {
	e.mu.Lock()
	msg, ok := e.outbound[packetID]
	if ok {
		delete(e.outbound, packetID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if err := e.store.ReleaseMsg(msg.handle); err != nil {
		return err
	}
	e.store.ReleasePkgID(e.clientID, packetID)
	e.ids.Release(packetID)
	e.signal(packetID)

	if e.log != nil {
		e.log.LogQoSFlow(e.clientID, packetID, 2, "pubcomp")
	}
	return nil
}

// PendingResend returns every outbound message that must be replayed on a
// non-clean reconnect, in the order they were queued: messages still Sent
// (resend PUBLISH with DUP=1), and QoS2 messages in Received state (resend
// PUBREL only).
func (e *Engine) PendingResend() []OutboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]OutboundMessage, 0, len(e.outbound))
	for _, m := range e.outbound {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// LockInbound reserves packetID for an incoming QoS2 PUBLISH. isDuplicate is
// true if the id was already locked: a duplicate PUBLISH reusing a locked
// id is acknowledged without redelivery.
func (e *Engine) LockInbound(packetID uint16) (isDuplicate bool, err error) {
	e.mu.Lock()
	already := e.inbound[packetID]
	e.inbound[packetID] = true
	e.mu.Unlock()

	if already {
		return true, nil
	}
	if err := e.store.LockPkgID(e.clientID, packetID); err != nil {
		// LockPkgID reports ErrPkgIDAlreadyLocked uncategorized and every
		// other failure via er.Storage; only the latter is a real error here.
		if !er.Is(err, er.CategoryStorage) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// ReleaseInbound releases a QoS2 inbound lock on PUBREL.
func (e *Engine) ReleaseInbound(packetID uint16) error {
	e.mu.Lock()
	delete(e.inbound, packetID)
	e.mu.Unlock()

	if e.log != nil {
		e.log.LogQoSFlow(e.clientID, packetID, 2, "pubrel")
	}
	return e.store.ReleasePkgID(e.clientID, packetID)
}

// WaitForReply blocks until packetID's terminal acknowledgement arrives or
// timeout elapses. The storage entry is left intact on timeout so the
// caller can retry.
func (e *Engine) WaitForReply(ctx context.Context, packetID uint16, timeout time.Duration) error {
	e.waitersMu.Lock()
	ch, ok := e.waiters[packetID]
	if !ok {
		ch = make(chan struct{})
		e.waiters[packetID] = ch
	}
	e.waitersMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return er.Timeout(&er.Err{Context: "session.WaitForReply", Message: er.ErrWaitTimeout})
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) signal(packetID uint16) {
	e.waitersMu.Lock()
	ch, ok := e.waiters[packetID]
	if ok {
		delete(e.waiters, packetID)
	}
	e.waitersMu.Unlock()
	if ok {
		close(ch)
	}
}
