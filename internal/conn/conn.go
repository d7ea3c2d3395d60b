// Package conn implements the per-connection state machine: New →
// AwaitingConnect → Connected → Closing → Closed, a reader loop that drives
// the packet decoder, a writer goroutine that serialises outbound bytes, a
// keep-alive reaper, and the CONNECT/PUBLISH/SUBSCRIBE dispatch that bridges
// into the domain dispatcher, session engine, and broker.
package conn

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/domain"
	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/mqtt"
	"github.com/pyr33x/goqttd/internal/session"
	"github.com/pyr33x/goqttd/internal/workerpool"
	"github.com/pyr33x/goqttd/pkg/er"
)

// State is a connection's position in the state machine.
type State int32

const (
	StateNew State = iota
	StateAwaitingConnect
	StateConnected
	StateClosing
	StateClosed
)

const writeChunkSize = 4096

// deadliner is the optional transport capability used to bound the wait for
// the first CONNECT. net.Conn and tls.Conn both satisfy it; a WebSocket
// bridge or an in-memory test pipe may not.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Conn drives one accepted transport connection end to end. Transports
// (internal/listener) hand it an io.ReadWriteCloser already past any
// handshake (TLS, WebSocket framing) and a ServerName observed during that
// handshake, if any.
type Conn struct {
	rw             io.ReadWriteCloser
	serverName     string
	domains        *domain.Registry
	broker         *broker.Broker
	log            *logger.Logger
	connectTimeout time.Duration
	pool           *workerpool.Pool

	state atomic.Int32

	clientID     string
	username     string
	cleanSession bool
	cleanDisconn atomic.Bool
	keepAlive    time.Duration
	lastActivity atomic.Int64

	domainCtx *domain.Context
	eng       *session.Engine
	mySubs    map[string]mqtt.QoS
	mySubsMu  sync.Mutex

	writeCh       chan []byte
	pendingWrites atomic.Int32
	closeOnce     sync.Once
	closeReason   string
	doneCh        chan struct{}
}

// New constructs a Conn ready to Serve. serverName is the SNI/WebSocket Host
// observed by the transport handshake, or "" for plain TCP. pool bounds how
// many decoded packets are dispatched concurrently process-wide; a nil pool
// dispatches inline, which test call sites rely on.
func New(rw io.ReadWriteCloser, serverName string, domains *domain.Registry, br *broker.Broker, log *logger.Logger, connectTimeout time.Duration, pool *workerpool.Pool) *Conn {
	c := &Conn{
		rw:             rw,
		serverName:     serverName,
		domains:        domains,
		broker:         br,
		log:            log,
		connectTimeout: connectTimeout,
		pool:           pool,
		mySubs:         make(map[string]mqtt.QoS),
		writeCh:        make(chan []byte, 64),
		doneCh:         make(chan struct{}),
	}
	c.state.Store(int32(StateNew))
	return c
}

// ClientID implements domain.Conn.
func (c *Conn) ClientID() string { return c.clientID }

// Session implements domain.Conn.
func (c *Conn) Session() *session.Engine { return c.eng }

// Send implements domain.Conn: it encodes pkt and enqueues it on the write
// sequencer, never blocking the caller on the network itself.
func (c *Conn) Send(pkt mqtt.Packet) error {
	if State(c.state.Load()) >= StateClosing {
		return &er.Err{Context: "conn.Send", Message: er.ErrConnClosed}
	}
	c.pendingWrites.Add(1)
	select {
	case c.writeCh <- pkt.Encode():
		return nil
	case <-c.doneCh:
		c.pendingWrites.Add(-1)
		return &er.Err{Context: "conn.Send", Message: er.ErrConnClosed}
	}
}

// Close implements domain.Conn. It is idempotent and only tears down the
// transport; session/domain cleanup happens in Serve's defer so that a
// forced close (e.g. drop_conn_same_client_id) never re-enters a locked
// domain.Context from within the lock that triggered it.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		c.state.Store(int32(StateClosing))
		c.rw.Close()
	})
}

// CloseGraceful transitions to Closing and gives the write sequencer up to
// grace to flush whatever is already queued (a SUBACK, a CONNACK carrying a
// rejection code, ...) before tearing down the transport. It waits on the
// in-flight write counter, not just the queue: on an unbuffered transport
// the final packet may still be mid-Write when the queue drains.
func (c *Conn) CloseGraceful(reason string, grace time.Duration) {
	c.state.Store(int32(StateClosing))
	deadline := time.Now().Add(grace)
	for c.pendingWrites.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Close(reason)
}

// Serve runs the connection until the transport closes or a protocol error
// occurs. It always performs session/domain cleanup before returning.
func (c *Conn) Serve(ctx context.Context) error {
	c.state.Store(int32(StateAwaitingConnect))
	c.lastActivity.Store(time.Now().UnixNano())

	go c.writeLoop()
	defer c.cleanup()

	var dec mqtt.Decoder
	buf := make([]byte, 4096)

	d, hasDeadline := c.rw.(deadliner)
	if hasDeadline && c.connectTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(c.connectTimeout))
	}

	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			c.lastActivity.Store(time.Now().UnixNano())
			dec.Feed(buf[:n])
			for {
				pkt, derr := dec.Next()
				if derr == er.ErrIncomplete {
					break
				}
				if derr != nil {
					return derr
				}
				if herr := c.pool.Run(ctx, func() error { return c.dispatch(ctx, pkt) }); herr != nil {
					return herr
				}
				if State(c.state.Load()) >= StateClosing {
					return nil
				}
				if State(c.state.Load()) == StateConnected && hasDeadline {
					// Connected: the keep-alive reaper takes over from the
					// CONNECT deadline.
					d.SetReadDeadline(time.Time{})
					hasDeadline = false
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if State(c.state.Load()) == StateAwaitingConnect {
				return &er.Err{Context: "conn.Serve", Message: er.ErrConnectTimeout}
			}
			return err
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data, ok := <-c.writeCh:
			if !ok {
				return
			}
			for off := 0; off < len(data); off += writeChunkSize {
				end := off + writeChunkSize
				if end > len(data) {
					end = len(data)
				}
				if _, err := c.rw.Write(data[off:end]); err != nil {
					c.pendingWrites.Add(-1)
					return
				}
			}
			c.pendingWrites.Add(-1)
		case <-c.doneCh:
			return
		}
	}
}

// runKeepAlive disconnects the connection if no inbound packet arrives
// within 1.5x the negotiated keep-alive interval.
func (c *Conn) runKeepAlive() {
	if c.keepAlive <= 0 {
		return
	}
	limit := time.Duration(float64(c.keepAlive) * 1.5)
	ticker := time.NewTicker(c.keepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.lastActivity.Load())
			if time.Since(last) > limit {
				c.Close("keep-alive timeout")
				return
			}
		case <-c.doneCh:
			return
		}
	}
}

func (c *Conn) cleanup() {
	c.closeOnce.Do(func() {
		c.rw.Close()
	})
	close(c.doneCh)
	c.state.Store(int32(StateClosed))

	if c.log != nil && c.closeReason != "" {
		c.log.LogClientConnection(c.clientID, "", "closed", logger.String("reason", c.closeReason))
	}

	if c.domainCtx == nil {
		return
	}
	c.domainCtx.Remove(c.clientID, c)

	if !c.cleanDisconn.Load() {
		c.publishWillIfConfigured(context.Background())
	}

	if c.cleanSession {
		c.domainCtx.Subs.UnsubscribeAll(c.clientID)
		c.domainCtx.Store.Purge(c.clientID)
	}
}

func (c *Conn) publishWillIfConfigured(ctx context.Context) {
	will, err := c.domainCtx.Store.LoadWill(c.clientID)
	if err != nil || will == nil {
		return
	}
	pub := &mqtt.PublishPacket{Topic: will.Topic, Payload: will.Payload, QoS: will.QoS, Retain: will.Retain}
	c.broker.HandlePublish(ctx, c.domainCtx, c.clientID, c.username, pub)
}

// synthesizeClientID returns a server-unique client id for an empty-id,
// clean_session=true CONNECT.
func synthesizeClientID() string {
	return uuid.NewString()
}
