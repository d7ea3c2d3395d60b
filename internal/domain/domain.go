// Package domain implements the multi-tenant domain dispatcher: a registry
// of per-domain contexts (subscription index, storage root, auth backend,
// ACL pipeline, settings) and the selection order a CONNECT goes through to
// pick one.
package domain

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pyr33x/goqttd/internal/auth"
	"github.com/pyr33x/goqttd/internal/config"
	"github.com/pyr33x/goqttd/internal/metrics"
	"github.com/pyr33x/goqttd/internal/mqtt"
	"github.com/pyr33x/goqttd/internal/session"
	"github.com/pyr33x/goqttd/internal/storage"
	"github.com/pyr33x/goqttd/internal/subscription"
	"github.com/pyr33x/goqttd/pkg/er"
)

// Conn is the surface the dispatcher and broker need from a live
// connection: enough to enforce drop_conn_same_client_id and to deliver
// PUBLISH traffic. internal/conn supplies the concrete implementation.
type Conn interface {
	ClientID() string
	Close(reason string)
	Send(pkt mqtt.Packet) error
	Session() *session.Engine
}

// Context is one domain's isolated runtime state.
type Context struct {
	Name     string
	Settings config.DomainSettings

	Subs        *subscription.Index
	Store       *storage.Store
	AuthBackend auth.Backend
	ACL         *auth.Pipeline

	mu       sync.Mutex
	conns    map[string]Conn
	dayCount atomic.Int64
	monCount atomic.Int64
	stat     *metrics.Stat
}

// SetStat attaches the process-wide prometheus counters; cmd/goqttd calls
// this once per domain when metrics are enabled.
func (c *Context) SetStat(s *metrics.Stat) { c.stat = s }

// NewContext builds a domain context from its configuration and already
// constructed dependencies; Build wires these together from
// config.DomainConfig at startup.
func NewContext(name string, settings config.DomainSettings, store *storage.Store, backend auth.Backend) *Context {
	return &Context{
		Name:        name,
		Settings:    settings,
		Subs:        subscription.NewIndex(),
		Store:       store,
		AuthBackend: backend,
		ACL:         &auth.Pipeline{Default: auth.PolicyAllow},
		conns:       make(map[string]Conn),
	}
}

// Admit registers a connection under clientID, disconnecting any existing
// connection with the same id first if drop_conn_same_client_id is set, and
// enforces conn_limit. Returns ErrConnLimitReached if the domain is full.
func (c *Context) Admit(clientID string, conn Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.conns[clientID]; ok {
		if !c.Settings.DropConnSameClientID {
			return &er.Err{Context: "domain.Admit", Message: er.ErrIdentifierRejected}
		}
		existing.Close("replaced by new connection with same client id")
		delete(c.conns, clientID)
	}

	if c.Settings.ConnLimit > 0 && len(c.conns) >= c.Settings.ConnLimit {
		return &er.Err{Context: "domain.Admit", Message: er.ErrConnLimitReached}
	}
	c.conns[clientID] = conn
	if c.stat != nil {
		c.stat.ConnectedClients.Inc()
	}
	return nil
}

// ConnByClientID returns the live connection registered for clientID, if
// any, used by the broker to decide between online delivery and offline
// queueing.
func (c *Context) ConnByClientID(clientID string) (Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[clientID]
	return conn, ok
}

// Remove unregisters clientID's connection, e.g. on disconnect. It only
// deletes the map entry if conn is still the one registered, so a
// connection dropped by drop_conn_same_client_id can't race its own
// cleanup into deleting the replacement that admitted it.
func (c *Context) Remove(clientID string, conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.conns[clientID]
	if !ok || current != conn {
		return
	}
	if c.stat != nil {
		c.stat.ConnectedClients.Dec()
	}
	delete(c.conns, clientID)
}

// CheckMessageSize enforces message_size_limit on a PUBLISH payload.
func (c *Context) CheckMessageSize(payloadLen int) error {
	if c.Settings.MessageSizeLimit > 0 && payloadLen > c.Settings.MessageSizeLimit {
		return &er.Err{Context: "domain.CheckMessageSize", Message: er.ErrMessageTooLarge}
	}
	return nil
}

// CheckStorageMessages enforces storage_messages_limit for a subscriber
// about to receive an offline-queued message.
func (c *Context) CheckStorageMessages(queued int) error {
	if c.Settings.StorageMessagesLimit > 0 && queued >= c.Settings.StorageMessagesLimit {
		return &er.Err{Context: "domain.CheckStorageMessages", Message: er.ErrStorageQuotaExceeded}
	}
	return nil
}

// CheckStorageQuota enforces storage_quota_limit: the total byte size a
// subscriber's offline queue would reach after accepting a pending message
// of pendingBytes, distinct from CheckStorageMessages' message count.
func (c *Context) CheckStorageQuota(queuedBytes, pendingBytes int64) error {
	if c.Settings.StorageQuotaLimit > 0 && queuedBytes+pendingBytes > c.Settings.StorageQuotaLimit {
		return &er.Err{Context: "domain.CheckStorageQuota", Message: er.ErrStorageQuotaExceeded}
	}
	return nil
}

// CountMessage increments the day/month counters and enforces their quotas.
// RollDay/RollMonth reset the counters when the recurring day/month change
// task (internal/broker) observes a rollover.
func (c *Context) CountMessage() error {
	day := c.dayCount.Add(1)
	mon := c.monCount.Add(1)
	if c.Settings.DayMessageQuota > 0 && day > c.Settings.DayMessageQuota {
		return &er.Err{Context: "domain.CountMessage", Message: er.ErrDayQuotaExceeded}
	}
	if c.Settings.MonthMessageQuota > 0 && mon > c.Settings.MonthMessageQuota {
		return &er.Err{Context: "domain.CountMessage", Message: er.ErrMonthQuotaExceeded}
	}
	return nil
}

// RollDay resets the daily counter.
func (c *Context) RollDay() { c.dayCount.Store(0) }

// RollMonth resets the monthly counter.
func (c *Context) RollMonth() { c.monCount.Store(0) }

// Registry holds every active domain, keyed by name.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]*Context
}

// NewRegistry creates an empty domain registry.
func NewRegistry() *Registry {
	return &Registry{domains: make(map[string]*Context)}
}

// Add registers ctx under its Name.
func (r *Registry) Add(ctx *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[ctx.Name] = ctx
}

// Get looks up a domain by name.
func (r *Registry) Get(name string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[name]
	return d, ok
}

// All returns every registered domain, for the probe fallback and for
// periodic tasks (day/month rollover) to iterate.
func (r *Registry) All() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Context, 0, len(r.domains))
	for _, d := range r.domains {
		out = append(out, d)
	}
	return out
}

// Selection is the outcome of a successful dispatch: the chosen domain and
// the client id / username with any domain-tag suffix stripped.
type Selection struct {
	Domain   *Context
	ClientID string
	Username string
}

// Select picks the domain a CONNECT belongs to. Order: a domain tag suffixed
// to the client id or username with '@', then the transport-level server name
// (TLS SNI, WebSocket Host), then probing every domain's auth backend until
// one accepts the credentials.
func (r *Registry) Select(ctx context.Context, clientID, username, password, transportServerName string) (*Selection, error) {
	sel, err := r.selectByTaggedID(ctx, clientID, username, password)
	if sel != nil || err != nil {
		return sel, err
	}

	if transportServerName != "" {
		if d, ok := r.Get(transportServerName); ok {
			if err := d.AuthBackend.Auth(ctx, clientID, username, password); err != nil {
				return nil, err
			}
			return &Selection{Domain: d, ClientID: clientID, Username: username}, nil
		}
	}

	for _, d := range r.All() {
		if err := d.AuthBackend.Auth(ctx, clientID, username, password); err == nil {
			return &Selection{Domain: d, ClientID: clientID, Username: username}, nil
		}
	}
	return nil, &er.Err{Context: "domain.Select", Message: er.ErrNoDomainSelected}
}

// selectByTaggedID tries the client_id then username '@'-suffix rules. Once
// a tag names an existing domain, authentication failure against it is
// terminal: a client that asked for a specific domain is never silently
// retried against the others.
func (r *Registry) selectByTaggedID(ctx context.Context, clientID, username, password string) (*Selection, error) {
	if name, stripped, ok := splitTag(clientID); ok {
		if d, exists := r.Get(name); exists {
			if err := d.AuthBackend.Auth(ctx, stripped, username, password); err != nil {
				return nil, err
			}
			return &Selection{Domain: d, ClientID: stripped, Username: username}, nil
		}
	}
	if name, stripped, ok := splitTag(username); ok {
		if d, exists := r.Get(name); exists {
			if err := d.AuthBackend.Auth(ctx, clientID, stripped, password); err != nil {
				return nil, err
			}
			return &Selection{Domain: d, ClientID: clientID, Username: stripped}, nil
		}
	}
	return nil, nil
}

func splitTag(s string) (tag, rest string, ok bool) {
	i := strings.IndexByte(s, '@')
	if i < 0 {
		return "", s, false
	}
	return s[i+1:], s[:i], true
}
