// Package auth implements the authentication backend registry and the
// on-publish/on-subscribe ACL pipeline. A Backend is selected per domain at
// load time; the registry maps its string label to a constructor so
// config.DomainConfig's AuthBackend field can name it declaratively.
package auth

import (
	"context"

	"github.com/pyr33x/goqttd/pkg/er"
)

// Backend is the authentication plug interface a domain selects exactly one
// implementation of.
type Backend interface {
	// Load prepares the backend against a domain's configuration path
	// (e.g. a sqlite file). The backend keeps whatever state it opens
	// itself and releases it in Unload.
	Load(domainName, path string) error
	// UserExists reports whether username is known to this backend,
	// independent of password, used by restrict_ids enforcement.
	UserExists(clientID, username string) bool
	// Auth validates username/password for clientID connecting to ctx's
	// domain. A nil error means accepted.
	Auth(ctx context.Context, clientID, username, password string) error
	// Unload releases any resources acquired by Load.
	Unload() error
}

// Factory constructs a Backend instance for one domain.
type Factory func() Backend

var registry = map[string]Factory{}

// Register adds a backend factory under label, called from each backend
// implementation's init(). Panics on duplicate registration; that is a
// programmer error, not a runtime condition.
func Register(label string, f Factory) {
	if _, exists := registry[label]; exists {
		panic("auth: backend already registered: " + label)
	}
	registry[label] = f
}

// New constructs the backend registered under label.
func New(label string) (Backend, error) {
	f, ok := registry[label]
	if !ok {
		return nil, &er.Err{Context: "auth.New", Message: er.ErrBackendNotFound}
	}
	return f(), nil
}

// Decision is the result an on-publish or on-subscribe handler returns.
type Decision int

const (
	// Dunno means the handler has no opinion; the pipeline tries the next.
	Dunno Decision = iota
	// Ok allows the operation and stops the pipeline.
	Ok
	// Discard silently drops the message for this delivery.
	Discard
	// ConnClose closes the publishing connection.
	ConnClose
)

func (d Decision) String() string {
	switch d {
	case Ok:
		return "ok"
	case Discard:
		return "discard"
	case ConnClose:
		return "conn_close"
	default:
		return "dunno"
	}
}

// PublishEvent carries what an on-publish handler needs to judge a PUBLISH.
type PublishEvent struct {
	DomainName string
	ClientID   string
	Username   string
	Topic      string
	QoS        int
	Retain     bool
}

// PublishHandler is one stage of the on-publish ACL pipeline.
type PublishHandler interface {
	OnPublish(ctx context.Context, ev PublishEvent) Decision
}

// PublishHandlerFunc adapts a function to PublishHandler.
type PublishHandlerFunc func(ctx context.Context, ev PublishEvent) Decision

func (f PublishHandlerFunc) OnPublish(ctx context.Context, ev PublishEvent) Decision { return f(ctx, ev) }

// SubscribeEvent carries what an on-subscribe handler needs to judge a
// requested subscription; it may downgrade RequestedQoS.
type SubscribeEvent struct {
	DomainName string
	ClientID   string
	Username   string
	Filter     string
	RequestedQoS int
}

// SubscribeHandler may allow, deny, or downgrade a subscribe request.
// GrantedQoS is only meaningful when the Decision is Ok.
type SubscribeHandler interface {
	OnSubscribe(ctx context.Context, ev SubscribeEvent) (Decision, int)
}

// SubscribeHandlerFunc adapts a function to SubscribeHandler.
type SubscribeHandlerFunc func(ctx context.Context, ev SubscribeEvent) (Decision, int)

func (f SubscribeHandlerFunc) OnSubscribe(ctx context.Context, ev SubscribeEvent) (Decision, int) {
	return f(ctx, ev)
}

// DefaultPolicy is applied when every handler in a Pipeline returns Dunno.
type DefaultPolicy int

const (
	PolicyAllow DefaultPolicy = iota
	PolicyDiscard
)

// Pipeline runs an ordered list of publish/subscribe handlers, falling back
// to a per-domain default policy when every handler returns Dunno.
type Pipeline struct {
	Publish   []PublishHandler
	Subscribe []SubscribeHandler
	Default   DefaultPolicy
}

// RunPublish evaluates ev against the publish pipeline in order, stopping at
// the first non-Dunno verdict.
func (p *Pipeline) RunPublish(ctx context.Context, ev PublishEvent) Decision {
	for _, h := range p.Publish {
		if d := h.OnPublish(ctx, ev); d != Dunno {
			return d
		}
	}
	if p.Default == PolicyDiscard {
		return Discard
	}
	return Ok
}

// RunSubscribe evaluates ev against the subscribe pipeline, returning the
// granted QoS (possibly downgraded) alongside the decision.
func (p *Pipeline) RunSubscribe(ctx context.Context, ev SubscribeEvent) (Decision, int) {
	for _, h := range p.Subscribe {
		if d, qos := h.OnSubscribe(ctx, ev); d != Dunno {
			return d, qos
		}
	}
	if p.Default == PolicyDiscard {
		return Discard, ev.RequestedQoS
	}
	return Ok, ev.RequestedQoS
}
