package auth

import (
	"context"

	"github.com/pyr33x/goqttd/internal/config"
	"github.com/pyr33x/goqttd/internal/subscription"
)

// RuleSet turns a domain's declarative config.ACLRuleConfig list into
// PublishHandler/SubscribeHandler pipeline stages. Rules are evaluated in
// file order; the first matching rule decides.
type RuleSet struct {
	rules []config.ACLRuleConfig
}

// NewRuleSet builds a RuleSet from a domain's configured rules.
func NewRuleSet(rules []config.ACLRuleConfig) *RuleSet {
	return &RuleSet{rules: rules}
}

func (r *RuleSet) match(username, topic string, rule config.ACLRuleConfig) bool {
	if rule.Username != "*" && rule.Username != username {
		return false
	}
	return subscription.MatchFilter(topic, rule.Filter)
}

func decisionFor(action string) Decision {
	switch action {
	case "deny":
		return Discard
	case "disconnect":
		return ConnClose
	default:
		return Ok
	}
}

// OnPublish implements PublishHandler.
func (r *RuleSet) OnPublish(_ context.Context, ev PublishEvent) Decision {
	for _, rule := range r.rules {
		if !rule.Publish {
			continue
		}
		if r.match(ev.Username, ev.Topic, rule) {
			return decisionFor(rule.Action)
		}
	}
	return Dunno
}

// OnSubscribe implements SubscribeHandler. Matching rules never alter the
// requested QoS; downgrading is left to future rule fields if the need
// arises.
func (r *RuleSet) OnSubscribe(_ context.Context, ev SubscribeEvent) (Decision, int) {
	for _, rule := range r.rules {
		if !rule.Subscribe {
			continue
		}
		if r.match(ev.Username, ev.Filter, rule) {
			return decisionFor(rule.Action), ev.RequestedQoS
		}
	}
	return Dunno, ev.RequestedQoS
}
