package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/pyr33x/goqttd/pkg/er"
)

func TestAllowAllBackendAcceptsAnything(t *testing.T) {
	b, err := New("allow-all")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Load("d", ""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := b.Auth(context.Background(), "client-a", "anyone", "anything"); err != nil {
		t.Fatalf("Auth: %v", err)
	}
	if !b.UserExists("client-a", "anyone") {
		t.Fatalf("expected UserExists to be true")
	}
}

func TestNewUnknownBackendLabel(t *testing.T) {
	_, err := New("does-not-exist")
	if !errors.Is(err, er.ErrBackendNotFound) {
		t.Fatalf("expected ErrBackendNotFound, got %v", err)
	}
}

func TestPipelineFirstNonDunnoWins(t *testing.T) {
	p := &Pipeline{
		Publish: []PublishHandler{
			PublishHandlerFunc(func(ctx context.Context, ev PublishEvent) Decision { return Dunno }),
			PublishHandlerFunc(func(ctx context.Context, ev PublishEvent) Decision { return ConnClose }),
			PublishHandlerFunc(func(ctx context.Context, ev PublishEvent) Decision { return Ok }),
		},
	}
	if got := p.RunPublish(context.Background(), PublishEvent{}); got != ConnClose {
		t.Fatalf("expected ConnClose, got %v", got)
	}
}

func TestPipelineDefaultPolicy(t *testing.T) {
	p := &Pipeline{Default: PolicyDiscard}
	if got := p.RunPublish(context.Background(), PublishEvent{}); got != Discard {
		t.Fatalf("expected Discard default, got %v", got)
	}

	p2 := &Pipeline{Default: PolicyAllow}
	if got := p2.RunPublish(context.Background(), PublishEvent{}); got != Ok {
		t.Fatalf("expected Ok default, got %v", got)
	}
}

func TestPipelineSubscribeDowngrade(t *testing.T) {
	p := &Pipeline{
		Subscribe: []SubscribeHandler{
			SubscribeHandlerFunc(func(ctx context.Context, ev SubscribeEvent) (Decision, int) {
				if ev.RequestedQoS > 1 {
					return Ok, 1
				}
				return Dunno, 0
			}),
		},
	}
	decision, qos := p.RunSubscribe(context.Background(), SubscribeEvent{RequestedQoS: 2})
	if decision != Ok || qos != 1 {
		t.Fatalf("expected downgrade to QoS1, got decision=%v qos=%d", decision, qos)
	}
}
