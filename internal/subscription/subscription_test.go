package subscription

import (
	"testing"

	"github.com/pyr33x/goqttd/internal/mqtt"
)

func TestExactMatch(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("sport/tennis", Subscriber{ClientID: "a", QoS: mqtt.QoS1})

	got := idx.Match("sport/tennis")
	if len(got) != 1 || got[0].ClientID != "a" {
		t.Fatalf("unexpected match: %+v", got)
	}
	if len(idx.Match("sport/football")) != 0 {
		t.Fatalf("expected no match for unrelated topic")
	}
}

func TestPlusWildcard(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("sport/+/player1", Subscriber{ClientID: "a"})

	if len(idx.Match("sport/tennis/player1")) != 1 {
		t.Fatalf("expected plus-wildcard match")
	}
	if len(idx.Match("sport/tennis/bonus/player1")) != 0 {
		t.Fatalf("plus must match exactly one level")
	}
	if len(idx.Match("sport//player1")) != 0 {
		t.Fatalf("plus must not match an empty segment")
	}
}

func TestEmptySegmentsMatchPositionally(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("a//c", Subscriber{ClientID: "a"})

	if len(idx.Match("a//c")) != 1 {
		t.Fatalf("expected literal empty segment to match positionally")
	}
	if len(idx.Match("a/b/c")) != 0 {
		t.Fatalf("empty segment must not match a non-empty one")
	}
}

func TestHashWildcard(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("sport/#", Subscriber{ClientID: "a"})

	for _, topic := range []string{"sport", "sport/tennis", "sport/tennis/player1/score"} {
		if len(idx.Match(topic)) != 1 {
			t.Fatalf("expected # to match %q", topic)
		}
	}
	if len(idx.Match("finance/stock")) != 0 {
		t.Fatalf("expected no match outside sport/")
	}
}

func TestDollarTopicsExcludedFromTopLevelWildcard(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("#", Subscriber{ClientID: "a"})
	idx.Subscribe("+/status", Subscriber{ClientID: "b"})

	if len(idx.Match("$SYS/broker/clients")) != 0 {
		t.Fatalf("$ topics must not match a leading wildcard")
	}
	if len(idx.Match("other/status")) != 2 {
		t.Fatalf("both the # and the +/status subscriber should still match a non-$ topic")
	}
}

func TestUnsubscribeRemovesEntry(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("a/b", Subscriber{ClientID: "a"})
	idx.Subscribe("a/+", Subscriber{ClientID: "a"})

	idx.Unsubscribe("a/b", "a")
	idx.Unsubscribe("a/+", "a")

	if len(idx.Match("a/b")) != 0 {
		t.Fatalf("expected no subscribers after unsubscribe")
	}
}

func TestResubscribeUpdatesGrantedQoS(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("a/b", Subscriber{ClientID: "a", QoS: mqtt.QoS0})
	idx.Subscribe("a/b", Subscriber{ClientID: "a", QoS: mqtt.QoS2})

	got := idx.Match("a/b")
	if len(got) != 1 || got[0].QoS != mqtt.QoS2 {
		t.Fatalf("expected single updated subscriber, got %+v", got)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	idx := NewIndex()
	idx.Subscribe("a/b", Subscriber{ClientID: "a"})
	idx.Subscribe("a/+", Subscriber{ClientID: "a"})
	idx.Subscribe("a/b", Subscriber{ClientID: "b"})

	idx.UnsubscribeAll("a")

	if len(idx.Match("a/b")) != 1 {
		t.Fatalf("expected client b's subscription to remain")
	}
}

func TestRetainedDeliveryZeroPayloadClears(t *testing.T) {
	idx := NewIndex()
	idx.SetRetained("a/b", []byte("hello"), mqtt.QoS1)

	msgs := idx.MatchRetained("a/+")
	if len(msgs) != 1 || string(msgs[0].Payload) != "hello" {
		t.Fatalf("expected retained match, got %+v", msgs)
	}

	idx.SetRetained("a/b", nil, mqtt.QoS0)
	if len(idx.MatchRetained("a/+")) != 0 {
		t.Fatalf("expected zero-length payload to clear retained slot")
	}
}
