// Package subscription implements the subscription index and retained
// message store: an exact map for filters without wildcards, a wildcard
// list for filters containing '+' or '#', and the match procedure a PUBLISH
// uses to enumerate subscribers.
package subscription

import (
	"strings"
	"sync"

	"github.com/pyr33x/goqttd/internal/mqtt"
)

// Subscriber identifies one (connection, granted qos) pair attached to a
// filter. Conn is an opaque handle supplied by the connection layer
// (internal/conn); the index never dereferences it.
type Subscriber struct {
	Conn     any
	ClientID string
	QoS      mqtt.QoS
}

type wildcardEntry struct {
	filter string
	levels []string
	sub    Subscriber
}

// Index is one broker context's subscription index and retained store. A
// domain owns exactly one Index, so subscriptions never cross domains.
type Index struct {
	mu sync.RWMutex

	exact     map[string][]Subscriber
	wildcards []wildcardEntry

	retained map[string]RetainedMessage
}

// RetainedMessage is the last retained payload published to a topic.
type RetainedMessage struct {
	Topic   string
	Payload []byte
	QoS     mqtt.QoS
}

// NewIndex creates an empty subscription index.
func NewIndex() *Index {
	return &Index{
		exact:    make(map[string][]Subscriber),
		retained: make(map[string]RetainedMessage),
	}
}

// Subscribe adds sub to filter, replacing any existing entry for the same
// (filter, ClientID) pair so resubscribing updates the granted QoS in
// place rather than duplicating delivery.
func (idx *Index) Subscribe(filter string, sub Subscriber) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if containsWildcard(filter) {
		idx.removeWildcardLocked(filter, sub.ClientID)
		idx.wildcards = append(idx.wildcards, wildcardEntry{
			filter: filter,
			levels: strings.Split(filter, "/"),
			sub:    sub,
		})
		return
	}

	subs := idx.exact[filter]
	for i := range subs {
		if subs[i].ClientID == sub.ClientID {
			subs[i] = sub
			return
		}
	}
	idx.exact[filter] = append(subs, sub)
}

// Unsubscribe removes clientID's subscription to filter, if present.
func (idx *Index) Unsubscribe(filter, clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if containsWildcard(filter) {
		idx.removeWildcardLocked(filter, clientID)
		return
	}

	subs := idx.exact[filter]
	for i := range subs {
		if subs[i].ClientID == clientID {
			idx.exact[filter] = append(subs[:i], subs[i+1:]...)
			if len(idx.exact[filter]) == 0 {
				delete(idx.exact, filter)
			}
			return
		}
	}
}

// UnsubscribeAll removes every subscription owned by clientID, used when a
// clean_session=true client disconnects.
func (idx *Index) UnsubscribeAll(clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for filter, subs := range idx.exact {
		for i := range subs {
			if subs[i].ClientID == clientID {
				idx.exact[filter] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(idx.exact[filter]) == 0 {
			delete(idx.exact, filter)
		}
	}
	kept := idx.wildcards[:0]
	for _, w := range idx.wildcards {
		if w.sub.ClientID != clientID {
			kept = append(kept, w)
		}
	}
	idx.wildcards = kept
}

func (idx *Index) removeWildcardLocked(filter, clientID string) {
	kept := idx.wildcards[:0]
	for _, w := range idx.wildcards {
		if !(w.filter == filter && w.sub.ClientID == clientID) {
			kept = append(kept, w)
		}
	}
	idx.wildcards = kept
}

// Match enumerates every subscriber whose filter matches topic. The
// read-side guard is held only for the duration of the snapshot copy, so
// deliveries never block subscribe/unsubscribe for longer than that.
func (idx *Index) Match(topic string) []Subscriber {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []Subscriber
	out = append(out, idx.exact[topic]...)

	topicLevels := strings.Split(topic, "/")
	for _, w := range idx.wildcards {
		if matchLevels(topicLevels, w.levels) {
			out = append(out, w.sub)
		}
	}
	return out
}

// matchLevels implements the level-by-level match: '+' matches any single
// non-empty segment, '#' matches zero or more remaining segments and must
// be the filter's last segment, and a topic starting with '$' never
// matches a filter whose first segment is a wildcard.
func matchLevels(topic, filter []string) bool {
	if len(topic) > 0 && strings.HasPrefix(topic[0], "$") {
		if len(filter) > 0 && (filter[0] == "+" || filter[0] == "#") {
			return false
		}
	}

	ti, fi := 0, 0
	for fi < len(filter) {
		if filter[fi] == "#" {
			return true // matches zero or more remaining segments; must be last
		}
		if ti >= len(topic) {
			return false
		}
		if filter[fi] == "+" {
			if topic[ti] == "" {
				return false
			}
		} else if filter[fi] != topic[ti] {
			return false
		}
		ti++
		fi++
	}
	return ti == len(topic)
}

func containsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// MatchFilter reports whether topic matches filter under the same rules
// Match uses, exported for the ACL rule engine (internal/auth) which judges
// a concrete topic against configured filter patterns outside the index.
func MatchFilter(topic, filter string) bool {
	return matchLevels(strings.Split(topic, "/"), strings.Split(filter, "/"))
}

// SetRetained stores a retained message for topic. A zero-length payload
// deletes the slot. The returned delta is the change in the number of
// retained slots (+1 added, 0 replaced, -1 cleared), which the broker feeds
// into its retained-message gauge.
func (idx *Index) SetRetained(topic string, payload []byte, qos mqtt.QoS) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, existed := idx.retained[topic]
	if len(payload) == 0 {
		delete(idx.retained, topic)
		if existed {
			return -1
		}
		return 0
	}
	idx.retained[topic] = RetainedMessage{Topic: topic, Payload: payload, QoS: qos}
	if existed {
		return 0
	}
	return 1
}

// MatchRetained returns every retained message whose topic matches filter,
// used when a SUBSCRIBE is granted to replay the last value on each
// matching topic.
func (idx *Index) MatchRetained(filter string) []RetainedMessage {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	filterLevels := strings.Split(filter, "/")
	var out []RetainedMessage
	for topic, msg := range idx.retained {
		if matchLevels(strings.Split(topic, "/"), filterLevels) {
			out = append(out, msg)
		}
	}
	return out
}
