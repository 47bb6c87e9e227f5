// Package fanout is the topic membership table and the publish/subscribe
// bus built on top of it.
//
// Delivery is fire-and-forget and best-effort: a publish to a topic with
// no members is dropped, nothing is queued for later subscribers, and
// there is no acknowledgment or retry.
package fanout

import (
	"context"
	"sync"

	"github.com/lalith-99/echodesk/internal/observ"
)

// Subscriber receives events for the topics it joined. Implementations
// must be comparable (pointer types) because they are map keys, and
// Deliver must not block: a subscriber that cannot take the event right
// now returns false and the event is dropped for it.
type Subscriber interface {
	Deliver(topic Topic, evt Event) bool
}

// Publisher is the write side of the bus. Producers outside the
// connection layer (the notification bridge, REST handlers) only need this.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, evt Event) error
}

// Bus is the full fan-out service handed to every connection at creation.
type Bus interface {
	Publisher
	Subscribe(topic Topic, sub Subscriber)
	Unsubscribe(topic Topic, sub Subscriber)
}

// Groups maps topics to their current members.
//
// Subscribe and Unsubscribe are idempotent. Publish snapshots the member
// set under the read lock and delivers after releasing it, so no lock is
// held while subscribers run. The price is a race window: a publish that
// snapshotted a member just before it unsubscribed may still call its
// Deliver once. Subscribers that must not receive anything after teardown
// (realtime.Conn) refuse deliveries themselves once closed.
type Groups struct {
	mu      sync.RWMutex
	members map[Topic]map[Subscriber]struct{}
}

func NewGroups() *Groups {
	return &Groups{members: make(map[Topic]map[Subscriber]struct{})}
}

func (g *Groups) Subscribe(topic Topic, sub Subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()

	set, ok := g.members[topic]
	if !ok {
		set = make(map[Subscriber]struct{})
		g.members[topic] = set
	}
	set[sub] = struct{}{}
}

func (g *Groups) Unsubscribe(topic Topic, sub Subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()

	set, ok := g.members[topic]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(g.members, topic)
	}
}

// Publish delivers evt to every current member of topic. It never fails;
// the error return satisfies Publisher.
func (g *Groups) Publish(_ context.Context, topic Topic, evt Event) error {
	observ.EventsPublished.WithLabelValues(topic.Family(), evt.Kind).Inc()
	g.Deliver(topic, evt)
	return nil
}

// Deliver hands evt to the members of topic in this process and returns
// how many accepted it.
func (g *Groups) Deliver(topic Topic, evt Event) int {
	g.mu.RLock()
	set := g.members[topic]
	subs := make([]Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	g.mu.RUnlock()

	family := topic.Family()
	delivered := 0
	for _, sub := range subs {
		if sub.Deliver(topic, evt) {
			delivered++
			observ.Deliveries.WithLabelValues(family).Inc()
		} else {
			observ.DroppedDeliveries.WithLabelValues(family).Inc()
		}
	}
	return delivered
}

// Members returns the current member count of topic.
func (g *Groups) Members(topic Topic) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members[topic])
}

// Topics returns how many topics have at least one member.
func (g *Groups) Topics() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}
