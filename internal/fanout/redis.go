package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lalith-99/echodesk/internal/observ"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RedisBus fans events out across every server process sharing one Redis.
//
// Membership stays local: each process keeps its own Groups table.
// Publish goes to Redis on channel <prefix><topic>; every process runs
// Run, which pattern-subscribes to <prefix>* and delivers what arrives to
// its local members. The publishing process receives its own event back
// through the same subscription, so local members are reached exactly
// once per publish.
//
// Redis Pub/Sub has the same semantics we promise: at-most-once, no
// persistence, nothing buffered for subscribers that are not listening.
//
// Publishes go through a circuit breaker. While Redis is down every
// caller already treats a publish error as "stored, not delivered", so
// failing fast beats making each chat message wait out a dial timeout.
type RedisBus struct {
	client  redis.UniversalClient
	groups  *Groups
	prefix  string
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func NewRedisBus(client redis.UniversalClient, prefix string, log *zap.Logger) *RedisBus {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-fanout",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("fan-out circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &RedisBus{
		client:  client,
		groups:  NewGroups(),
		prefix:  prefix,
		breaker: breaker,
		log:     log,
	}
}

func (b *RedisBus) Subscribe(topic Topic, sub Subscriber) { b.groups.Subscribe(topic, sub) }

func (b *RedisBus) Unsubscribe(topic Topic, sub Subscriber) { b.groups.Unsubscribe(topic, sub) }

// Groups exposes the local membership table.
func (b *RedisBus) Groups() *Groups { return b.groups }

func (b *RedisBus) Publish(ctx context.Context, topic Topic, evt Event) error {
	payload, err := json.Marshal(envelope{Kind: evt.Kind, Data: evt.Data})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Publish(ctx, b.prefix+string(topic), payload).Err()
	})
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	observ.EventsPublished.WithLabelValues(topic.Family(), evt.Kind).Inc()
	return nil
}

// Run listens for published events until ctx is cancelled. go-redis
// reconnects the subscription on its own; Run only returns on
// cancellation or if the initial subscribe fails.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer pubsub.Close()

	// Wait for the subscription confirmation so a dead Redis fails startup
	// instead of silently dropping every event.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	b.log.Info("redis fan-out listener started", zap.String("pattern", b.prefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(msg)
		}
	}
}

func (b *RedisBus) dispatch(msg *redis.Message) {
	topic, err := ParseTopic(strings.TrimPrefix(msg.Channel, b.prefix))
	if err != nil {
		b.log.Warn("ignoring event on unknown channel", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.log.Warn("ignoring malformed event", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	b.groups.Deliver(topic, Event{Kind: env.Kind, Data: env.Data})
}
