package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder is a Subscriber that remembers everything delivered to it.
type recorder struct {
	mu     sync.Mutex
	got    []Event
	topics []Topic
	refuse bool
}

func (r *recorder) Deliver(topic Topic, evt Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse {
		return false
	}
	r.got = append(r.got, evt)
	r.topics = append(r.topics, topic)
	return true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func mustEvent(t *testing.T, frame ChatFrame) Event {
	t.Helper()
	evt, err := NewEvent(KindMessage, frame)
	require.NoError(t, err)
	return evt
}

func TestTopics(t *testing.T) {
	assert.Equal(t, Topic("ticket:42"), TicketTopic(42))
	assert.Equal(t, Topic("conversation:7"), ConversationTopic(7))
	assert.Equal(t, Topic("notifications:3"), NotificationsTopic(3))
	assert.Equal(t, FamilyConversation, ConversationTopic(7).Family())

	for _, ok := range []string{"ticket:1", "conversation:99", "notifications:12"} {
		topic, err := ParseTopic(ok)
		require.NoError(t, err, ok)
		assert.Equal(t, Topic(ok), topic)
	}
	for _, bad := range []string{"", "ticket", "room:1", "ticket:abc", "notifications:"} {
		_, err := ParseTopic(bad)
		assert.Error(t, err, bad)
	}
}

func TestSubscribeThenPublishDeliversOnce(t *testing.T) {
	g := NewGroups()
	sub := &recorder{}
	topic := ConversationTopic(7)

	g.Subscribe(topic, sub)
	require.NoError(t, g.Publish(context.Background(), topic, mustEvent(t, ChatFrame{Type: KindMessage, Text: "hola"})))

	require.Equal(t, 1, sub.count())
	assert.Equal(t, topic, sub.topics[0])
	assert.JSONEq(t,
		`{"type":"message","mensaje":"hola","usuario":"","esAgente":false,"fecha":null}`,
		string(sub.got[0].Data))
}

func TestSubscribeIsIdempotent(t *testing.T) {
	g := NewGroups()
	sub := &recorder{}
	topic := TicketTopic(1)

	g.Subscribe(topic, sub)
	g.Subscribe(topic, sub)
	assert.Equal(t, 1, g.Members(topic))

	assert.Equal(t, 1, g.Deliver(topic, Event{Kind: KindMessage, Data: json.RawMessage(`{}`)}))
	assert.Equal(t, 1, sub.count())
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	g := NewGroups()
	err := g.Publish(context.Background(), TicketTopic(404), Event{Kind: KindMessage, Data: json.RawMessage(`{}`)})
	assert.NoError(t, err)
	assert.Equal(t, 0, g.Topics())
}

func TestPublishIsNotQueuedForLateSubscribers(t *testing.T) {
	g := NewGroups()
	topic := NotificationsTopic(5)
	require.NoError(t, g.Publish(context.Background(), topic, Event{Kind: KindNotification, Data: json.RawMessage(`{}`)}))

	late := &recorder{}
	g.Subscribe(topic, late)
	assert.Equal(t, 0, late.count())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	g := NewGroups()
	sub := &recorder{}
	topic := TicketTopic(9)

	// Never joined: harmless.
	g.Unsubscribe(topic, sub)

	g.Subscribe(topic, sub)
	g.Unsubscribe(topic, sub)
	g.Unsubscribe(topic, sub)

	assert.Equal(t, 0, g.Members(topic))
	assert.Equal(t, 0, g.Topics(), "empty topics are dropped")
	assert.Equal(t, 0, g.Deliver(topic, Event{Kind: KindMessage}))
	assert.Equal(t, 0, sub.count())
}

func TestDeliverCountsOnlyAcceptingSubscribers(t *testing.T) {
	g := NewGroups()
	topic := TicketTopic(3)
	open, closed := &recorder{}, &recorder{refuse: true}
	g.Subscribe(topic, open)
	g.Subscribe(topic, closed)

	assert.Equal(t, 1, g.Deliver(topic, Event{Kind: KindMessage}))
}

func TestTopicsAreIsolated(t *testing.T) {
	g := NewGroups()
	a, b := &recorder{}, &recorder{}
	g.Subscribe(ConversationTopic(1), a)
	g.Subscribe(ConversationTopic(2), b)

	g.Deliver(ConversationTopic(1), Event{Kind: KindMessage})
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 0, b.count())
}

func TestConcurrentMembershipChanges(t *testing.T) {
	g := NewGroups()
	topic := TicketTopic(1)
	stable := &recorder{}
	g.Subscribe(topic, stable)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := &recorder{}
			for j := 0; j < 200; j++ {
				g.Subscribe(topic, sub)
				g.Unsubscribe(topic, sub)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				g.Deliver(topic, Event{Kind: KindMessage})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, g.Members(topic))
	assert.Equal(t, workers*200, stable.count())
}

func TestRedisBusDispatchDeliversLocally(t *testing.T) {
	bus := NewRedisBus(nil, "echodesk:", zaptest.NewLogger(t))
	sub := &recorder{}
	bus.Subscribe(ConversationTopic(7), sub)

	bus.dispatch(&redis.Message{
		Channel: "echodesk:conversation:7",
		Payload: `{"kind":"message","data":{"type":"message","mensaje":"hola"}}`,
	})
	require.Equal(t, 1, sub.count())
	assert.Equal(t, KindMessage, sub.got[0].Kind)
	assert.JSONEq(t, `{"type":"message","mensaje":"hola"}`, string(sub.got[0].Data))

	// Unknown channel and bad payload are dropped, not fatal.
	bus.dispatch(&redis.Message{Channel: "echodesk:room:1", Payload: `{}`})
	bus.dispatch(&redis.Message{Channel: "echodesk:conversation:7", Payload: `not json`})
	assert.Equal(t, 1, sub.count())

	bus.Unsubscribe(ConversationTopic(7), sub)
	assert.Equal(t, 0, bus.Groups().Members(ConversationTopic(7)))
}

func TestRedisBusPublishReportsUnavailableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	bus := NewRedisBus(client, "echodesk:", zaptest.NewLogger(t))
	err := bus.Publish(context.Background(), TicketTopic(1), Event{Kind: KindMessage, Data: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestRedisBusBreakerOpensAfterRepeatedFailures(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	bus := NewRedisBus(client, "echodesk:", zaptest.NewLogger(t))
	evt := Event{Kind: KindMessage, Data: json.RawMessage(`{}`)}
	for i := 0; i < 5; i++ {
		require.Error(t, bus.Publish(context.Background(), TicketTopic(1), evt))
	}

	err := bus.Publish(context.Background(), TicketTopic(1), evt)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
