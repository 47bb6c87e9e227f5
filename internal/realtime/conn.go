package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/models"
	"go.uber.org/zap"
)

var (
	// errConnClosed is returned by Push after teardown.
	errConnClosed = errors.New("connection closed")
	// errSendBufferFull is returned by Push when the client is not keeping up.
	errSendBufferFull = errors.New("send buffer full")
)

// Conn is the server side of one client connection: its identity, the
// topics it joined, and the outbound queue drained by the write pump.
//
// Conn is a fanout.Subscriber. Once Close returns it refuses every
// delivery, which closes the publish/unsubscribe race from this side: a
// publish that snapshotted the member set before teardown finds a closed
// Conn and drops the event.
type Conn struct {
	ID       uuid.UUID
	Identity models.Identity
	Variant  string

	params gin.Params
	bus    fanout.Bus
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[fanout.Topic]struct{}
	send   chan []byte
	closed bool
}

func newConn(id models.Identity, variant string, params gin.Params, bus fanout.Bus, sendBuffer int, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	connID := uuid.New()
	return &Conn{
		ID:       connID,
		Identity: id,
		Variant:  variant,
		params:   params,
		bus:      bus,
		log: log.With(
			zap.String("conn_id", connID.String()),
			zap.String("variant", variant),
			zap.Int64("user_id", id.UserID),
		),
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[fanout.Topic]struct{}),
		send:   make(chan []byte, sendBuffer),
	}
}

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Logger is tagged with the connection id, variant and user id.
func (c *Conn) Logger() *zap.Logger { return c.log }

// Param returns a route parameter from the handshake URL.
func (c *Conn) Param(name string) string { return c.params.ByName(name) }

// Join subscribes the connection to topic. Joining twice is a no-op;
// joining after Close does nothing and reports false.
func (c *Conn) Join(topic fanout.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.topics[topic]; ok {
		return true
	}
	c.topics[topic] = struct{}{}
	c.bus.Subscribe(topic, c)
	return true
}

// Joined reports whether the connection is subscribed to topic.
func (c *Conn) Joined(topic fanout.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// Topics returns the joined topics in no particular order.
func (c *Conn) Topics() []fanout.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fanout.Topic, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// Publish sends evt to every member of topic through the shared bus.
func (c *Conn) Publish(ctx context.Context, topic fanout.Topic, evt fanout.Event) error {
	return c.bus.Publish(ctx, topic, evt)
}

// Deliver implements fanout.Subscriber. It never blocks: a full queue
// drops the event for this client only.
func (c *Conn) Deliver(topic fanout.Topic, evt fanout.Event) bool {
	if err := c.enqueue(evt.Data); err != nil {
		c.log.Debug("dropping event", zap.String("topic", string(topic)), zap.String("kind", evt.Kind), zap.Error(err))
		return false
	}
	return true
}

// Push sends a frame to this client only.
func (c *Conn) Push(kind string, frame any) error {
	evt, err := fanout.NewEvent(kind, frame)
	if err != nil {
		return err
	}
	if err := c.enqueue(evt.Data); err != nil {
		return fmt.Errorf("push %s: %w", kind, err)
	}
	return nil
}

func (c *Conn) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Closed reports whether teardown has run.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close unsubscribes from every joined topic, ends the outbound queue and
// cancels the connection context. Safe to call more than once and from
// any goroutine; calls after the first do nothing.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for topic := range c.topics {
		c.bus.Unsubscribe(topic, c)
	}
	close(c.send)
	c.cancel()
}
