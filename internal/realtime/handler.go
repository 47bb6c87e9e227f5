// Package realtime is the websocket surface: handshake authentication,
// per-connection state, and the three handler variants (ticket chat,
// general chat, notifications) that sit on top of the fan-out bus.
package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/observ"
	"go.uber.org/zap"
)

var (
	// ErrRejected refuses the handshake with 403.
	ErrRejected = errors.New("connection rejected")
	// ErrBadRoute refuses the handshake with 404 (malformed path parameter).
	ErrBadRoute = errors.New("bad route parameter")
)

// Handler is one websocket endpoint's behaviour.
//
// Connect runs before the upgrade: it decides whether to accept and which
// topics to join. Returning ErrRejected or ErrBadRoute refuses the
// handshake; any other error is treated as a server failure. Opened runs
// once after the upgrade, before the first inbound frame is read. Receive
// runs for each inbound text frame, in order, on the connection's read
// goroutine.
//
// Teardown is not part of the interface: Conn.Close leaves every joined
// topic for all variants alike.
type Handler interface {
	Variant() string
	Connect(ctx context.Context, c *Conn) error
	Opened(ctx context.Context, c *Conn)
	Receive(ctx context.Context, c *Conn, data []byte)
}

// publish sends evt to topic and swallows the error. The caller has
// already persisted whatever the event describes.
func publish(ctx context.Context, c *Conn, topic fanout.Topic, kind string, frame any) {
	evt, err := fanout.NewEvent(kind, frame)
	if err == nil {
		err = c.Publish(ctx, topic, evt)
	}
	if err != nil {
		observ.FanoutFailures.WithLabelValues(topic.Family()).Inc()
		c.Logger().Warn("publish failed; message is stored",
			zap.String("topic", string(topic)),
			zap.Error(err),
		)
	}
}

// inboundChat is a chat frame from a client. ConversationID is only used
// by general chat.
type inboundChat struct {
	ConversationID int64
	Text           string
	IsAgent        bool
}

type chatFrame struct {
	ConversationID json.RawMessage `json:"conversacionId"`
	Text           string          `json:"mensaje"`
	IsAgent        json.RawMessage `json:"esAgente"`
}

// decodeChat parses a chat frame. Only mensaje has to be a string: an id
// sent as "7" is read as 7, an unreadable id as 0, and an esAgente that
// is not a boolean as false.
func decodeChat(data []byte) (inboundChat, error) {
	var raw chatFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return inboundChat{}, err
	}
	in := inboundChat{Text: raw.Text}
	in.ConversationID, _ = parseID(raw.ConversationID)
	if len(raw.IsAgent) > 0 {
		_ = json.Unmarshal(raw.IsAgent, &in.IsAgent)
	}
	return in, nil
}

// parseID reads an integer id given as a JSON number or a numeric string.
func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	id, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return id, true
}
