package fanout

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds as they appear in the "type" field on the wire.
const (
	KindMessage             = "message"
	KindNotification        = "notification"
	KindPendingNotification = "pending_notification"
	KindPong                = "pong"
)

// Event is one published fan-out payload. Data is the already-encoded
// client frame, so a publish to N subscribers marshals once, and the
// Redis bus can forward it untouched.
type Event struct {
	Kind string
	Data json.RawMessage
}

// NewEvent encodes frame as the event body.
func NewEvent(kind string, frame any) (Event, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", kind, err)
	}
	return Event{Kind: kind, Data: data}, nil
}

// ChatFrame is what chat clients receive for every message on a ticket or
// conversation topic. Exactly one of ConversationID/TicketID is set.
type ChatFrame struct {
	Type           string     `json:"type"`
	ConversationID int64      `json:"conversacionId,omitempty"`
	TicketID       int64      `json:"ticketId,omitempty"`
	Text           string     `json:"mensaje"`
	Sender         string     `json:"usuario"`
	IsAgent        bool       `json:"esAgente"`
	SentAt         *time.Time `json:"fecha"`
}

// NotificationFrame is the live push for a freshly recorded notification.
type NotificationFrame struct {
	Type     string `json:"type"`
	ID       int64  `json:"id"`
	Title    string `json:"titulo"`
	TicketID *int64 `json:"ticket_id"`
}

// PendingFrame wraps one unread notification replayed on connect.
type PendingFrame struct {
	Type         string              `json:"type"`
	Notification PendingNotification `json:"notification"`
}

type PendingNotification struct {
	ID       int64     `json:"id"`
	Type     string    `json:"tipo"`
	Title    string    `json:"titulo"`
	Body     string    `json:"mensaje"`
	Icon     string    `json:"icono"`
	TicketID *int64    `json:"ticket_id"`
	Created  time.Time `json:"creada"`
}

// PongFrame answers a client ping.
type PongFrame struct {
	Type string `json:"type"`
}
