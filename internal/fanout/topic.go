package fanout

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic names a fan-out channel. There are exactly three families:
//
//	ticket:<ticket_id>          everyone watching one ticket's chat
//	conversation:<conv_id>      both sides of a 1:1 chat
//	notifications:<user_id>     one user's private feed
//
// Topics exist implicitly: the first Subscribe creates one and it goes
// inert once its last member leaves.
type Topic string

// Family prefixes, also used as the metrics label.
const (
	FamilyTicket        = "ticket"
	FamilyConversation  = "conversation"
	FamilyNotifications = "notifications"
)

func TicketTopic(ticketID int64) Topic {
	return Topic(FamilyTicket + ":" + strconv.FormatInt(ticketID, 10))
}

func ConversationTopic(conversationID int64) Topic {
	return Topic(FamilyConversation + ":" + strconv.FormatInt(conversationID, 10))
}

func NotificationsTopic(userID int64) Topic {
	return Topic(FamilyNotifications + ":" + strconv.FormatInt(userID, 10))
}

// Family returns the part before the colon.
func (t Topic) Family() string {
	family, _, _ := strings.Cut(string(t), ":")
	return family
}

// ParseTopic validates a topic string received from outside the process
// (the Redis bus hands us raw channel names).
func ParseTopic(s string) (Topic, error) {
	family, id, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("topic %q: missing family", s)
	}
	switch family {
	case FamilyTicket, FamilyConversation, FamilyNotifications:
	default:
		return "", fmt.Errorf("topic %q: unknown family %q", s, family)
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", fmt.Errorf("topic %q: bad id: %w", s, err)
	}
	return Topic(s), nil
}
