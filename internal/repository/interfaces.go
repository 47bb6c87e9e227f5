package repository

import (
	"context"
	"encoding/json"

	"github.com/lalith-99/echodesk/internal/models"
)

// Every method takes context.Context first: these all do I/O, and the
// caller's context carries cancellation down to the driver.
//
// Not-found convention: single-row lookups return (nil, nil) when the row
// does not exist. Callers translate that to a 404 or a silent no-op; only
// real storage failures come back as errors.

// UserRepository handles account lookups.
type UserRepository interface {
	// GetByID is the lookup the token verifier uses after parsing a token.
	GetByID(ctx context.Context, userID int64) (*models.User, error)

	// GetByUsername is used for login.
	GetByUsername(ctx context.Context, username string) (*models.User, error)

	// ListByRole returns every user with the role, ordered by id.
	ListByRole(ctx context.Context, role models.Role) ([]models.User, error)
}

// NewTicket is the caller-controlled part of a ticket row.
type NewTicket struct {
	OwnerID     int64
	AssigneeID  *int64
	Title       string
	Description string
	Category    string
	Priority    string
}

// TicketRepository is the narrow slice of ticket persistence the
// messaging layer needs.
type TicketRepository interface {
	Create(ctx context.Context, t NewTicket) (*models.Ticket, error)

	GetByID(ctx context.Context, ticketID int64) (*models.Ticket, error)

	// UpdateStatus is a no-op when the ticket does not exist.
	UpdateStatus(ctx context.Context, ticketID int64, status string) error

	// LeastLoadedAgent returns the agent with the fewest assigned tickets,
	// lowest id first on ties. Returns nil, nil when there are no agents.
	LeastLoadedAgent(ctx context.Context) (*models.User, error)

	// CreateMessage appends a chat line to a ticket. senderID is nil for
	// anonymous senders. Returns nil, nil when the ticket does not exist.
	CreateMessage(ctx context.Context, ticketID int64, senderID *int64, text string, isAgent bool) (*models.TicketMessage, error)
}

// ConversationRepository covers 1:1 chats.
type ConversationRepository interface {
	GetByID(ctx context.Context, conversationID int64) (*models.Conversation, error)

	// ListIDsByUser returns conversations where userID is the requesting side.
	ListIDsByUser(ctx context.Context, userID int64) ([]int64, error)

	// ListIDsByAgent returns conversations where agentID is the serving side.
	ListIDsByAgent(ctx context.Context, agentID int64) ([]int64, error)

	// ListAllIDs returns every conversation (admin view).
	ListAllIDs(ctx context.Context) ([]int64, error)

	// IsParticipant is the hot-path check run before every inbound chat
	// message is accepted.
	IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error)

	// CreateMessage persists a line and bumps the conversation's last
	// activity. Returns nil, nil when the conversation does not exist.
	CreateMessage(ctx context.Context, conversationID int64, senderID *int64, text string, isAgent bool) (*models.ChatMessage, error)
}

// NewNotification is what a producer supplies; the store assigns id,
// created_at and read state.
type NewNotification struct {
	RecipientID int64
	Type        string
	Title       string
	Body        string
	Icon        string
	TicketID    *int64
	Data        json.RawMessage
}

// NotificationRepository is the durable side of the notification bridge.
type NotificationRepository interface {
	Create(ctx context.Context, n NewNotification) (*models.Notification, error)

	// ListUnread returns unread notifications for the recipient, newest
	// first, at most limit rows.
	ListUnread(ctx context.Context, recipientID int64, limit int) ([]models.Notification, error)

	// ListByRecipient returns all of the recipient's notifications, newest first.
	ListByRecipient(ctx context.Context, recipientID int64) ([]models.Notification, error)

	// MarkRead flips read=true only when the notification belongs to the
	// recipient. Reports whether a row matched; an already-read row still
	// matches and keeps its original read_at.
	MarkRead(ctx context.Context, recipientID int64, notificationID int64) (bool, error)

	// MarkAllRead marks every unread notification of the recipient and
	// returns how many changed.
	MarkAllRead(ctx context.Context, recipientID int64) (int64, error)

	CountUnread(ctx context.Context, recipientID int64) (int64, error)
}
