package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is the closed set of account kinds. Every switch over Role must
// name all three cases; an unknown role string never reaches this type
// because ParseRole rejects it at the boundary.
//
// Why an int-backed type and not the raw "admin"/"agente"/"usuario" strings?
//   - The stored strings are a persistence detail. Code that branches on
//     roles compares typed constants, so a typo is a compile error instead
//     of a silently empty result.
type Role int

const (
	RoleUser Role = iota + 1
	RoleAgent
	RoleAdmin
)

// ParseRole maps the stored role column to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "usuario":
		return RoleUser, nil
	case "agente":
		return RoleAgent, nil
	case "admin":
		return RoleAdmin, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// String returns the stored form of the role.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "usuario"
	case RoleAgent:
		return "agente"
	case RoleAdmin:
		return "admin"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// User is an account row. PasswordHash never leaves the server.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         Role      `json:"rol"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is who a connection or request acts as. It is resolved once
// (at handshake or per HTTP request) and never mutated afterwards, so a
// role change only takes effect on the next connection.
type Identity struct {
	UserID        int64
	Username      string
	Role          Role
	Authenticated bool
}

// Anonymous is the identity used when no valid credential was presented.
var Anonymous = Identity{Username: "anon"}

// IdentityOf builds the authenticated identity for a user record.
func IdentityOf(u *User) Identity {
	return Identity{
		UserID:        u.ID,
		Username:      u.Username,
		Role:          u.Role,
		Authenticated: true,
	}
}

// DisplayName is what chat frames show as the sender.
func (i Identity) DisplayName() string {
	if !i.Authenticated || i.Username == "" {
		return "anon"
	}
	return i.Username
}

// Ticket statuses used by the response flow.
const (
	TicketStatusNew        = "Nuevo"
	TicketStatusInProgress = "En Proceso"
	TicketStatusClosed     = "Cerrado"
)

// Ticket is a support request filed by a user.
//
// AssigneeID is nil until an agent has been picked. Status is free text
// owned by the ticket lifecycle; the real-time layer never checks it.
type Ticket struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"user_id"`
	AssigneeID  *int64    `json:"assignee_id"`
	Title       string    `json:"titulo"`
	Description string    `json:"descripcion"`
	Category    string    `json:"categoria"`
	Priority    string    `json:"prioridad"`
	Status      string    `json:"estado"`
	CreatedAt   time.Time `json:"fecha"`
}

// Summary is the text notifications use to refer to the ticket.
func (t *Ticket) Summary() string {
	if t.Title != "" {
		return t.Title
	}
	// Counted in characters: a byte cut can split a multi-byte rune, and
	// Postgres rejects invalid UTF-8 in the notification body.
	if r := []rune(t.Description); len(r) > 100 {
		return string(r[:100])
	}
	return t.Description
}

// Conversation is a 1:1 chat outside of any ticket. UserID is the
// requesting side, AgentID the side that serves it.
type Conversation struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"usuario_id"`
	AgentID      int64     `json:"agente_id"`
	TicketID     *int64    `json:"ticket_id"`
	CreatedAt    time.Time `json:"fecha_creacion"`
	LastActivity time.Time `json:"ultima_actividad"`
}

// HasParticipant reports whether userID is one of the two sides.
func (c *Conversation) HasParticipant(userID int64) bool {
	return userID != 0 && (c.UserID == userID || c.AgentID == userID)
}

// TicketMessage is one chat line attached to a ticket.
// SenderID is nil for anonymous senders.
type TicketMessage struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticket_id"`
	SenderID  *int64    `json:"usuario_id"`
	Text      string    `json:"texto"`
	IsAgent   bool      `json:"es_agente"`
	CreatedAt time.Time `json:"fecha"`
}

// ChatMessage is one line in a Conversation.
type ChatMessage struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversacion_id"`
	SenderID       *int64    `json:"remitente_id"`
	Text           string    `json:"texto"`
	IsAgent        bool      `json:"es_agente"`
	CreatedAt      time.Time `json:"fecha"`
}

// Notification kinds.
const (
	NotificationTicketAssigned = "ticket_assigned"
	NotificationTicketResponse = "ticket_response"
	NotificationTicketClosed   = "ticket_closed"
	NotificationUserRegistered = "user_registered"
)

// Notification is a durable message for one recipient. Only Read and
// ReadAt ever change after creation.
type Notification struct {
	ID          int64           `json:"id"`
	RecipientID int64           `json:"recipient_id"`
	Type        string          `json:"tipo"`
	Title       string          `json:"titulo"`
	Body        string          `json:"mensaje"`
	Icon        string          `json:"icono"`
	Read        bool            `json:"leida"`
	TicketID    *int64          `json:"ticket_id"`
	Data        json.RawMessage `json:"data_json"`
	CreatedAt   time.Time       `json:"creada"`
	ReadAt      *time.Time      `json:"leida_en"`
}
