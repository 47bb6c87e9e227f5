// Package memory is an in-process implementation of every repository
// interface. Tests use it in place of Postgres; it follows the same
// not-found and ordering rules as the postgres package.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lalith-99/echodesk/internal/models"
	"github.com/lalith-99/echodesk/internal/repository"
)

// Store holds all tables behind one mutex.
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	nextID        int64
	users         map[int64]models.User
	tickets       map[int64]models.Ticket
	ticketMsgs    []models.TicketMessage
	conversations map[int64]models.Conversation
	chatMsgs      []models.ChatMessage
	notifications map[int64]models.Notification
}

func New() *Store {
	return &Store{
		now:           time.Now,
		users:         make(map[int64]models.User),
		tickets:       make(map[int64]models.Ticket),
		conversations: make(map[int64]models.Conversation),
		notifications: make(map[int64]models.Notification),
	}
}

// SetClock replaces the time source. Each call to the clock is one
// "creation instant", so tests can make ordering deterministic.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// AddUser inserts a user and returns it with its id populated.
func (s *Store) AddUser(u models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.id()
	} else if u.ID > s.nextID {
		s.nextID = u.ID
	}
	u.CreatedAt = s.now()
	s.users[u.ID] = u
	return u
}

// DeleteUser removes a user row, leaving tokens issued for it dangling.
func (s *Store) DeleteUser(userID int64) {
	s.mu.Lock()
	delete(s.users, userID)
	s.mu.Unlock()
}

// AddConversation inserts a conversation between a user and an agent.
func (s *Store) AddConversation(c models.Conversation) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	} else if c.ID > s.nextID {
		s.nextID = c.ID
	}
	now := s.now()
	c.CreatedAt, c.LastActivity = now, now
	s.conversations[c.ID] = c
	return c
}

// TicketMessages returns the stored lines of a ticket in creation order.
func (s *Store) TicketMessages(ticketID int64) []models.TicketMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TicketMessage
	for _, m := range s.ticketMsgs {
		if m.TicketID == ticketID {
			out = append(out, m)
		}
	}
	return out
}

// ChatMessages returns the stored lines of a conversation in creation order.
func (s *Store) ChatMessages(conversationID int64) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChatMessage
	for _, m := range s.chatMsgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

// Notification returns a stored notification by id, ignoring ownership.
func (s *Store) Notification(id int64) (models.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	return n, ok
}

// Users is the repository.UserRepository view of the store.
func (s *Store) Users() repository.UserRepository { return userRepo{s} }

// Tickets is the repository.TicketRepository view of the store.
func (s *Store) Tickets() repository.TicketRepository { return ticketRepo{s} }

// Conversations is the repository.ConversationRepository view of the store.
func (s *Store) Conversations() repository.ConversationRepository { return conversationRepo{s} }

// Notifications is the repository.NotificationRepository view of the store.
func (s *Store) Notifications() repository.NotificationRepository { return notificationRepo{s} }

type userRepo struct{ s *Store }

func (r userRepo) GetByID(_ context.Context, userID int64) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r userRepo) GetByUsername(_ context.Context, username string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if strings.EqualFold(u.Username, username) {
			return &u, nil
		}
	}
	return nil, nil
}

func (r userRepo) ListByRole(_ context.Context, role models.Role) ([]models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.User, 0)
	for _, u := range r.s.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type ticketRepo struct{ s *Store }

func (r ticketRepo) Create(_ context.Context, nt repository.NewTicket) (*models.Ticket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	priority := nt.Priority
	if priority == "" {
		priority = "Media"
	}
	t := models.Ticket{
		ID:          r.s.id(),
		OwnerID:     nt.OwnerID,
		AssigneeID:  nt.AssigneeID,
		Title:       nt.Title,
		Description: nt.Description,
		Category:    nt.Category,
		Priority:    priority,
		Status:      models.TicketStatusNew,
		CreatedAt:   r.s.now(),
	}
	r.s.tickets[t.ID] = t
	return &t, nil
}

func (r ticketRepo) GetByID(_ context.Context, ticketID int64) (*models.Ticket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tickets[ticketID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r ticketRepo) UpdateStatus(_ context.Context, ticketID int64, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t, ok := r.s.tickets[ticketID]; ok {
		t.Status = status
		r.s.tickets[ticketID] = t
	}
	return nil
}

func (r ticketRepo) LeastLoadedAgent(_ context.Context) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	load := make(map[int64]int)
	for _, t := range r.s.tickets {
		if t.AssigneeID != nil {
			load[*t.AssigneeID]++
		}
	}
	var best *models.User
	for _, u := range r.s.users {
		if u.Role != models.RoleAgent {
			continue
		}
		if best == nil || load[u.ID] < load[best.ID] || (load[u.ID] == load[best.ID] && u.ID < best.ID) {
			u := u
			best = &u
		}
	}
	return best, nil
}

func (r ticketRepo) CreateMessage(_ context.Context, ticketID int64, senderID *int64, text string, isAgent bool) (*models.TicketMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tickets[ticketID]; !ok {
		return nil, nil
	}
	m := models.TicketMessage{
		ID:        r.s.id(),
		TicketID:  ticketID,
		SenderID:  senderID,
		Text:      text,
		IsAgent:   isAgent,
		CreatedAt: r.s.now(),
	}
	r.s.ticketMsgs = append(r.s.ticketMsgs, m)
	return &m, nil
}

type conversationRepo struct{ s *Store }

func (r conversationRepo) GetByID(_ context.Context, conversationID int64) (*models.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r conversationRepo) ListIDsByUser(_ context.Context, userID int64) ([]int64, error) {
	return r.filter(func(c models.Conversation) bool { return c.UserID == userID }), nil
}

func (r conversationRepo) ListIDsByAgent(_ context.Context, agentID int64) ([]int64, error) {
	return r.filter(func(c models.Conversation) bool { return c.AgentID == agentID }), nil
}

func (r conversationRepo) ListAllIDs(_ context.Context) ([]int64, error) {
	return r.filter(func(models.Conversation) bool { return true }), nil
}

func (r conversationRepo) filter(keep func(models.Conversation) bool) []int64 {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids := make([]int64, 0)
	for _, c := range r.s.conversations {
		if keep(c) {
			ids = append(ids, c.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r conversationRepo) IsParticipant(_ context.Context, conversationID int64, userID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[conversationID]
	return ok && c.HasParticipant(userID), nil
}

func (r conversationRepo) CreateMessage(_ context.Context, conversationID int64, senderID *int64, text string, isAgent bool) (*models.ChatMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	now := r.s.now()
	c.LastActivity = now
	r.s.conversations[conversationID] = c

	m := models.ChatMessage{
		ID:             r.s.id(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		IsAgent:        isAgent,
		CreatedAt:      now,
	}
	r.s.chatMsgs = append(r.s.chatMsgs, m)
	return &m, nil
}

type notificationRepo struct{ s *Store }

func (r notificationRepo) Create(_ context.Context, nn repository.NewNotification) (*models.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	icon := nn.Icon
	if icon == "" {
		icon = "fa-bell"
	}
	data := nn.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	n := models.Notification{
		ID:          r.s.id(),
		RecipientID: nn.RecipientID,
		Type:        nn.Type,
		Title:       nn.Title,
		Body:        nn.Body,
		Icon:        icon,
		TicketID:    nn.TicketID,
		Data:        data,
		CreatedAt:   r.s.now(),
	}
	r.s.notifications[n.ID] = n
	return &n, nil
}

// newestFirst orders like the postgres store: created desc, then id desc.
func newestFirst(ns []models.Notification) {
	sort.Slice(ns, func(i, j int) bool {
		if !ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].CreatedAt.After(ns[j].CreatedAt)
		}
		return ns[i].ID > ns[j].ID
	})
}

func (r notificationRepo) ListUnread(_ context.Context, recipientID int64, limit int) ([]models.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.Notification, 0)
	for _, n := range r.s.notifications {
		if n.RecipientID == recipientID && !n.Read {
			out = append(out, n)
		}
	}
	newestFirst(out)
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r notificationRepo) ListByRecipient(_ context.Context, recipientID int64) ([]models.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.Notification, 0)
	for _, n := range r.s.notifications {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	newestFirst(out)
	return out, nil
}

func (r notificationRepo) MarkRead(_ context.Context, recipientID int64, notificationID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.notifications[notificationID]
	if !ok || n.RecipientID != recipientID {
		return false, nil
	}
	if !n.Read {
		now := r.s.now()
		n.Read = true
		n.ReadAt = &now
		r.s.notifications[notificationID] = n
	}
	return true, nil
}

func (r notificationRepo) MarkAllRead(_ context.Context, recipientID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var changed int64
	now := r.s.now()
	for id, n := range r.s.notifications {
		if n.RecipientID == recipientID && !n.Read {
			n.Read = true
			n.ReadAt = &now
			r.s.notifications[id] = n
			changed++
		}
	}
	return changed, nil
}

func (r notificationRepo) CountUnread(_ context.Context, recipientID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var count int64
	for _, n := range r.s.notifications {
		if n.RecipientID == recipientID && !n.Read {
			count++
		}
	}
	return count, nil
}
