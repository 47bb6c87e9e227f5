package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/middleware"
	"github.com/lalith-99/echodesk/internal/models"
	"github.com/lalith-99/echodesk/internal/notify"
	"github.com/lalith-99/echodesk/internal/repository"
	"go.uber.org/zap"
)

// TicketHandler covers the two ticket operations that produce
// notifications: opening a ticket and replying to one.
type TicketHandler struct {
	tickets repository.TicketRepository
	users   repository.UserRepository
	bridge  *notify.Bridge
	bus     fanout.Publisher
	logger  *zap.Logger
}

func NewTicketHandler(
	tickets repository.TicketRepository,
	users repository.UserRepository,
	bridge *notify.Bridge,
	bus fanout.Publisher,
	logger *zap.Logger,
) *TicketHandler {
	return &TicketHandler{
		tickets: tickets,
		users:   users,
		bridge:  bridge,
		bus:     bus,
		logger:  logger,
	}
}

type createTicketRequest struct {
	Title       string `json:"titulo" binding:"required"`
	Description string `json:"descripcion"`
	Category    string `json:"categoria"`
	Priority    string `json:"prioridad"`
}

// Create handles POST /v1/tickets
//
// Flow:
//  1. Pick the agent with the fewest assigned tickets (may be none)
//  2. Store the ticket, already assigned
//  3. Notify the agent
//
// A failure in step 3 is logged only. The ticket exists either way, and
// the agent will see it in their queue.
func (h *TicketHandler) Create(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// binding:"required" lets "   " through.
	title := strings.TrimSpace(req.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "titulo must not be empty"})
		return
	}
	ctx := c.Request.Context()

	agent, err := h.tickets.LeastLoadedAgent(ctx)
	if err != nil {
		h.logger.Error("failed to pick agent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create ticket"})
		return
	}
	var assignee *int64
	if agent != nil {
		id := agent.ID
		assignee = &id
	}

	ticket, err := h.tickets.Create(ctx, repository.NewTicket{
		OwnerID:     middleware.GetUserID(c),
		AssigneeID:  assignee,
		Title:       title,
		Description: req.Description,
		Category:    req.Category,
		Priority:    req.Priority,
	})
	if err != nil {
		h.logger.Error("failed to create ticket", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create ticket"})
		return
	}

	if assignee != nil {
		if _, err := h.bridge.TicketAssigned(ctx, *assignee, ticket); err != nil {
			h.logger.Error("failed to notify assigned agent",
				zap.Int64("ticket_id", ticket.ID),
				zap.Int64("agent_id", *assignee),
				zap.Error(err),
			)
		}
	} else {
		h.logger.Warn("no agents available; ticket left unassigned", zap.Int64("ticket_id", ticket.ID))
	}

	c.JSON(http.StatusCreated, ticket)
}

type respondRequest struct {
	Text string `json:"mensaje" binding:"required"`
}

// Respond handles POST /v1/tickets/:id/responses
//
// Who gets notified depends on who wrote:
//   - agent or admin: the ticket owner, and a "Nuevo" ticket moves to
//     "En Proceso"
//   - the owner: the assigned agent, or every agent if nobody is assigned
//
// The reply is also published on the ticket's chat topic so anyone with
// the ticket open sees it live.
func (h *TicketHandler) Respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message must not be empty"})
		return
	}
	ticketID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || ticketID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket ID"})
		return
	}

	ctx := c.Request.Context()
	id := middleware.GetIdentity(c)

	ticket, err := h.tickets.GetByID(ctx, ticketID)
	if err != nil {
		h.logger.Error("failed to load ticket", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to respond"})
		return
	}
	if ticket == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		return
	}

	isOwner := ticket.OwnerID == id.UserID
	isAssignee := ticket.AssigneeID != nil && *ticket.AssigneeID == id.UserID
	if !isOwner && !isAssignee && id.Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed to respond to this ticket"})
		return
	}
	byAgent := id.Role != models.RoleUser && !isOwner

	senderID := id.UserID
	msg, err := h.tickets.CreateMessage(ctx, ticketID, &senderID, text, byAgent)
	if err != nil {
		h.logger.Error("failed to store response", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to respond"})
		return
	}
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		return
	}

	if byAgent && ticket.Status == models.TicketStatusNew {
		if err := h.tickets.UpdateStatus(ctx, ticketID, models.TicketStatusInProgress); err != nil {
			h.logger.Error("failed to move ticket to in-progress", zap.Int64("ticket_id", ticketID), zap.Error(err))
		} else {
			ticket.Status = models.TicketStatusInProgress
		}
	}

	h.notifyResponse(c, ticket, id, byAgent)

	sentAt := msg.CreatedAt
	publishBestEffort(ctx, h.bus, fanout.TicketTopic(ticketID), fanout.ChatFrame{
		Type:     fanout.KindMessage,
		TicketID: ticketID,
		Text:     msg.Text,
		Sender:   id.DisplayName(),
		IsAgent:  msg.IsAgent,
		SentAt:   &sentAt,
	}, h.logger)

	c.JSON(http.StatusCreated, msg)
}

func (h *TicketHandler) notifyResponse(c *gin.Context, ticket *models.Ticket, author models.Identity, byAgent bool) {
	ctx := c.Request.Context()

	var recipients []int64
	switch {
	case byAgent:
		recipients = []int64{ticket.OwnerID}
	case ticket.AssigneeID != nil:
		recipients = []int64{*ticket.AssigneeID}
	default:
		agents, err := h.users.ListByRole(ctx, models.RoleAgent)
		if err != nil {
			h.logger.Error("failed to list agents", zap.Int64("ticket_id", ticket.ID), zap.Error(err))
			return
		}
		for _, a := range agents {
			recipients = append(recipients, a.ID)
		}
	}

	for _, rid := range recipients {
		if rid == author.UserID {
			continue
		}
		if _, err := h.bridge.TicketResponse(ctx, rid, ticket, author.Username, byAgent); err != nil {
			h.logger.Error("failed to notify ticket response",
				zap.Int64("ticket_id", ticket.ID),
				zap.Int64("recipient_id", rid),
				zap.Error(err),
			)
		}
	}
}
