package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lalith-99/echodesk/internal/models"
	"github.com/lalith-99/echodesk/internal/repository"
)

const (
	titleAssigned = "Nuevo Ticket Asignado"
	titleResponse = "Nueva Respuesta en Ticket"
	iconResponse  = "fa-envelope-open"
)

// TicketAssigned tells an agent a ticket was assigned to them.
func (b *Bridge) TicketAssigned(ctx context.Context, agentID int64, t *models.Ticket) (*models.Notification, error) {
	title := t.Title
	if title == "" {
		title = "Sin título"
	}
	ticketID := t.ID
	return b.Notify(ctx, repository.NewNotification{
		RecipientID: agentID,
		Type:        models.NotificationTicketAssigned,
		Title:       titleAssigned,
		Body:        fmt.Sprintf("Se te ha asignado un nuevo ticket: %q", title),
		TicketID:    &ticketID,
	})
}

// TicketResponse tells recipientID that someone replied on ticket t.
// byAgent selects the wording and the data key naming the author.
func (b *Bridge) TicketResponse(ctx context.Context, recipientID int64, t *models.Ticket, author string, byAgent bool) (*models.Notification, error) {
	ticketID := t.ID
	body := fmt.Sprintf("El usuario respondió al ticket: %q", t.Summary())
	data := map[string]any{"ticket_id": ticketID, "from_user": author}
	if byAgent {
		body = fmt.Sprintf("Un agente respondió a tu ticket: %q", t.Summary())
		data = map[string]any{"ticket_id": ticketID, "respondent": author}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode notification data: %w", err)
	}
	return b.Notify(ctx, repository.NewNotification{
		RecipientID: recipientID,
		Type:        models.NotificationTicketResponse,
		Title:       titleResponse,
		Body:        body,
		Icon:        iconResponse,
		TicketID:    &ticketID,
		Data:        raw,
	})
}
