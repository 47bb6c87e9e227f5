package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/echodesk/internal/models"
	"github.com/lalith-99/echodesk/internal/repository"
)

type TicketStore struct {
	pool *pgxpool.Pool
}

func NewTicketStore(pool *pgxpool.Pool) *TicketStore {
	return &TicketStore{pool: pool}
}

const ticketColumns = `id, user_id, assignee_id, titulo, descripcion, categoria, prioridad, estado, fecha`

func scanTicket(row pgx.Row) (*models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.AssigneeID,
		&t.Title,
		&t.Description,
		&t.Category,
		&t.Priority,
		&t.Status,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TicketStore) Create(ctx context.Context, nt repository.NewTicket) (*models.Ticket, error) {
	priority := nt.Priority
	if priority == "" {
		priority = "Media"
	}
	query := `
		INSERT INTO tickets (user_id, assignee_id, titulo, descripcion, categoria, prioridad, estado, fecha)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING ` + ticketColumns

	t, err := scanTicket(s.pool.QueryRow(ctx, query,
		nt.OwnerID, nt.AssigneeID, nt.Title, nt.Description, nt.Category, priority, models.TicketStatusNew,
	))
	if err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	return t, nil
}

func (s *TicketStore) GetByID(ctx context.Context, ticketID int64) (*models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`

	t, err := scanTicket(s.pool.QueryRow(ctx, query, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

func (s *TicketStore) UpdateStatus(ctx context.Context, ticketID int64, status string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tickets SET estado = $2 WHERE id = $1`, ticketID, status)
	if err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	return nil
}

func (s *TicketStore) LeastLoadedAgent(ctx context.Context) (*models.User, error) {
	// LEFT JOIN so agents with zero tickets count as 0 and win.
	query := `
		SELECT u.id, u.username, u.email, u.rol, u.password_hash, u.created_at
		FROM users u
		LEFT JOIN tickets t ON t.assignee_id = u.id
		WHERE u.rol = 'agente'
		GROUP BY u.id
		ORDER BY count(t.id) ASC, u.id ASC
		LIMIT 1`

	u, err := scanUser(s.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("least loaded agent: %w", err)
	}
	return u, nil
}

func (s *TicketStore) CreateMessage(ctx context.Context, ticketID int64, senderID *int64, text string, isAgent bool) (*models.TicketMessage, error) {
	// INSERT ... SELECT FROM tickets turns a missing parent into zero
	// rows instead of a foreign-key error, so not-found stays (nil, nil).
	query := `
		INSERT INTO ticket_messages (ticket_id, usuario_id, texto, es_agente, fecha)
		SELECT id, $2, $3, $4, now() FROM tickets WHERE id = $1
		RETURNING id, ticket_id, usuario_id, texto, es_agente, fecha`

	var m models.TicketMessage
	err := s.pool.QueryRow(ctx, query, ticketID, senderID, text, isAgent).Scan(
		&m.ID,
		&m.TicketID,
		&m.SenderID,
		&m.Text,
		&m.IsAgent,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("insert ticket message: %w", err)
	}
	return &m, nil
}
