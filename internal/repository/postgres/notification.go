package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/echodesk/internal/models"
	"github.com/lalith-99/echodesk/internal/repository"
)

type NotificationStore struct {
	pool *pgxpool.Pool
}

func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

const notificationColumns = `id, recipient_id, tipo, titulo, mensaje, icono, leida, ticket_id, data_json, creada, leida_en`

func scanNotification(row pgx.Row) (*models.Notification, error) {
	var n models.Notification
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.Type,
		&n.Title,
		&n.Body,
		&n.Icon,
		&n.Read,
		&n.TicketID,
		&n.Data,
		&n.CreatedAt,
		&n.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *NotificationStore) Create(ctx context.Context, nn repository.NewNotification) (*models.Notification, error) {
	icon := nn.Icon
	if icon == "" {
		icon = "fa-bell"
	}
	data := nn.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO notifications (recipient_id, tipo, titulo, mensaje, icono, ticket_id, data_json, creada)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING ` + notificationColumns

	n, err := scanNotification(s.pool.QueryRow(ctx, query,
		nn.RecipientID, nn.Type, nn.Title, nn.Body, icon, nn.TicketID, data,
	))
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

func (s *NotificationStore) ListUnread(ctx context.Context, recipientID int64, limit int) ([]models.Notification, error) {
	// id breaks ties between rows created in the same transaction.
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1 AND NOT leida
		ORDER BY creada DESC, id DESC
		LIMIT $2`
	return s.list(ctx, query, recipientID, limit)
}

func (s *NotificationStore) ListByRecipient(ctx context.Context, recipientID int64) ([]models.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY creada DESC, id DESC`
	return s.list(ctx, query, recipientID)
}

func (s *NotificationStore) list(ctx context.Context, query string, args ...any) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func (s *NotificationStore) MarkRead(ctx context.Context, recipientID int64, notificationID int64) (bool, error) {
	// recipient_id is part of the WHERE clause: a foreign id matches zero
	// rows, which is indistinguishable from a missing one.
	query := `
		UPDATE notifications
		SET leida = true, leida_en = COALESCE(leida_en, now())
		WHERE id = $1 AND recipient_id = $2`

	tag, err := s.pool.Exec(ctx, query, notificationID, recipientID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *NotificationStore) MarkAllRead(ctx context.Context, recipientID int64) (int64, error) {
	query := `
		UPDATE notifications
		SET leida = true, leida_en = now()
		WHERE recipient_id = $1 AND NOT leida`

	tag, err := s.pool.Exec(ctx, query, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *NotificationStore) CountUnread(ctx context.Context, recipientID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM notifications WHERE recipient_id = $1 AND NOT leida`,
		recipientID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}
