package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/echodesk/internal/models"
)

type ConversationStore struct {
	pool *pgxpool.Pool
}

func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

func (s *ConversationStore) GetByID(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	query := `
		SELECT id, usuario_id, agente_id, ticket_id, fecha_creacion, ultima_actividad
		FROM conversations
		WHERE id = $1`

	var c models.Conversation
	err := s.pool.QueryRow(ctx, query, conversationID).Scan(
		&c.ID,
		&c.UserID,
		&c.AgentID,
		&c.TicketID,
		&c.CreatedAt,
		&c.LastActivity,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *ConversationStore) ListIDsByUser(ctx context.Context, userID int64) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM conversations WHERE usuario_id = $1 ORDER BY id`, userID)
}

func (s *ConversationStore) ListIDsByAgent(ctx context.Context, agentID int64) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM conversations WHERE agente_id = $1 ORDER BY id`, agentID)
}

func (s *ConversationStore) ListAllIDs(ctx context.Context) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM conversations ORDER BY id`)
}

func (s *ConversationStore) listIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan conversation ids: %w", err)
	}
	if ids == nil {
		ids = make([]int64, 0)
	}
	return ids, nil
}

func (s *ConversationStore) IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM conversations
			WHERE id = $1 AND (usuario_id = $2 OR agente_id = $2)
		)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, conversationID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists, nil
}

func (s *ConversationStore) CreateMessage(ctx context.Context, conversationID int64, senderID *int64, text string, isAgent bool) (*models.ChatMessage, error) {
	// Insert and bump last activity in one statement so the conversation
	// list ordering never lags behind its newest message.
	query := `
		WITH conv AS (
			UPDATE conversations SET ultima_actividad = now()
			WHERE id = $1
			RETURNING id
		)
		INSERT INTO chat_messages (conversacion_id, remitente_id, texto, es_agente, fecha)
		SELECT id, $2, $3, $4, now() FROM conv
		RETURNING id, conversacion_id, remitente_id, texto, es_agente, fecha`

	var m models.ChatMessage
	err := s.pool.QueryRow(ctx, query, conversationID, senderID, text, isAgent).Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Text,
		&m.IsAgent,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("insert chat message: %w", err)
	}
	return &m, nil
}
