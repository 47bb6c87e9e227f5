package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/echodesk/internal/models"
)

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userColumns = `id, username, email, rol, password_hash, created_at`

// scanUser reads one users row. The role column is parsed here so the
// rest of the code only ever sees a valid models.Role.
func scanUser(row pgx.Row) (*models.User, error) {
	var (
		u    models.User
		role string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &role, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	r, err := models.ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", u.ID, err)
	}
	u.Role = r
	return &u, nil
}

func (s *UserStore) GetByID(ctx context.Context, userID int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetByUsername matches case-insensitively, the same way usernames are
// compared everywhere else in the helpdesk.
func (s *UserStore) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(username) = lower($1)`

	u, err := scanUser(s.pool.QueryRow(ctx, query, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

func (s *UserStore) ListByRole(ctx context.Context, role models.Role) ([]models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE rol = $1 ORDER BY id`

	rows, err := s.pool.Query(ctx, query, role.String())
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}
