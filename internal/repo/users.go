package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sensornet/auth-gateway/internal/model"
)

// PgUserRepository reads user accounts from PostgreSQL.
type PgUserRepository struct {
	pool *pgxpool.Pool
}

// NewPgUserRepository wraps a connection pool.
func NewPgUserRepository(pool *pgxpool.Pool) *PgUserRepository {
	return &PgUserRepository{pool: pool}
}

const selectUsers = `SELECT id, banned, billing_lockout FROM users`

// GetAllUsers fetches every user account.
func (r *PgUserRepository) GetAllUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx, selectUsers)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Banned, &u.BillingLockout); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}

	return users, nil
}

// GetUserByID fetches one user account; a missing row yields (nil, nil).
func (r *PgUserRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var u model.User

	row := r.pool.QueryRow(ctx, selectUsers+` WHERE id = $1`, id)
	if err := row.Scan(&u.ID, &u.Banned, &u.BillingLockout); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user %s: %w", id, err)
	}

	return &u, nil
}
