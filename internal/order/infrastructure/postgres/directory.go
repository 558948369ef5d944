package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eduflow/order-service/internal/order/domain"
)

// Directory resolves buyers. Registration and auth live elsewhere.
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	err := d.pool.QueryRow(ctx, `SELECT id, user_name, user_email FROM users WHERE id=$1`, userID).
		Scan(&u.ID, &u.Name, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}
