package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eduflow/order-service/internal/order/domain"
)

// Catalog is the read side of the course collaborator. Catalog CRUD lives
// elsewhere; this only resolves prices and titles for checkout.
type Catalog struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewCatalog(log *slog.Logger, pool *pgxpool.Pool) *Catalog {
	return &Catalog{log: log, pool: pool}
}

func (c *Catalog) GetCourse(ctx context.Context, courseID string) (domain.Course, error) {
	var course domain.Course
	err := c.pool.QueryRow(ctx, `SELECT id, title_en, title_ar, image, instructor_id, instructor_name,
			price_cents, currency, published
		FROM courses WHERE id=$1`, courseID).
		Scan(&course.ID, &course.Title.En, &course.Title.Ar, &course.Image,
			&course.InstructorID, &course.InstructorName,
			&course.Price.Cents, &course.Price.Currency, &course.Published)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Course{}, domain.ErrCourseNotFound
	}
	if err != nil {
		return domain.Course{}, err
	}
	return course, nil
}
