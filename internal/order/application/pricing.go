package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eduflow/order-service/internal/order/domain"
)

// PricingValidator derives the charge amount from the catalog. A price in
// the client request is never consulted.
type PricingValidator struct {
	log     *slog.Logger
	catalog CourseCatalog
}

func NewPricingValidator(log *slog.Logger, catalog CourseCatalog) *PricingValidator {
	return &PricingValidator{log: log, catalog: catalog}
}

// Authorize resolves the course and its current price. Unpublished courses
// are indistinguishable from missing ones.
func (v *PricingValidator) Authorize(ctx context.Context, courseID string) (domain.Course, error) {
	course, err := v.catalog.GetCourse(ctx, courseID)
	if err != nil {
		return domain.Course{}, err
	}
	if !course.Published {
		return domain.Course{}, domain.ErrCourseNotFound
	}
	if course.Price.Cents <= 0 || course.Price.Currency == "" {
		v.log.Error("course has no sellable price", "course_id", courseID, "cents", course.Price.Cents)
		return domain.Course{}, fmt.Errorf("%w: course %s is not sellable", domain.ErrValidation, courseID)
	}
	return course, nil
}
