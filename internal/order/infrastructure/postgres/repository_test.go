package postgres

import (
	"context"
	"log/slog"
	"testing"

	"github.com/eduflow/order-service/internal/order/application"
	"github.com/eduflow/order-service/internal/order/domain"
)

func TestConditionalTransitionRefusesIllegalEdge(t *testing.T) {
	// The guard fires before any query, so no pool is needed.
	repo := NewRepository(slog.New(slog.DiscardHandler), nil)

	cases := []struct {
		name     string
		expected domain.OrderStatus
		next     domain.OrderStatus
	}{
		{"pending to failed", domain.StatusPending, domain.StatusFailed},
		{"completed to cancelled", domain.StatusCompleted, domain.StatusCancelled},
		{"provisional to completed", domain.StatusProvisional, domain.StatusCompleted},
		{"cancelled to pending", domain.StatusCancelled, domain.StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, applied, err := repo.ConditionalTransition(context.Background(), application.Transition{
				ExternalOrderID: "EC-1",
				Expected:        tc.expected,
				NextOrder:       tc.next,
				NextPayment:     domain.PaymentFailed,
			})
			if err == nil {
				t.Fatalf("transition %s -> %s accepted", tc.expected, tc.next)
			}
			if applied {
				t.Error("illegal transition reported as applied")
			}
		})
	}
}
