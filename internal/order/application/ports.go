package application

import (
	"context"
	"time"

	"github.com/eduflow/order-service/internal/order/domain"
)

// Event is the outbox row written in the same transaction as the order
// mutation it describes.
type Event struct {
	Type        string
	Payload     []byte
	Headers     map[string]string
	Traceparent string
}

// Transition is the compare-and-swap primitive: applied only when the
// stored row still matches Expected, otherwise a no-op.
type Transition struct {
	ExternalOrderID string
	Expected        domain.OrderStatus
	NextOrder       domain.OrderStatus
	NextPayment     domain.PaymentStatus
	PayerID         string
	PaymentID       string
	Event           Event
}

type OrderRepository interface {
	// InsertProvisional reserves the local half of the two-phase create.
	InsertProvisional(ctx context.Context, o domain.Order) error
	// AttachExternalID flips PROVISIONAL -> PENDING and records the
	// gateway-assigned id. Fails with domain.ErrDuplicateExternalID if the
	// id is already bound to another order.
	AttachExternalID(ctx context.Context, orderID, externalOrderID string, evt Event) (domain.Order, error)
	// TouchProvisional bumps the replay attempt counter after a failed
	// reconcile pass.
	TouchProvisional(ctx context.Context, orderID, lastError string) error
	// MarkProvisionalFailed retires a provisional row the reconciler gave
	// up on.
	MarkProvisionalFailed(ctx context.Context, orderID, reason string, evt Event) error

	FindByID(ctx context.Context, id string) (domain.Order, error)
	FindByExternalID(ctx context.Context, externalOrderID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)

	// ConditionalTransition returns the row after the attempt and whether
	// this call applied the change. A missing row is domain.ErrOrderNotFound.
	ConditionalTransition(ctx context.Context, t Transition) (domain.Order, bool, error)

	ListProvisionalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
}

type PaymentIntent struct {
	ReferenceID    string
	Description    string
	Amount         domain.Money
	ReturnURL      string
	CancelURL      string
	IdempotencyKey string
}

type PaymentIntentResult struct {
	ExternalOrderID string
	ApprovalURL     string
}

type CaptureStatus string

const (
	CaptureCompleted CaptureStatus = "COMPLETED"
	CapturePending   CaptureStatus = "PENDING"
	CaptureDeclined  CaptureStatus = "DECLINED"
)

type CaptureResult struct {
	Status    CaptureStatus
	PayerID   string
	CaptureID string
}

// PaymentGateway is the boundary to the external provider. It never
// retries internally; retry policy belongs to the caller.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, intent PaymentIntent) (PaymentIntentResult, error)
	CapturePayment(ctx context.Context, externalOrderID string) (CaptureResult, error)
}

type CourseCatalog interface {
	GetCourse(ctx context.Context, courseID string) (domain.Course, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
}
