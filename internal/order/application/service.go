package application

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/eduflow/order-service/internal/order/domain"
	"github.com/eduflow/order-service/pkg/tracing"
)

// Service coordinates the payment-backed order lifecycle: the two-phase
// create against the gateway and the exactly-once capture settlement.
type Service struct {
	log     *slog.Logger
	repo    OrderRepository
	gateway PaymentGateway
	pricing *PricingValidator
	users   UserDirectory

	// publicDomain is the base URL the gateway redirects back to.
	publicDomain string
}

func NewService(log *slog.Logger, repo OrderRepository, gateway PaymentGateway, pricing *PricingValidator, users UserDirectory, publicDomain string) *Service {
	return &Service{
		log:          log,
		repo:         repo,
		gateway:      gateway,
		pricing:      pricing,
		users:        users,
		publicDomain: publicDomain,
	}
}

type CreateOrderResult struct {
	OrderID     string
	ApprovalURL string
}

type CaptureOutcome struct {
	Success          bool
	AlreadyProcessed bool
	Status           string
	Order            domain.Order
}

// CreateOrder resolves the buyer and the authoritative price, reserves a
// provisional row, asks the gateway for a payment intent and only then
// promotes the row to PENDING with the gateway-assigned id. A transient
// gateway failure leaves the provisional row behind for the reconciler.
func (s *Service) CreateOrder(ctx context.Context, userID, courseID, lang string) (CreateOrderResult, error) {
	if lang != "ar" {
		lang = "en"
	}
	if userID == "" || courseID == "" {
		return CreateOrderResult{}, domain.ErrValidation
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return CreateOrderResult{}, err
	}
	course, err := s.pricing.Authorize(ctx, courseID)
	if err != nil {
		return CreateOrderResult{}, err
	}

	o := domain.NewProvisionalOrder(uuid.NewString(), uuid.NewString(), user, course)
	if err := s.repo.InsertProvisional(ctx, o); err != nil {
		return CreateOrderResult{}, err
	}

	res, err := s.gateway.CreatePaymentIntent(ctx, PaymentIntent{
		ReferenceID:    course.ID,
		Description:    course.Title.Pick(lang),
		Amount:         course.Price,
		ReturnURL:      s.publicDomain + "/payment-return",
		CancelURL:      s.publicDomain + "/payment-cancel",
		IdempotencyKey: o.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, domain.ErrGatewayRejected) || errors.Is(err, domain.ErrMalformedResponse) {
			// Permanent: the replay would fail the same way.
			evt := s.event(ctx, domain.EventOrderFailed, domain.OrderFailed{OrderID: o.ID, Reason: err.Error()})
			if ferr := s.repo.MarkProvisionalFailed(ctx, o.ID, err.Error(), evt); ferr != nil {
				s.log.Error("mark provisional failed", "order_id", o.ID, "err", ferr)
			}
			return CreateOrderResult{}, err
		}
		// Transient: the reconciler replays the create with the stored
		// idempotency key.
		s.log.Warn("gateway create failed, provisional row kept", "order_id", o.ID, "err", err)
		return CreateOrderResult{}, err
	}

	evt := s.event(ctx, domain.EventOrderCreated, domain.OrderCreated{
		OrderID:         o.ID,
		ExternalOrderID: res.ExternalOrderID,
		UserID:          o.UserID,
		CourseID:        o.CourseID,
		CourseTitle:     o.CourseTitle,
		AmountCents:     o.Amount.Cents,
		Currency:        o.Amount.Currency,
	})
	if _, err := s.repo.AttachExternalID(ctx, o.ID, res.ExternalOrderID, evt); err != nil {
		return CreateOrderResult{}, err
	}

	s.log.Info("order created", "order_id", o.ID, "external_order_id", res.ExternalOrderID, "amount_cents", o.Amount.Cents)
	return CreateOrderResult{OrderID: o.ID, ApprovalURL: res.ApprovalURL}, nil
}

// CaptureOrder settles an approved payment. The only mutation is the
// conditional PENDING -> COMPLETED/PAID transition, so racing callbacks
// collapse to one applied change and the rest report alreadyProcessed.
func (s *Service) CaptureOrder(ctx context.Context, externalOrderID, payerID string) (CaptureOutcome, error) {
	if externalOrderID == "" {
		return CaptureOutcome{}, domain.ErrValidation
	}

	res, err := s.gateway.CapturePayment(ctx, externalOrderID)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyCaptured) {
			// The provider settled this payment earlier; fall through to the
			// idempotent transition.
			res = CaptureResult{Status: CaptureCompleted}
		} else {
			s.log.Error("gateway capture failed", "external_order_id", externalOrderID, "err", err)
			return CaptureOutcome{}, err
		}
	}

	if res.Status != CaptureCompleted {
		// Order stays PENDING; the user can retry from the approval flow.
		return CaptureOutcome{Success: false, Status: string(res.Status)}, nil
	}

	ord, err := s.repo.FindByExternalID(ctx, externalOrderID)
	if err != nil {
		return CaptureOutcome{}, err
	}

	payer := res.PayerID
	if payer == "" {
		payer = payerID
	}

	evt := s.event(ctx, domain.EventOrderCompleted, domain.OrderCompleted{
		OrderID:         ord.ID,
		ExternalOrderID: externalOrderID,
		UserID:          ord.UserID,
		CourseID:        ord.CourseID,
		InstructorID:    ord.InstructorID,
		PayerID:         payer,
		PaymentID:       res.CaptureID,
		AmountCents:     ord.Amount.Cents,
		Currency:        ord.Amount.Currency,
	})

	updated, applied, err := s.repo.ConditionalTransition(ctx, Transition{
		ExternalOrderID: externalOrderID,
		Expected:        domain.StatusPending,
		NextOrder:       domain.StatusCompleted,
		NextPayment:     domain.PaymentPaid,
		PayerID:         payer,
		PaymentID:       res.CaptureID,
		Event:           evt,
	})
	if err != nil {
		return CaptureOutcome{}, err
	}
	if !applied {
		s.log.Info("capture already processed", "external_order_id", externalOrderID)
		return CaptureOutcome{Success: true, AlreadyProcessed: true, Status: string(CaptureCompleted), Order: updated}, nil
	}

	s.log.Info("order completed", "order_id", updated.ID, "external_order_id", externalOrderID, "payer_id", payer)
	return CaptureOutcome{Success: true, Status: string(CaptureCompleted), Order: updated}, nil
}

// CancelOrder handles the gateway cancel redirect: a PENDING order flips
// to CANCELLED, anything else is left alone.
func (s *Service) CancelOrder(ctx context.Context, externalOrderID string) (bool, error) {
	if externalOrderID == "" {
		return false, domain.ErrValidation
	}
	ord, err := s.repo.FindByExternalID(ctx, externalOrderID)
	if err != nil {
		return false, err
	}

	evt := s.event(ctx, domain.EventOrderCancelled, domain.OrderCancelled{
		OrderID:         ord.ID,
		ExternalOrderID: externalOrderID,
		UserID:          ord.UserID,
		CourseID:        ord.CourseID,
		Reason:          "buyer cancelled",
	})
	_, applied, err := s.repo.ConditionalTransition(ctx, Transition{
		ExternalOrderID: externalOrderID,
		Expected:        domain.StatusPending,
		NextOrder:       domain.StatusCancelled,
		NextPayment:     domain.PaymentFailed,
		Event:           evt,
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// GetOrder returns a single order by local id.
func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.repo.FindByID(ctx, id)
}

// OrderByExternalID returns the order bound to a gateway correlation id.
func (s *Service) OrderByExternalID(ctx context.Context, externalOrderID string) (domain.Order, error) {
	return s.repo.FindByExternalID(ctx, externalOrderID)
}

// ListOrders returns a user's order history, newest first.
func (s *Service) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *Service) event(ctx context.Context, eventType string, body any) Event {
	payload, err := json.Marshal(body)
	if err != nil {
		s.log.Error("event marshal failed", "type", eventType, "err", err)
	}
	return Event{
		Type:        eventType,
		Payload:     payload,
		Headers:     map[string]string{"source": "order-service"},
		Traceparent: tracing.Traceparent(ctx),
	}
}
