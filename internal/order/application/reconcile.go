package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eduflow/order-service/internal/order/domain"
)

// Reconciler repairs the gap between the gateway and the local store.
// Provisional rows older than the grace window get the gateway create
// replayed under their original idempotency key; the provider request-id
// dedupes, so a create that succeeded before the crash returns the same
// external order id. PENDING rows older than the expiry window are
// cancelled.
type Reconciler struct {
	log     *slog.Logger
	repo    OrderRepository
	gateway PaymentGateway
	svc     *Service

	publicDomain string
	grace        time.Duration
	expiry       time.Duration
	interval     time.Duration
	batchSize    int
	maxAttempts  int
}

func NewReconciler(log *slog.Logger, repo OrderRepository, gateway PaymentGateway, svc *Service, publicDomain string, grace, expiry, interval time.Duration) *Reconciler {
	return &Reconciler{
		log:          log,
		repo:         repo,
		gateway:      gateway,
		svc:          svc,
		publicDomain: publicDomain,
		grace:        grace,
		expiry:       expiry,
		interval:     interval,
		batchSize:    50,
		maxAttempts:  5,
	}
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopping")
			return nil
		case <-t.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	now := time.Now().UTC()
	r.sweepProvisional(ctx, now.Add(-r.grace))
	r.sweepExpired(ctx, now.Add(-r.expiry))
}

func (r *Reconciler) sweepProvisional(ctx context.Context, cutoff time.Time) {
	orphans, err := r.repo.ListProvisionalBefore(ctx, cutoff, r.batchSize)
	if err != nil {
		r.log.Error("list provisional orders", "err", err)
		return
	}

	for _, o := range orphans {
		if o.Attempts >= r.maxAttempts {
			evt := r.svc.event(ctx, domain.EventOrderFailed, domain.OrderFailed{OrderID: o.ID, Reason: "reconcile attempts exhausted"})
			if err := r.repo.MarkProvisionalFailed(ctx, o.ID, "reconcile attempts exhausted", evt); err != nil {
				r.log.Error("mark provisional failed", "order_id", o.ID, "err", err)
			}
			continue
		}

		res, err := r.gateway.CreatePaymentIntent(ctx, PaymentIntent{
			ReferenceID:    o.CourseID,
			Description:    o.CourseTitle.Pick("en"),
			Amount:         o.Amount,
			ReturnURL:      r.publicDomain + "/payment-return",
			CancelURL:      r.publicDomain + "/payment-cancel",
			IdempotencyKey: o.IdempotencyKey,
		})
		if err != nil {
			if errors.Is(err, domain.ErrGatewayRejected) || errors.Is(err, domain.ErrMalformedResponse) {
				evt := r.svc.event(ctx, domain.EventOrderFailed, domain.OrderFailed{OrderID: o.ID, Reason: err.Error()})
				if ferr := r.repo.MarkProvisionalFailed(ctx, o.ID, err.Error(), evt); ferr != nil {
					r.log.Error("mark provisional failed", "order_id", o.ID, "err", ferr)
				}
				continue
			}
			if terr := r.repo.TouchProvisional(ctx, o.ID, err.Error()); terr != nil {
				r.log.Error("touch provisional", "order_id", o.ID, "err", terr)
			}
			continue
		}

		evt := r.svc.event(ctx, domain.EventOrderCreated, domain.OrderCreated{
			OrderID:         o.ID,
			ExternalOrderID: res.ExternalOrderID,
			UserID:          o.UserID,
			CourseID:        o.CourseID,
			CourseTitle:     o.CourseTitle,
			AmountCents:     o.Amount.Cents,
			Currency:        o.Amount.Currency,
		})
		if _, err := r.repo.AttachExternalID(ctx, o.ID, res.ExternalOrderID, evt); err != nil {
			if errors.Is(err, domain.ErrDuplicateExternalID) {
				// Another replica attached it between the list and the replay.
				continue
			}
			r.log.Error("attach external id", "order_id", o.ID, "err", err)
			continue
		}
		r.log.Info("provisional order recovered", "order_id", o.ID, "external_order_id", res.ExternalOrderID)
	}
}

func (r *Reconciler) sweepExpired(ctx context.Context, cutoff time.Time) {
	stale, err := r.repo.ListPendingBefore(ctx, cutoff, r.batchSize)
	if err != nil {
		r.log.Error("list pending orders", "err", err)
		return
	}

	for _, o := range stale {
		evt := r.svc.event(ctx, domain.EventOrderCancelled, domain.OrderCancelled{
			OrderID:         o.ID,
			ExternalOrderID: o.ExternalOrderID,
			UserID:          o.UserID,
			CourseID:        o.CourseID,
			Reason:          "expired",
		})
		_, applied, err := r.repo.ConditionalTransition(ctx, Transition{
			ExternalOrderID: o.ExternalOrderID,
			Expected:        domain.StatusPending,
			NextOrder:       domain.StatusCancelled,
			NextPayment:     domain.PaymentFailed,
			Event:           evt,
		})
		if err != nil {
			r.log.Error("expire pending order", "order_id", o.ID, "err", err)
			continue
		}
		if applied {
			r.log.Info("pending order expired", "order_id", o.ID, "external_order_id", o.ExternalOrderID)
		}
	}
}
