package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/eduflow/order-service/internal/order/application"
	"github.com/eduflow/order-service/internal/order/domain"
)

// OrderService is the slice of the coordinator the HTTP layer needs.
type OrderService interface {
	CreateOrder(ctx context.Context, userID, courseID, lang string) (application.CreateOrderResult, error)
	CaptureOrder(ctx context.Context, externalOrderID, payerID string) (application.CaptureOutcome, error)
	CancelOrder(ctx context.Context, externalOrderID string) (bool, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ListOrders(ctx context.Context, userID string) ([]domain.Order, error)
	OrderByExternalID(ctx context.Context, externalOrderID string) (domain.Order, error)
}

// Deduper sheds duplicate payment-return callbacks before they hit the
// gateway again. The store-level CAS stays authoritative.
type Deduper interface {
	CaptureKey(externalOrderID string) string
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type Handler struct {
	log     *slog.Logger
	service OrderService
	guard   Deduper
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service OrderService, guard Deduper) *Handler {
	return &Handler{
		log:     log,
		service: service,
		guard:   guard,
		tracer:  otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/users/{userID}/orders", h.listOrders)
	r.Get("/payment-return", h.paymentReturn)
	r.Get("/payment-cancel", h.paymentCancel)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

type createOrderReq struct {
	CourseID string `json:"course_id"`
	Lang     string `json:"lang"`
}

type orderView struct {
	OrderID         string               `json:"order_id"`
	ExternalOrderID string               `json:"external_order_id,omitempty"`
	CourseID        string               `json:"course_id"`
	CourseTitle     domain.LocalizedText `json:"course_title"`
	Amount          string               `json:"amount"`
	Currency        string               `json:"currency"`
	OrderStatus     string               `json:"order_status"`
	PaymentStatus   string               `json:"payment_status"`
	CreatedAt       string               `json:"created_at"`
}

func viewOf(o domain.Order) orderView {
	return orderView{
		OrderID:         o.ID,
		ExternalOrderID: o.ExternalOrderID,
		CourseID:        o.CourseID,
		CourseTitle:     o.CourseTitle,
		Amount:          o.Amount.DecimalString(),
		Currency:        o.Amount.Currency,
		OrderStatus:     string(o.OrderStatus),
		PaymentStatus:   string(o.PaymentStatus),
		CreatedAt:       o.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// createOrder expects the authenticated user id in X-User-ID, injected by
// the auth layer in front of this service.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "missing user identity"})
		return
	}

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid body"})
		return
	}

	res, err := h.service.CreateOrder(ctx, userID, req.CourseID, req.Lang)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":      true,
		"order_id":     res.OrderID,
		"approval_url": res.ApprovalURL,
	})
}

// paymentReturn is the gateway redirect after buyer approval: token is the
// external order id, PayerID identifies the buyer at the provider.
func (h *Handler) paymentReturn(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CaptureOrder")
	defer span.End()

	token := r.URL.Query().Get("token")
	payerID := r.URL.Query().Get("PayerID")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "missing token"})
		return
	}

	key := h.guard.CaptureKey(token)
	seen, err := h.guard.Seen(ctx, key)
	if err != nil {
		// Guard down: fall through, the conditional transition still holds.
		h.log.Warn("capture guard unavailable", "err", err)
	}
	if seen {
		ord, err := h.service.OrderByExternalID(ctx, token)
		if err == nil && ord.OrderStatus == domain.StatusCompleted {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":           true,
				"already_processed": true,
				"message":           "Payment already captured.",
			})
			return
		}
		// First callback still in flight or failed; let this one through.
	}

	out, err := h.service.CaptureOrder(ctx, token, payerID)
	if err != nil {
		_ = h.guard.Forget(ctx, key)
		h.writeError(w, r, err)
		return
	}
	if !out.Success {
		_ = h.guard.Forget(ctx, key)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"status":  out.Status,
			"message": "Payment not completed.",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"already_processed": out.AlreadyProcessed,
		"message":           "Payment captured and order completed.",
		"order":             viewOf(out.Order),
	})
}

func (h *Handler) paymentCancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "missing token"})
		return
	}

	applied, err := h.service.CancelOrder(ctx, token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	msg := "Payment cancelled."
	if !applied {
		msg = "Order already settled."
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": applied, "message": msg})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	o, err := h.service.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(o))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListOrders")
	defer span.End()

	orders, err := h.service.ListOrders(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, viewOf(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

// writeError maps domain errors to stable responses. Gateway failures are
// logged with detail but surface as a generic message so provider
// internals never leak.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrCourseNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": err.Error()})
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": err.Error()})
	case errors.Is(err, domain.ErrGatewayUnavailable),
		errors.Is(err, domain.ErrGatewayRejected),
		errors.Is(err, domain.ErrMalformedResponse):
		h.log.Error("gateway failure", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "message": "Payment service error, please try again later."})
	default:
		h.log.Error("request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "Something went wrong."})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
