package application

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eduflow/order-service/internal/order/domain"
)

// memRepo is an in-memory OrderRepository with the same CAS semantics as
// the postgres implementation.
type memRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	events []Event
}

func newMemRepo() *memRepo {
	return &memRepo{orders: map[string]domain.Order{}}
}

func (r *memRepo) InsertProvisional(_ context.Context, o domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
	return nil
}

func (r *memRepo) AttachExternalID(_ context.Context, orderID, externalOrderID string, evt Event) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range r.orders {
		if id != orderID && o.ExternalOrderID == externalOrderID {
			return domain.Order{}, domain.ErrDuplicateExternalID
		}
	}
	o, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	o.ExternalOrderID = externalOrderID
	o.OrderStatus = domain.StatusPending
	o.UpdatedAt = time.Now().UTC()
	r.orders[orderID] = o
	r.events = append(r.events, evt)
	return o, nil
}

func (r *memRepo) TouchProvisional(_ context.Context, orderID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Attempts++
	r.orders[orderID] = o
	return nil
}

func (r *memRepo) MarkProvisionalFailed(_ context.Context, orderID, _ string, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.OrderStatus = domain.StatusFailed
	o.PaymentStatus = domain.PaymentFailed
	r.orders[orderID] = o
	r.events = append(r.events, evt)
	return nil
}

func (r *memRepo) FindByID(_ context.Context, id string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (r *memRepo) FindByExternalID(_ context.Context, externalOrderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.ExternalOrderID == externalOrderID && externalOrderID != "" {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

func (r *memRepo) ListByUser(_ context.Context, userID string) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) ConditionalTransition(_ context.Context, t Transition) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range r.orders {
		if o.ExternalOrderID != t.ExternalOrderID || t.ExternalOrderID == "" {
			continue
		}
		if o.OrderStatus != t.Expected {
			return o, false, nil
		}
		o.OrderStatus = t.NextOrder
		o.PaymentStatus = t.NextPayment
		if t.PayerID != "" {
			o.PayerID = t.PayerID
		}
		if t.PaymentID != "" {
			o.PaymentID = t.PaymentID
		}
		o.UpdatedAt = time.Now().UTC()
		r.orders[id] = o
		r.events = append(r.events, t.Event)
		return o, true, nil
	}
	return domain.Order{}, false, domain.ErrOrderNotFound
}

func (r *memRepo) ListProvisionalBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.OrderStatus == domain.StatusProvisional && o.CreatedAt.Before(cutoff) {
			out = append(out, o)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if o.OrderStatus == domain.StatusPending && o.CreatedAt.Before(cutoff) {
			out = append(out, o)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

type fakeGateway struct {
	mu sync.Mutex

	createResult PaymentIntentResult
	createErr    error
	createCalls  int
	lastIntent   PaymentIntent

	captureResult CaptureResult
	captureErr    error
	captureCalls  int
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, intent PaymentIntent) (PaymentIntentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	g.lastIntent = intent
	if g.createErr != nil {
		return PaymentIntentResult{}, g.createErr
	}
	return g.createResult, nil
}

func (g *fakeGateway) CapturePayment(_ context.Context, _ string) (CaptureResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureCalls++
	if g.captureErr != nil {
		return CaptureResult{}, g.captureErr
	}
	return g.captureResult, nil
}

type fakeCatalog struct {
	courses map[string]domain.Course
}

func (c *fakeCatalog) GetCourse(_ context.Context, id string) (domain.Course, error) {
	course, ok := c.courses[id]
	if !ok {
		return domain.Course{}, domain.ErrCourseNotFound
	}
	return course, nil
}

type fakeUsers struct {
	users map[string]domain.User
}

func (u *fakeUsers) GetUser(_ context.Context, id string) (domain.User, error) {
	user, ok := u.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return user, nil
}
