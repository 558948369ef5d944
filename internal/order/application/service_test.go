package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/eduflow/order-service/internal/order/domain"
)

const testDomain = "https://learn.example.com"

func testCourse() domain.Course {
	return domain.Course{
		ID:             "c1",
		Title:          domain.LocalizedText{En: "Go Basics", Ar: "أساسيات Go"},
		InstructorID:   "i1",
		InstructorName: "sam",
		Price:          domain.Money{Cents: 4999, Currency: "USD"},
		Published:      true,
	}
}

func newTestService(repo *memRepo, gw *fakeGateway) *Service {
	log := slog.New(slog.DiscardHandler)
	catalog := &fakeCatalog{courses: map[string]domain.Course{"c1": testCourse()}}
	users := &fakeUsers{users: map[string]domain.User{"u1": {ID: "u1", Name: "dina", Email: "dina@example.com"}}}
	return NewService(log, repo, gw, NewPricingValidator(log, catalog), users, testDomain)
}

func TestCreateOrderSuccess(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{createResult: PaymentIntentResult{ExternalOrderID: "EC-123", ApprovalURL: "https://paypal.test/approve/EC-123"}}
	svc := newTestService(repo, gw)

	res, err := svc.CreateOrder(context.Background(), "u1", "c1", "en")
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if res.ApprovalURL != "https://paypal.test/approve/EC-123" {
		t.Errorf("approval url = %q", res.ApprovalURL)
	}

	stored, err := repo.FindByExternalID(context.Background(), "EC-123")
	if err != nil {
		t.Fatalf("order not stored under gateway id: %v", err)
	}
	if stored.OrderStatus != domain.StatusPending || stored.PaymentStatus != domain.PaymentPending {
		t.Errorf("stored status = %s/%s, want PENDING/PENDING", stored.OrderStatus, stored.PaymentStatus)
	}
	if stored.ID != res.OrderID {
		t.Errorf("order id mismatch: stored %s, returned %s", stored.ID, res.OrderID)
	}

	// The charged amount comes from the catalog, never from the caller.
	if gw.lastIntent.Amount != (domain.Money{Cents: 4999, Currency: "USD"}) {
		t.Errorf("gateway amount = %+v, want catalog price", gw.lastIntent.Amount)
	}
	if gw.lastIntent.Description != "Go Basics" {
		t.Errorf("description = %q", gw.lastIntent.Description)
	}
	if gw.lastIntent.ReturnURL != testDomain+"/payment-return" {
		t.Errorf("return url = %q", gw.lastIntent.ReturnURL)
	}

	if got := repo.eventTypes(); len(got) != 1 || got[0] != domain.EventOrderCreated {
		t.Errorf("events = %v, want [OrderCreated]", got)
	}
}

func TestCreateOrderArabicDescription(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{createResult: PaymentIntentResult{ExternalOrderID: "EC-1", ApprovalURL: "https://paypal.test/a"}}
	svc := newTestService(repo, gw)

	if _, err := svc.CreateOrder(context.Background(), "u1", "c1", "ar"); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if gw.lastIntent.Description != "أساسيات Go" {
		t.Errorf("description = %q, want arabic title", gw.lastIntent.Description)
	}
}

func TestCreateOrderUnknownUser(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeGateway{})

	_, err := svc.CreateOrder(context.Background(), "nobody", "c1", "en")
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
	if len(repo.orders) != 0 {
		t.Error("no order should be persisted when the user lookup fails")
	}
}

func TestCreateOrderUnknownCourse(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &fakeGateway{})

	_, err := svc.CreateOrder(context.Background(), "u1", "ghost", "en")
	if !errors.Is(err, domain.ErrCourseNotFound) {
		t.Fatalf("err = %v, want ErrCourseNotFound", err)
	}
	if len(repo.orders) != 0 {
		t.Error("no order should be persisted when the course lookup fails")
	}
}

func TestCreateOrderGatewayRejected(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{createErr: domain.ErrGatewayRejected}
	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), "u1", "c1", "en")
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("err = %v, want ErrGatewayRejected", err)
	}

	// Permanent rejection retires the provisional row.
	for _, o := range repo.orders {
		if o.OrderStatus != domain.StatusFailed {
			t.Errorf("provisional row status = %s, want FAILED", o.OrderStatus)
		}
	}
}

func TestCreateOrderGatewayUnavailableKeepsProvisional(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{createErr: domain.ErrGatewayUnavailable}
	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), "u1", "c1", "en")
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}

	if len(repo.orders) != 1 {
		t.Fatalf("provisional row count = %d, want 1", len(repo.orders))
	}
	for _, o := range repo.orders {
		if o.OrderStatus != domain.StatusProvisional {
			t.Errorf("row status = %s, want PROVISIONAL for reconciler pickup", o.OrderStatus)
		}
		if o.ExternalOrderID != "" {
			t.Errorf("external id = %q, want empty", o.ExternalOrderID)
		}
	}
}

func createPendingOrder(t *testing.T, svc *Service, gw *fakeGateway, externalID string) CreateOrderResult {
	t.Helper()
	gw.mu.Lock()
	gw.createResult = PaymentIntentResult{ExternalOrderID: externalID, ApprovalURL: "https://paypal.test/approve/" + externalID}
	gw.createErr = nil
	gw.mu.Unlock()
	res, err := svc.CreateOrder(context.Background(), "u1", "c1", "en")
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return res
}

func TestCaptureOrderIdempotent(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{}
	svc := newTestService(repo, gw)
	createPendingOrder(t, svc, gw, "EC-123")

	gw.captureResult = CaptureResult{Status: CaptureCompleted, PayerID: "PAYER1", CaptureID: "CAP-9"}

	first, err := svc.CaptureOrder(context.Background(), "EC-123", "PAYER1")
	if err != nil {
		t.Fatalf("first capture: %v", err)
	}
	if !first.Success || first.AlreadyProcessed {
		t.Fatalf("first capture outcome = %+v", first)
	}
	if first.Order.OrderStatus != domain.StatusCompleted || first.Order.PaymentStatus != domain.PaymentPaid {
		t.Errorf("order status = %s/%s, want COMPLETED/PAID", first.Order.OrderStatus, first.Order.PaymentStatus)
	}
	if first.Order.PayerID != "PAYER1" {
		t.Errorf("payer id = %q", first.Order.PayerID)
	}
	if first.Order.PaymentID != "CAP-9" {
		t.Errorf("payment id = %q", first.Order.PaymentID)
	}

	second, err := svc.CaptureOrder(context.Background(), "EC-123", "PAYER1")
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}
	if !second.Success || !second.AlreadyProcessed {
		t.Fatalf("second capture outcome = %+v, want already processed success", second)
	}

	stored, _ := repo.FindByExternalID(context.Background(), "EC-123")
	if stored.UpdatedAt != first.Order.UpdatedAt {
		t.Error("duplicate capture must leave the record unchanged")
	}

	// One OrderCreated, one OrderCompleted. The duplicate adds nothing.
	types := repo.eventTypes()
	completed := 0
	for _, typ := range types {
		if typ == domain.EventOrderCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("OrderCompleted events = %d, want exactly 1 (events: %v)", completed, types)
	}
}

func TestCaptureOrderConcurrentCallbacks(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{}
	svc := newTestService(repo, gw)
	createPendingOrder(t, svc, gw, "EC-123")

	gw.captureResult = CaptureResult{Status: CaptureCompleted, PayerID: "PAYER1", CaptureID: "CAP-1"}

	const callers = 16
	var wg sync.WaitGroup
	applied := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.CaptureOrder(context.Background(), "EC-123", "PAYER1")
			if err != nil {
				t.Errorf("capture: %v", err)
				return
			}
			applied <- !out.AlreadyProcessed
		}()
	}
	wg.Wait()
	close(applied)

	firstTime := 0
	for a := range applied {
		if a {
			firstTime++
		}
	}
	if firstTime != 1 {
		t.Errorf("applied transitions = %d, want exactly 1", firstTime)
	}
}

func TestCaptureOrderUnknownID(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{captureResult: CaptureResult{Status: CaptureCompleted, PayerID: "PAYERX"}}
	svc := newTestService(repo, gw)

	_, err := svc.CaptureOrder(context.Background(), "EC-FORGED", "PAYERX")
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
	if len(repo.orders) != 0 {
		t.Error("stale callback must not create or mutate rows")
	}
}

func TestCaptureOrderGatewayNotCompleted(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{}
	svc := newTestService(repo, gw)
	createPendingOrder(t, svc, gw, "EC-123")

	gw.captureResult = CaptureResult{Status: CaptureDeclined}

	out, err := svc.CaptureOrder(context.Background(), "EC-123", "PAYER1")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if out.Success {
		t.Error("declined capture must not report success")
	}
	if out.Status != string(CaptureDeclined) {
		t.Errorf("status = %q", out.Status)
	}

	stored, _ := repo.FindByExternalID(context.Background(), "EC-123")
	if stored.OrderStatus != domain.StatusPending || stored.PaymentStatus != domain.PaymentPending {
		t.Errorf("order mutated on declined capture: %s/%s", stored.OrderStatus, stored.PaymentStatus)
	}
	if stored.PayerID != "" {
		t.Errorf("payer id leaked onto unpaid order: %q", stored.PayerID)
	}
}

func TestCaptureOrderAlreadyCapturedAtProvider(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{}
	svc := newTestService(repo, gw)
	createPendingOrder(t, svc, gw, "EC-123")

	// The provider reports a prior settlement; locally the order is still
	// PENDING (e.g. the first callback crashed mid-flight).
	gw.captureErr = domain.ErrAlreadyCaptured

	out, err := svc.CaptureOrder(context.Background(), "EC-123", "PAYER1")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if out.Order.OrderStatus != domain.StatusCompleted {
		t.Errorf("order status = %s, want COMPLETED", out.Order.OrderStatus)
	}
	if out.Order.PayerID != "PAYER1" {
		t.Errorf("payer id = %q, want callback payer", out.Order.PayerID)
	}
}

func TestCancelOrder(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{}
	svc := newTestService(repo, gw)
	createPendingOrder(t, svc, gw, "EC-123")

	applied, err := svc.CancelOrder(context.Background(), "EC-123")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !applied {
		t.Fatal("expected first cancel to apply")
	}

	stored, _ := repo.FindByExternalID(context.Background(), "EC-123")
	if stored.OrderStatus != domain.StatusCancelled {
		t.Errorf("order status = %s, want CANCELLED", stored.OrderStatus)
	}

	again, err := svc.CancelOrder(context.Background(), "EC-123")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again {
		t.Error("second cancel must be a no-op")
	}
}

// Scenario from the capture contract: create at 49.99 USD, capture with
// PAYER1, then a duplicate callback.
func TestOrderLifecycleScenario(t *testing.T) {
	repo := newMemRepo()
	gw := &fakeGateway{}
	svc := newTestService(repo, gw)

	res := createPendingOrder(t, svc, gw, "EC-123")

	stored, err := repo.FindByExternalID(context.Background(), "EC-123")
	if err != nil {
		t.Fatalf("order missing after create: %v", err)
	}
	if stored.OrderStatus != domain.StatusPending {
		t.Fatalf("status after create = %s", stored.OrderStatus)
	}
	if stored.Amount.DecimalString() != "49.99" {
		t.Errorf("amount = %s, want 49.99", stored.Amount.DecimalString())
	}

	gw.captureResult = CaptureResult{Status: CaptureCompleted, PayerID: "PAYER1"}
	out, err := svc.CaptureOrder(context.Background(), "EC-123", "PAYER1")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if out.Order.OrderStatus != domain.StatusCompleted || out.Order.PaymentStatus != domain.PaymentPaid || out.Order.PayerID != "PAYER1" {
		t.Errorf("after capture: %s/%s payer=%s", out.Order.OrderStatus, out.Order.PaymentStatus, out.Order.PayerID)
	}

	dup, err := svc.CaptureOrder(context.Background(), "EC-123", "PAYER1")
	if err != nil {
		t.Fatalf("duplicate capture: %v", err)
	}
	if !dup.Success || !dup.AlreadyProcessed {
		t.Errorf("duplicate outcome = %+v", dup)
	}

	history, err := svc.ListOrders(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(history) != 1 || history[0].ID != res.OrderID {
		t.Errorf("history = %+v", history)
	}
}
