package domain

// Events published through the outbox on lifecycle edges. Enrollment and
// email delivery consume them downstream.

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderCompleted = "OrderCompleted"
	EventOrderCancelled = "OrderCancelled"
	EventOrderFailed    = "OrderFailed"
)

type OrderCreated struct {
	OrderID         string        `json:"order_id"`
	ExternalOrderID string        `json:"external_order_id"`
	UserID          string        `json:"user_id"`
	CourseID        string        `json:"course_id"`
	CourseTitle     LocalizedText `json:"course_title"`
	AmountCents     int64         `json:"amount_cents"`
	Currency        string        `json:"currency"`
}

type OrderCompleted struct {
	OrderID         string `json:"order_id"`
	ExternalOrderID string `json:"external_order_id"`
	UserID          string `json:"user_id"`
	CourseID        string `json:"course_id"`
	InstructorID    string `json:"instructor_id"`
	PayerID         string `json:"payer_id"`
	PaymentID       string `json:"payment_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
}

type OrderCancelled struct {
	OrderID         string `json:"order_id"`
	ExternalOrderID string `json:"external_order_id"`
	UserID          string `json:"user_id"`
	CourseID        string `json:"course_id"`
	Reason          string `json:"reason"`
}

type OrderFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}
