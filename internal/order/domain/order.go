package domain

import (
	"fmt"
	"time"
)

type OrderStatus string

const (
	// StatusProvisional marks a row reserved before the gateway accepted the
	// create call. It never carries an external order id.
	StatusProvisional OrderStatus = "PROVISIONAL"
	StatusPending     OrderStatus = "PENDING"
	StatusCompleted   OrderStatus = "COMPLETED"
	StatusCancelled   OrderStatus = "CANCELLED"
	StatusFailed      OrderStatus = "FAILED"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Money is a fixed-point currency amount. Cents is the minor unit; no
// floating point anywhere in the money path.
type Money struct {
	Cents    int64
	Currency string
}

// DecimalString renders the amount the way the gateway wire format wants
// it, e.g. 4999 -> "49.99".
func (m Money) DecimalString() string {
	sign := ""
	c := m.Cents
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// LocalizedText is an en/ar pair carried verbatim on the order so the
// title survives later catalog edits.
type LocalizedText struct {
	En string `json:"en"`
	Ar string `json:"ar"`
}

// Pick returns the text for lang, falling back to English.
func (t LocalizedText) Pick(lang string) string {
	if lang == "ar" && t.Ar != "" {
		return t.Ar
	}
	return t.En
}

type Order struct {
	ID              string
	IdempotencyKey  string
	ExternalOrderID string
	UserID          string
	UserName        string
	UserEmail       string
	InstructorID    string
	InstructorName  string
	CourseID        string
	CourseTitle     LocalizedText
	CourseImage     string
	Amount          Money
	PaymentMethod   string
	OrderStatus     OrderStatus
	PaymentStatus   PaymentStatus
	PaymentID       string
	PayerID         string
	Attempts        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Course struct {
	ID             string
	Title          LocalizedText
	Image          string
	InstructorID   string
	InstructorName string
	Price          Money
	Published      bool
}

type User struct {
	ID    string
	Name  string
	Email string
}

// NewProvisionalOrder reserves the local half of the two-phase create:
// everything is known except the gateway-assigned external id.
func NewProvisionalOrder(id, idempotencyKey string, user User, course Course) Order {
	now := time.Now().UTC()
	return Order{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		UserID:         user.ID,
		UserName:       user.Name,
		UserEmail:      user.Email,
		InstructorID:   course.InstructorID,
		InstructorName: course.InstructorName,
		CourseID:       course.ID,
		CourseTitle:    course.Title,
		CourseImage:    course.Image,
		Amount:         course.Price,
		PaymentMethod:  "paypal",
		OrderStatus:    StatusProvisional,
		PaymentStatus:  PaymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CanTransition reports whether from -> to is a legal order-status edge.
func CanTransition(from, to OrderStatus) bool {
	switch from {
	case StatusProvisional:
		return to == StatusPending || to == StatusFailed
	case StatusPending:
		return to == StatusCompleted || to == StatusCancelled
	default:
		return false
	}
}
