package domain

import "errors"

// Domain errors surface to callers with a stable message. Gateway errors
// are logged with the correlation id and surfaced as a generic failure.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrCourseNotFound = errors.New("course not found")
	ErrOrderNotFound  = errors.New("order not found")
	ErrValidation     = errors.New("invalid request")

	// ErrDuplicateExternalID signals the unique index on external_order_id
	// rejected an insert or attach.
	ErrDuplicateExternalID = errors.New("duplicate external order id")

	// ErrGatewayUnavailable covers transport failures, auth failures and
	// provider 5xx responses. Safe to retry.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrGatewayRejected covers provider 4xx responses. Not retryable.
	ErrGatewayRejected = errors.New("payment gateway rejected request")

	// ErrAlreadyCaptured means the provider reports the payment was settled
	// by an earlier capture. Callers treat it as the completed branch.
	ErrAlreadyCaptured = errors.New("payment already captured")

	// ErrMalformedResponse means the provider answered with a payload we
	// cannot use, e.g. a create response without an approval link. An
	// integration defect, not a user-facing condition.
	ErrMalformedResponse = errors.New("malformed gateway response")
)
