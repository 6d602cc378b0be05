package inventory

import (
	"errors"
	"fmt"
)

// Base error kinds. Every domain failure unwraps to exactly one of them.
var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrConcurrentConflict = errors.New("concurrent modification")
	ErrHoldAlreadyUsed    = errors.New("hold already used")
	ErrHoldExpired        = errors.New("hold expired")
	ErrInvalidInput       = errors.New("invalid")
)

// Specialised errors returned by the services and stores.
var (
	ErrProductNotFound = fmt.Errorf("product %w", ErrNotFound)
	ErrHoldNotFound    = fmt.Errorf("hold %w", ErrNotFound)
	ErrOrderNotFound   = fmt.Errorf("order %w", ErrNotFound)

	ErrInvalidProductID      = fmt.Errorf("%w product id", ErrInvalidInput)
	ErrInvalidHoldID         = fmt.Errorf("%w hold id", ErrInvalidInput)
	ErrInvalidOrderID        = fmt.Errorf("%w order id", ErrInvalidInput)
	ErrInvalidQuantity       = fmt.Errorf("%w quantity", ErrInvalidInput)
	ErrInvalidIdempotencyKey = fmt.Errorf("%w idempotency key", ErrInvalidInput)
	ErrInvalidWebhookStatus  = fmt.Errorf("%w webhook status", ErrInvalidInput)
	ErrInvalidOrderStatus    = fmt.Errorf("%w order status", ErrInvalidInput)
	ErrInvalidPayload        = fmt.Errorf("%w payload", ErrInvalidInput)
	ErrInvalidPrice          = fmt.Errorf("%w price", ErrInvalidInput)

	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrOrderClosed             = errors.New("order closed")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// ErrorKind is the machine-readable category of a failure.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindInsufficientStock  ErrorKind = "insufficient_stock"
	KindConcurrentConflict ErrorKind = "concurrent_conflict"
	KindHoldAlreadyUsed    ErrorKind = "hold_already_used"
	KindHoldExpired        ErrorKind = "hold_expired"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindInternal           ErrorKind = "internal"
)

// KindOf classifies err. Errors outside the domain taxonomy are internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrConcurrentConflict):
		return KindConcurrentConflict
	case errors.Is(err, ErrHoldAlreadyUsed):
		return KindHoldAlreadyUsed
	case errors.Is(err, ErrHoldExpired):
		return KindHoldExpired
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
