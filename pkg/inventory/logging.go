package inventory

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a stock-affecting operation.
type OperationLog struct {
	Operation      string
	ProductID      ProductID
	HoldID         HoldID
	OrderID        OrderID
	Quantity       Quantity
	IdempotencyKey IdempotencyKey
	Count          int
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithHoldTTL sets how long a new hold stays valid.
func WithHoldTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		service.holdTTL = ttl
	}
}

// WithReserveAttempts bounds how often hold creation retries after a revision conflict.
func WithReserveAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		service.reserveAttempts = attempts
	}
}

// WithReclaimBatchSize bounds how many expired holds one sweep pass loads.
func WithReclaimBatchSize(size int) ServiceOption {
	return func(service *Service) {
		service.reclaimBatchSize = size
	}
}

// WithIDGenerator overrides uuid generation for new records.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(service *Service) {
		service.newID = newID
	}
}

// WithDomainEvents enables outbox events for order and hold transitions.
func WithDomainEvents(enabled bool) ServiceOption {
	return func(service *Service) {
		service.emitEvents = enabled
	}
}
