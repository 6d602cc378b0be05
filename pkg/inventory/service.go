package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service wires the inventory components over one Store.
type Service struct {
	store            Store
	nowFn            func() time.Time
	logger           OperationLogger
	newID            func() string
	holdTTL          time.Duration
	reserveAttempts  int
	reclaimBatchSize int
	emitEvents       bool

	Stock     *StockLedger
	Holds     *HoldManager
	Orders    *OrderLifecycle
	Webhooks  *WebhookProcessor
	Reclaimer *ExpiryReclaimer
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            store,
		nowFn:            now,
		newID:            uuid.NewString,
		holdTTL:          DefaultHoldTTL,
		reserveAttempts:  DefaultReserveAttempts,
		reclaimBatchSize: DefaultReclaimBatchSize,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.holdTTL <= 0 {
		return nil, fmt.Errorf("%w: hold ttl must be positive", ErrInvalidServiceConfig)
	}
	if service.reserveAttempts < 1 {
		return nil, fmt.Errorf("%w: reserve attempts must be at least 1", ErrInvalidServiceConfig)
	}
	if service.reclaimBatchSize < 1 {
		return nil, fmt.Errorf("%w: reclaim batch size must be at least 1", ErrInvalidServiceConfig)
	}
	if service.newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	service.Stock = &StockLedger{service: service}
	service.Holds = &HoldManager{service: service}
	service.Orders = &OrderLifecycle{service: service}
	service.Webhooks = &WebhookProcessor{service: service}
	service.Reclaimer = &ExpiryReclaimer{service: service}
	return service, nil
}

// HoldTTL returns the configured hold lifetime.
func (service *Service) HoldTTL() time.Duration {
	return service.holdTTL
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) appendEvent(ctx context.Context, transactionStore Store, aggregateType string, aggregateID string, eventType string, payload any) error {
	if !service.emitEvents {
		return nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return transactionStore.AppendEvent(ctx, Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       encoded,
		CreatedAt:     service.now(),
	})
}
