package inventory

import (
	"context"
	"errors"
)

// WebhookInput is one delivery of a payment notification.
type WebhookInput struct {
	IdempotencyKey IdempotencyKey
	OrderID        OrderID
	Status         WebhookStatus
	Payload        PayloadJSON
}

// WebhookResult reports the order state after a delivery was handled.
type WebhookResult struct {
	AlreadyProcessed bool
	OrderStatus      OrderStatus
	WebhookID        string
	Order            Order
}

// WebhookProcessor applies each payment notification exactly once per idempotency key.
type WebhookProcessor struct {
	service *Service
}

// Handle records the notification and settles the order, or replays the outcome of an
// earlier delivery with the same key. Losing an insert race against a concurrent duplicate
// rolls back and replays once, which then observes the winner's record.
func (processor *WebhookProcessor) Handle(ctx context.Context, input WebhookInput) (WebhookResult, error) {
	result, operationError := processor.handleOnce(ctx, input)
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		result, operationError = processor.handleOnce(ctx, input)
	}
	entry := OperationLog{
		Operation:      operationHandleWebhook,
		OrderID:        input.OrderID,
		IdempotencyKey: input.IdempotencyKey,
		ProductID:      result.Order.ProductID,
		Quantity:       result.Order.Quantity,
		Error:          operationError,
	}
	if operationError == nil && result.AlreadyProcessed {
		entry.Status = operationStatusReplayed
	}
	processor.service.logOperation(ctx, entry)
	if operationError != nil {
		return WebhookResult{}, operationError
	}
	return result, nil
}

func (processor *WebhookProcessor) handleOnce(ctx context.Context, input WebhookInput) (WebhookResult, error) {
	var result WebhookResult
	err := processor.service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, found, err := transactionStore.LockWebhookByKey(ctx, input.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			order, err := transactionStore.GetOrder(ctx, existing.OrderID)
			if err != nil {
				return err
			}
			result = WebhookResult{
				AlreadyProcessed: true,
				OrderStatus:      order.Status,
				WebhookID:        existing.ID,
				Order:            order,
			}
			return nil
		}
		order, err := transactionStore.LockOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		record := PaymentWebhook{
			ID:             processor.service.newID(),
			IdempotencyKey: input.IdempotencyKey,
			OrderID:        order.ID,
			Status:         input.Status,
			Payload:        input.Payload,
			ProcessedAt:    processor.service.now(),
		}
		if err := transactionStore.CreateWebhook(ctx, record); err != nil {
			return err
		}
		target := OrderStatusCancelled
		if input.Status == WebhookStatusSuccess {
			target = OrderStatusPaid
		}
		settled, _, err := processor.service.transitionOrder(ctx, transactionStore, order.ID, target)
		if err != nil {
			return err
		}
		result = WebhookResult{
			AlreadyProcessed: false,
			OrderStatus:      settled.Status,
			WebhookID:        record.ID,
			Order:            settled,
		}
		return nil
	})
	if err != nil {
		return WebhookResult{}, err
	}
	return result, nil
}
