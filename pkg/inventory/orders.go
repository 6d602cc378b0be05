package inventory

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderLifecycle converts holds into orders and settles them exactly once.
type OrderLifecycle struct {
	service *Service
}

// CreateFromHold consumes a valid hold and creates a pending order priced at the current product price.
// An expired hold has its stock released and is closed; that compensation commits even though
// ErrHoldExpired is returned.
func (lifecycle *OrderLifecycle) CreateFromHold(ctx context.Context, holdID HoldID) (Order, error) {
	var (
		created Order
		expired Hold
	)
	operationError := lifecycle.service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		hold, err := transactionStore.LockHold(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Consumed {
			return WrapError(operationCreateOrder, subjectHold, codeUsed, ErrHoldAlreadyUsed)
		}
		now := lifecycle.service.now()
		if hold.IsExpiredAt(now) {
			closed, err := lifecycle.service.expireHold(ctx, transactionStore, hold)
			if err != nil {
				return err
			}
			expired = closed
			return nil
		}
		if _, err := transactionStore.MarkHoldConsumed(ctx, hold.ID); err != nil {
			return err
		}
		product, err := transactionStore.GetProduct(ctx, hold.ProductID)
		if err != nil {
			return err
		}
		orderID, err := NewOrderID(lifecycle.service.newID())
		if err != nil {
			return fmt.Errorf("generate order id: %w", err)
		}
		order := Order{
			ID:         orderID,
			ProductID:  hold.ProductID,
			HoldID:     hold.ID,
			Quantity:   hold.Quantity,
			TotalPrice: product.Price.Mul(decimal.NewFromInt(hold.Quantity.Int64())),
			Status:     OrderStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := transactionStore.CreateOrder(ctx, order); err != nil {
			return err
		}
		if err := lifecycle.service.appendEvent(ctx, transactionStore, AggregateOrder, order.ID.String(), EventOrderCreated, newOrderEventPayload(order)); err != nil {
			return err
		}
		created = order
		return nil
	})
	if operationError == nil && !expired.ID.IsZero() {
		operationError = WrapError(operationCreateOrder, subjectHold, codeExpired, ErrHoldExpired)
	}
	lifecycle.service.logOperation(ctx, OperationLog{
		Operation: operationCreateOrder,
		HoldID:    holdID,
		OrderID:   created.ID,
		ProductID: created.ProductID,
		Quantity:  created.Quantity,
		Error:     operationError,
	})
	if operationError != nil {
		return Order{}, operationError
	}
	return created, nil
}

// MarkPaid moves a pending order to paid and commits its stock. Non-pending orders are returned unchanged.
func (lifecycle *OrderLifecycle) MarkPaid(ctx context.Context, orderID OrderID) (Order, error) {
	return lifecycle.settle(ctx, operationMarkPaid, orderID, OrderStatusPaid)
}

// Cancel moves a pending order to cancelled and releases its stock. Non-pending orders are returned unchanged.
func (lifecycle *OrderLifecycle) Cancel(ctx context.Context, orderID OrderID) (Order, error) {
	return lifecycle.settle(ctx, operationCancelOrder, orderID, OrderStatusCancelled)
}

func (lifecycle *OrderLifecycle) settle(ctx context.Context, operation string, orderID OrderID, target OrderStatus) (Order, error) {
	var (
		settled Order
		changed bool
	)
	operationError := lifecycle.service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		order, transitioned, err := lifecycle.service.transitionOrder(ctx, transactionStore, orderID, target)
		if err != nil {
			return err
		}
		settled = order
		changed = transitioned
		return nil
	})
	entry := OperationLog{
		Operation: operation,
		OrderID:   orderID,
		ProductID: settled.ProductID,
		Quantity:  settled.Quantity,
		Error:     operationError,
	}
	if operationError == nil && !changed {
		entry.Status = operationStatusNoop
	}
	lifecycle.service.logOperation(ctx, entry)
	if operationError != nil {
		return Order{}, operationError
	}
	return settled, nil
}

// transitionOrder applies pending -> target with its stock effect under the order row lock.
// It reports false and the unchanged order when the order is already terminal.
func (service *Service) transitionOrder(ctx context.Context, transactionStore Store, orderID OrderID, target OrderStatus) (Order, bool, error) {
	order, err := transactionStore.LockOrder(ctx, orderID)
	if err != nil {
		return Order{}, false, err
	}
	if order.Status != OrderStatusPending {
		return order, false, nil
	}
	updated, err := transactionStore.UpdateOrderStatus(ctx, orderID, OrderStatusPending, target)
	if err != nil {
		return Order{}, false, err
	}
	eventType := EventOrderPaid
	switch target {
	case OrderStatusPaid:
		_, err = transactionStore.CommitStock(ctx, order.ProductID, order.Quantity)
	case OrderStatusCancelled:
		eventType = EventOrderCancelled
		_, err = transactionStore.ReleaseStock(ctx, order.ProductID, order.Quantity)
	default:
		err = fmt.Errorf("%w: cannot transition to %q", ErrInvalidOrderStatus, target)
	}
	if err != nil {
		return Order{}, false, err
	}
	if err := service.appendEvent(ctx, transactionStore, AggregateOrder, updated.ID.String(), eventType, newOrderEventPayload(updated)); err != nil {
		return Order{}, false, err
	}
	return updated, true, nil
}
