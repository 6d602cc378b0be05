package inventory

import (
	"context"
	"errors"
	"fmt"
)

// HoldManager creates, consumes and expires holds.
type HoldManager struct {
	service *Service
}

// CreateHold reserves stock and records a hold in one transaction.
// Revision conflicts are retried against fresh state up to the configured attempt count.
func (manager *HoldManager) CreateHold(ctx context.Context, productID ProductID, quantity Quantity) (Hold, error) {
	var (
		hold           Hold
		operationError error
	)
	for attempt := 1; attempt <= manager.service.reserveAttempts; attempt++ {
		hold, operationError = manager.createHoldOnce(ctx, productID, quantity)
		if !errors.Is(operationError, ErrConcurrentConflict) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	manager.service.logOperation(ctx, OperationLog{
		Operation: operationCreateHold,
		ProductID: productID,
		HoldID:    hold.ID,
		Quantity:  quantity,
		Error:     operationError,
	})
	if operationError != nil {
		return Hold{}, operationError
	}
	return hold, nil
}

func (manager *HoldManager) createHoldOnce(ctx context.Context, productID ProductID, quantity Quantity) (Hold, error) {
	var created Hold
	err := manager.service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := reserveStock(ctx, transactionStore, productID, quantity); err != nil {
			return err
		}
		holdID, err := NewHoldID(manager.service.newID())
		if err != nil {
			return fmt.Errorf("generate hold id: %w", err)
		}
		now := manager.service.now()
		hold := Hold{
			ID:        holdID,
			ProductID: productID,
			Quantity:  quantity,
			ExpiresAt: now.Add(manager.service.holdTTL),
			CreatedAt: now,
		}
		if err := transactionStore.CreateHold(ctx, hold); err != nil {
			return err
		}
		created = hold
		return nil
	})
	return created, err
}

// Consume marks the hold as used. A second call fails with ErrHoldAlreadyUsed.
func (manager *HoldManager) Consume(ctx context.Context, holdID HoldID) (Hold, error) {
	var consumed Hold
	operationError := manager.service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		hold, err := consumeHold(ctx, transactionStore, holdID)
		if err != nil {
			return err
		}
		consumed = hold
		return nil
	})
	manager.service.logOperation(ctx, OperationLog{
		Operation: operationConsumeHold,
		HoldID:    holdID,
		ProductID: consumed.ProductID,
		Quantity:  consumed.Quantity,
		Error:     operationError,
	})
	if operationError != nil {
		return Hold{}, operationError
	}
	return consumed, nil
}

// IsExpired reports whether the hold deadline has passed.
func (manager *HoldManager) IsExpired(hold Hold) bool {
	return hold.IsExpiredAt(manager.service.now())
}

// IsValid reports whether the hold is unconsumed and unexpired.
func (manager *HoldManager) IsValid(hold Hold) bool {
	return hold.IsValidAt(manager.service.now())
}

func consumeHold(ctx context.Context, store Store, holdID HoldID) (Hold, error) {
	hold, err := store.LockHold(ctx, holdID)
	if err != nil {
		return Hold{}, err
	}
	if hold.Consumed {
		return Hold{}, WrapError(operationConsumeHold, subjectHold, codeUsed, ErrHoldAlreadyUsed)
	}
	return store.MarkHoldConsumed(ctx, holdID)
}

// expireHold returns the stock of a locked, unconsumed hold and closes it.
// Order conversion and the reclaim sweep share it so stock is released once.
func (service *Service) expireHold(ctx context.Context, transactionStore Store, hold Hold) (Hold, error) {
	if _, err := transactionStore.ReleaseStock(ctx, hold.ProductID, hold.Quantity); err != nil {
		return Hold{}, err
	}
	consumed, err := transactionStore.MarkHoldConsumed(ctx, hold.ID)
	if err != nil {
		return Hold{}, err
	}
	payload := holdExpiredPayload{
		HoldID:    hold.ID.String(),
		ProductID: hold.ProductID.String(),
		Quantity:  hold.Quantity.Int64(),
		ExpiresAt: hold.ExpiresAt,
	}
	if err := service.appendEvent(ctx, transactionStore, AggregateHold, hold.ID.String(), EventHoldExpired, payload); err != nil {
		return Hold{}, err
	}
	return consumed, nil
}
