package inventory

import (
	"context"
	"errors"
)

// ExpiryReclaimer returns the stock of holds that expired without being converted.
type ExpiryReclaimer struct {
	service *Service
}

// Sweep reclaims expired, unconsumed holds one transaction per hold and returns how many
// it released. A hold consumed concurrently by order conversion is skipped. Failures on
// individual holds are joined into the returned error without stopping the sweep.
func (reclaimer *ExpiryReclaimer) Sweep(ctx context.Context) (int, error) {
	var (
		reclaimed  int
		sweepError error
	)
	batchSize := reclaimer.service.reclaimBatchSize
	for ctx.Err() == nil {
		now := reclaimer.service.now()
		holdIDs, err := reclaimer.service.store.ListExpiredHolds(ctx, now, batchSize)
		if err != nil {
			sweepError = errors.Join(sweepError, err)
			break
		}
		released, failures := reclaimer.reclaimBatch(ctx, holdIDs)
		reclaimed += released
		sweepError = errors.Join(sweepError, failures)
		if len(holdIDs) < batchSize || released == 0 || failures != nil {
			break
		}
	}
	reclaimer.service.logOperation(ctx, OperationLog{
		Operation: operationSweep,
		Count:     reclaimed,
		Error:     sweepError,
	})
	return reclaimed, sweepError
}

func (reclaimer *ExpiryReclaimer) reclaimBatch(ctx context.Context, holdIDs []HoldID) (int, error) {
	var (
		released int
		failures error
	)
	for _, holdID := range holdIDs {
		reclaimedHold, err := reclaimer.reclaimHold(ctx, holdID)
		if err != nil {
			failures = errors.Join(failures, err)
			continue
		}
		if reclaimedHold {
			released++
		}
	}
	return released, failures
}

func (reclaimer *ExpiryReclaimer) reclaimHold(ctx context.Context, holdID HoldID) (bool, error) {
	var (
		reclaimed bool
		closed    Hold
	)
	operationError := reclaimer.service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		hold, err := transactionStore.LockHold(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Consumed || !hold.IsExpiredAt(reclaimer.service.now()) {
			return nil
		}
		closed, err = reclaimer.service.expireHold(ctx, transactionStore, hold)
		if err != nil {
			return err
		}
		reclaimed = true
		return nil
	})
	if reclaimed || operationError != nil {
		reclaimer.service.logOperation(ctx, OperationLog{
			Operation: operationReclaimHold,
			HoldID:    holdID,
			ProductID: closed.ProductID,
			Quantity:  closed.Quantity,
			Error:     operationError,
		})
	}
	return reclaimed, operationError
}
