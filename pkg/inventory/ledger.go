package inventory

import "context"

// StockLedger is the only mutator of product stock counters.
type StockLedger struct {
	service *Service
}

// Product returns the current product row.
func (ledger *StockLedger) Product(ctx context.Context, productID ProductID) (Product, error) {
	return ledger.service.store.GetProduct(ctx, productID)
}

// StockLevel returns the current stock counters without product metadata.
func (ledger *StockLedger) StockLevel(ctx context.Context, productID ProductID) (StockLevel, error) {
	return ledger.service.store.GetStockLevel(ctx, productID)
}

// Reserve moves quantity from available to reserved stock.
// It fails with ErrConcurrentConflict when the product changed between read and write.
func (ledger *StockLedger) Reserve(ctx context.Context, productID ProductID, quantity Quantity) (Product, error) {
	var reserved Product
	operationError := ledger.service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		product, err := reserveStock(ctx, transactionStore, productID, quantity)
		if err != nil {
			return err
		}
		reserved = product
		return nil
	})
	ledger.service.logOperation(ctx, OperationLog{
		Operation: operationReserve,
		ProductID: productID,
		Quantity:  quantity,
		Error:     operationError,
	})
	if operationError != nil {
		return Product{}, operationError
	}
	return reserved, nil
}

// Release returns reserved stock to available, clamping at zero.
func (ledger *StockLedger) Release(ctx context.Context, productID ProductID, quantity Quantity) (Product, error) {
	product, operationError := ledger.service.store.ReleaseStock(ctx, productID, quantity)
	ledger.service.logOperation(ctx, OperationLog{
		Operation: operationRelease,
		ProductID: productID,
		Quantity:  quantity,
		Error:     operationError,
	})
	return product, operationError
}

// Commit removes sold stock from both total and reserved counters.
func (ledger *StockLedger) Commit(ctx context.Context, productID ProductID, quantity Quantity) (Product, error) {
	product, operationError := ledger.service.store.CommitStock(ctx, productID, quantity)
	ledger.service.logOperation(ctx, OperationLog{
		Operation: operationCommit,
		ProductID: productID,
		Quantity:  quantity,
		Error:     operationError,
	})
	return product, operationError
}

// reserveStock issues the revision-guarded update and, when it does not apply,
// re-reads the row under lock to tell a lost race from a real shortage.
func reserveStock(ctx context.Context, store Store, productID ProductID, quantity Quantity) (Product, error) {
	current, err := store.GetProduct(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	updated, applied, err := store.ReserveStock(ctx, productID, quantity, current.Revision)
	if err != nil {
		return Product{}, err
	}
	if applied {
		return updated, nil
	}
	locked, err := store.LockProduct(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	if locked.AvailableStock() < quantity.Int64() {
		return Product{}, WrapError(operationReserve, subjectStock, codeInsufficient, ErrInsufficientStock)
	}
	return Product{}, WrapError(operationReserve, subjectStock, codeConflict, ErrConcurrentConflict)
}
