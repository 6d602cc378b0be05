package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestReserveIncreasesReservedStockAndRevision(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 10, 2)
	service := mustNewService(test, store, newTestClock())

	reserved, err := service.Stock.Reserve(context.Background(), product.ID, mustQuantity(test, 3))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if reserved.ReservedStock != 5 {
		test.Fatalf("expected reserved 5, got %d", reserved.ReservedStock)
	}
	if reserved.Revision != product.Revision+1 {
		test.Fatalf("expected revision bump to %d, got %d", product.Revision+1, reserved.Revision)
	}
	if reserved.AvailableStock() != 5 {
		test.Fatalf("expected available 5, got %d", reserved.AvailableStock())
	}
}

func TestReserveReportsInsufficientStock(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 4, 3)
	service := mustNewService(test, store, newTestClock())

	_, err := service.Stock.Reserve(context.Background(), product.ID, mustQuantity(test, 2))
	if !errors.Is(err, ErrInsufficientStock) {
		test.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if KindOf(err) != KindInsufficientStock {
		test.Fatalf("expected insufficient_stock kind, got %s", KindOf(err))
	}
	if got := store.product(test, product.ID); got.ReservedStock != 3 || got.Revision != product.Revision {
		test.Fatalf("expected product unchanged, got %+v", got)
	}
}

func TestReserveReportsConflictWhenRevisionMoved(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 10, 0)
	store.hooks.reserveConflicts = 1
	service := mustNewService(test, store, newTestClock())

	_, err := service.Stock.Reserve(context.Background(), product.ID, mustQuantity(test, 1))
	if !errors.Is(err, ErrConcurrentConflict) {
		test.Fatalf("expected ErrConcurrentConflict, got %v", err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Code() != codeConflict {
		test.Fatalf("expected conflict operation error, got %v", err)
	}
}

func TestReserveUnknownProduct(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newTestClock())

	_, err := service.Stock.Reserve(context.Background(), mustProductID(test, uuid.NewString()), mustQuantity(test, 1))
	if !errors.Is(err, ErrProductNotFound) || KindOf(err) != KindNotFound {
		test.Fatalf("expected product not found, got %v", err)
	}
}

func TestReleaseClampsReservedStockAtZero(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 10, 2)
	service := mustNewService(test, store, newTestClock())

	released, err := service.Stock.Release(context.Background(), product.ID, mustQuantity(test, 5))
	if err != nil {
		test.Fatalf("release: %v", err)
	}
	if released.ReservedStock != 0 {
		test.Fatalf("expected reserved clamped to 0, got %d", released.ReservedStock)
	}
	if released.TotalStock != 10 {
		test.Fatalf("expected total untouched, got %d", released.TotalStock)
	}
	if released.Revision != product.Revision+1 {
		test.Fatalf("expected revision bump, got %d", released.Revision)
	}
}

func TestCommitRemovesSoldStock(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 10, 4)
	service := mustNewService(test, store, newTestClock())

	committed, err := service.Stock.Commit(context.Background(), product.ID, mustQuantity(test, 3))
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	if committed.TotalStock != 7 || committed.ReservedStock != 1 {
		test.Fatalf("expected total 7 reserved 1, got total %d reserved %d", committed.TotalStock, committed.ReservedStock)
	}
	if committed.AvailableStock() != 6 {
		test.Fatalf("expected available 6, got %d", committed.AvailableStock())
	}
}

func TestStockLevelReadsCounters(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 9, 4)
	service := mustNewService(test, store, newTestClock())

	level, err := service.Stock.StockLevel(context.Background(), product.ID)
	if err != nil {
		test.Fatalf("stock level: %v", err)
	}
	if level.TotalStock != 9 || level.ReservedStock != 4 || level.AvailableStock() != 5 {
		test.Fatalf("unexpected stock level: %+v", level)
	}
}

func TestAvailableStockNeverNegative(test *testing.T) {
	test.Parallel()
	product := Product{TotalStock: 2, ReservedStock: 5}
	if product.AvailableStock() != 0 {
		test.Fatalf("expected available clamped to 0, got %d", product.AvailableStock())
	}
}
