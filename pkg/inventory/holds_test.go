package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCreateHoldReservesStockAndSetsExpiry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 10, 0)
	clock := newTestClock()
	service := mustNewService(test, store, clock, WithHoldTTL(90*time.Second))

	hold, err := service.Holds.CreateHold(context.Background(), product.ID, mustQuantity(test, 3))
	if err != nil {
		test.Fatalf("create hold: %v", err)
	}
	if !hold.ExpiresAt.Equal(clock.Now().Add(90 * time.Second)) {
		test.Fatalf("expected expiry %s, got %s", clock.Now().Add(90*time.Second), hold.ExpiresAt)
	}
	if hold.Consumed {
		test.Fatalf("new hold must not be consumed")
	}
	if stored := store.hold(test, hold.ID); stored.Quantity != 3 || stored.ProductID != product.ID {
		test.Fatalf("unexpected stored hold: %+v", stored)
	}
	if got := store.product(test, product.ID); got.ReservedStock != 3 {
		test.Fatalf("expected reserved 3, got %d", got.ReservedStock)
	}
}

func TestCreateHoldDefaultsToTwoMinuteTTL(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 10, 0)
	clock := newTestClock()
	service := mustNewService(test, store, clock)

	hold, err := service.Holds.CreateHold(context.Background(), product.ID, mustQuantity(test, 1))
	if err != nil {
		test.Fatalf("create hold: %v", err)
	}
	if hold.ExpiresAt.Sub(clock.Now()) != 2*time.Minute {
		test.Fatalf("expected two minute ttl, got %s", hold.ExpiresAt.Sub(clock.Now()))
	}
}

func TestCreateHoldInsufficientStockLeavesNoHold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 2, 0)
	service := mustNewService(test, store, newTestClock())

	_, err := service.Holds.CreateHold(context.Background(), product.ID, mustQuantity(test, 3))
	if !errors.Is(err, ErrInsufficientStock) {
		test.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if len(store.state.holds) != 0 {
		test.Fatalf("expected no holds, got %d", len(store.state.holds))
	}
	if store.hooks.reserveCalls != 1 {
		test.Fatalf("insufficient stock must not be retried, got %d reserve calls", store.hooks.reserveCalls)
	}
}

func TestCreateHoldUnknownProduct(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newTestClock())

	_, err := service.Holds.CreateHold(context.Background(), mustProductID(test, uuid.NewString()), mustQuantity(test, 1))
	if !errors.Is(err, ErrProductNotFound) {
		test.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestCreateHoldRetriesConcurrentConflict(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 5, 0)
	store.hooks.reserveConflicts = 2
	service := mustNewService(test, store, newTestClock(), WithReserveAttempts(3))

	hold, err := service.Holds.CreateHold(context.Background(), product.ID, mustQuantity(test, 1))
	if err != nil {
		test.Fatalf("create hold after conflicts: %v", err)
	}
	if store.hooks.reserveCalls != 3 {
		test.Fatalf("expected 3 reserve attempts, got %d", store.hooks.reserveCalls)
	}
	if got := store.product(test, product.ID); got.ReservedStock != 1 {
		test.Fatalf("expected reserved 1, got %d", got.ReservedStock)
	}
	if hold.ID.IsZero() {
		test.Fatalf("expected hold id")
	}
}

func TestCreateHoldGivesUpAfterAttempts(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 5, 0)
	store.hooks.reserveConflicts = 10
	service := mustNewService(test, store, newTestClock(), WithReserveAttempts(2))

	_, err := service.Holds.CreateHold(context.Background(), product.ID, mustQuantity(test, 1))
	if !errors.Is(err, ErrConcurrentConflict) {
		test.Fatalf("expected ErrConcurrentConflict, got %v", err)
	}
	if store.hooks.reserveCalls != 2 {
		test.Fatalf("expected 2 attempts, got %d", store.hooks.reserveCalls)
	}
	if got := store.product(test, product.ID); got.ReservedStock != 0 {
		test.Fatalf("expected no reservation, got %d", got.ReservedStock)
	}
}

func TestConcurrentHoldsNeverOversell(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 5, 0)
	service := mustNewService(test, store, newTestClock())

	const requests = 6
	quantity := mustQuantity(test, 1)
	var (
		waitGroup    sync.WaitGroup
		resultsMutex sync.Mutex
		successes    int
		insufficient int
	)
	for index := 0; index < requests; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Holds.CreateHold(context.Background(), product.ID, quantity)
			resultsMutex.Lock()
			defer resultsMutex.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientStock):
				insufficient++
			default:
				test.Errorf("unexpected error: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	if successes != 5 || insufficient != 1 {
		test.Fatalf("expected 5 successes and 1 insufficient, got %d and %d", successes, insufficient)
	}
	got := store.product(test, product.ID)
	if got.AvailableStock() != 0 || got.ReservedStock > got.TotalStock {
		test.Fatalf("unexpected final stock: %+v", got)
	}
}

func TestConsumeHoldOnlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 5, 0)
	service := mustNewService(test, store, newTestClock())
	hold, err := service.Holds.CreateHold(context.Background(), product.ID, mustQuantity(test, 2))
	if err != nil {
		test.Fatalf("create hold: %v", err)
	}

	consumed, err := service.Holds.Consume(context.Background(), hold.ID)
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if !consumed.Consumed {
		test.Fatalf("expected consumed snapshot")
	}
	_, err = service.Holds.Consume(context.Background(), hold.ID)
	if !errors.Is(err, ErrHoldAlreadyUsed) {
		test.Fatalf("expected ErrHoldAlreadyUsed, got %v", err)
	}
}

func TestConsumeUnknownHold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newTestClock())

	_, err := service.Holds.Consume(context.Background(), mustHoldID(test, uuid.NewString()))
	if !errors.Is(err, ErrHoldNotFound) {
		test.Fatalf("expected ErrHoldNotFound, got %v", err)
	}
}

func TestHoldPredicates(test *testing.T) {
	test.Parallel()
	clock := newTestClock()
	service := mustNewService(test, newStubStore(test), clock)
	hold := Hold{ExpiresAt: clock.Now().Add(time.Minute)}

	if service.Holds.IsExpired(hold) || !service.Holds.IsValid(hold) {
		test.Fatalf("fresh hold must be valid")
	}
	hold.Consumed = true
	if service.Holds.IsValid(hold) {
		test.Fatalf("consumed hold must not be valid")
	}
	hold.Consumed = false
	clock.Advance(time.Minute)
	if !service.Holds.IsExpired(hold) || service.Holds.IsValid(hold) {
		test.Fatalf("hold at its deadline must be expired")
	}
}
