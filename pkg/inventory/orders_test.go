package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestCreateFromHoldCreatesPendingOrder(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 2", "200.50", 10, 0)
	service := mustNewService(test, store, newTestClock(), WithDomainEvents(true))
	hold := mustCreateHold(test, service, product.ID, 3)

	order, err := service.Orders.CreateFromHold(context.Background(), hold.ID)
	if err != nil {
		test.Fatalf("create order: %v", err)
	}
	if order.Status != OrderStatusPending {
		test.Fatalf("expected pending order, got %s", order.Status)
	}
	if !order.TotalPrice.Equal(decimal.RequireFromString("601.50")) {
		test.Fatalf("expected total 601.50, got %s", order.TotalPrice)
	}
	if order.HoldID != hold.ID || order.ProductID != product.ID || order.Quantity != 3 {
		test.Fatalf("unexpected order: %+v", order)
	}
	if !store.hold(test, hold.ID).Consumed {
		test.Fatalf("expected hold consumed")
	}
	if got := store.product(test, product.ID); got.ReservedStock != 3 || got.TotalStock != 10 {
		test.Fatalf("order creation must not move stock, got %+v", got)
	}
	if types := store.eventTypes(); len(types) != 1 || types[0] != EventOrderCreated {
		test.Fatalf("expected order.created event, got %v", types)
	}
}

func TestCreateFromHoldRejectsUsedHold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 10, 0)
	service := mustNewService(test, store, newTestClock())
	hold := mustCreateHold(test, service, product.ID, 1)
	if _, err := service.Orders.CreateFromHold(context.Background(), hold.ID); err != nil {
		test.Fatalf("first order: %v", err)
	}

	_, err := service.Orders.CreateFromHold(context.Background(), hold.ID)
	if !errors.Is(err, ErrHoldAlreadyUsed) || KindOf(err) != KindHoldAlreadyUsed {
		test.Fatalf("expected ErrHoldAlreadyUsed, got %v", err)
	}
	if len(store.state.orders) != 1 {
		test.Fatalf("expected a single order, got %d", len(store.state.orders))
	}
}

func TestCreateFromHoldReleasesExpiredHold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 10, 0)
	clock := newTestClock()
	service := mustNewService(test, store, clock, WithDomainEvents(true))
	hold := mustCreateHold(test, service, product.ID, 4)
	clock.Advance(DefaultHoldTTL + time.Second)

	_, err := service.Orders.CreateFromHold(context.Background(), hold.ID)
	if !errors.Is(err, ErrHoldExpired) || KindOf(err) != KindHoldExpired {
		test.Fatalf("expected ErrHoldExpired, got %v", err)
	}
	if got := store.product(test, product.ID); got.ReservedStock != 0 {
		test.Fatalf("expected stock released, reserved=%d", got.ReservedStock)
	}
	if !store.hold(test, hold.ID).Consumed {
		test.Fatalf("expected expired hold closed")
	}
	if len(store.state.orders) != 0 {
		test.Fatalf("expected no order")
	}
	if types := store.eventTypes(); len(types) != 1 || types[0] != EventHoldExpired {
		test.Fatalf("expected hold.expired event, got %v", types)
	}

	_, err = service.Orders.CreateFromHold(context.Background(), hold.ID)
	if !errors.Is(err, ErrHoldAlreadyUsed) {
		test.Fatalf("expected ErrHoldAlreadyUsed on retry, got %v", err)
	}
	if store.hooks.releaseCalls != 1 {
		test.Fatalf("expected a single release, got %d", store.hooks.releaseCalls)
	}
}

func TestCreateFromHoldUnknownHold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newTestClock())

	_, err := service.Orders.CreateFromHold(context.Background(), mustHoldID(test, uuid.NewString()))
	if !errors.Is(err, ErrHoldNotFound) {
		test.Fatalf("expected ErrHoldNotFound, got %v", err)
	}
}

func TestMarkPaidCommitsStockOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 10, 0)
	service := mustNewService(test, store, newTestClock())
	order := mustCreateOrder(test, service, product.ID, 3)

	paid, err := service.Orders.MarkPaid(context.Background(), order.ID)
	if err != nil {
		test.Fatalf("mark paid: %v", err)
	}
	if paid.Status != OrderStatusPaid {
		test.Fatalf("expected paid, got %s", paid.Status)
	}
	again, err := service.Orders.MarkPaid(context.Background(), order.ID)
	if err != nil {
		test.Fatalf("repeat mark paid: %v", err)
	}
	if again.Status != OrderStatusPaid {
		test.Fatalf("expected paid on repeat, got %s", again.Status)
	}
	cancelled, err := service.Orders.Cancel(context.Background(), order.ID)
	if err != nil {
		test.Fatalf("cancel after paid: %v", err)
	}
	if cancelled.Status != OrderStatusPaid {
		test.Fatalf("cancel after paid must be a no-op, got %s", cancelled.Status)
	}
	got := store.product(test, product.ID)
	if got.TotalStock != 7 || got.ReservedStock != 0 {
		test.Fatalf("expected total 7 reserved 0, got %+v", got)
	}
	if store.hooks.commitCalls != 1 || store.hooks.releaseCalls != 0 {
		test.Fatalf("expected one commit and no release, got %d and %d", store.hooks.commitCalls, store.hooks.releaseCalls)
	}
}

func TestCancelReleasesStockOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 1", "100.00", 10, 1)
	service := mustNewService(test, store, newTestClock())
	order := mustCreateOrder(test, service, product.ID, 2)

	for attempt := 0; attempt < 3; attempt++ {
		cancelled, err := service.Orders.Cancel(context.Background(), order.ID)
		if err != nil {
			test.Fatalf("cancel %d: %v", attempt, err)
		}
		if cancelled.Status != OrderStatusCancelled {
			test.Fatalf("expected cancelled, got %s", cancelled.Status)
		}
	}
	got := store.product(test, product.ID)
	if got.ReservedStock != 1 || got.TotalStock != 10 {
		test.Fatalf("expected reserved back to 1, got %+v", got)
	}
	if store.hooks.releaseCalls != 1 {
		test.Fatalf("expected a single release, got %d", store.hooks.releaseCalls)
	}
}

func TestMarkPaidUnknownOrder(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newTestClock())

	_, err := service.Orders.MarkPaid(context.Background(), mustOrderID(test, uuid.NewString()))
	if !errors.Is(err, ErrOrderNotFound) {
		test.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPaidOrderConservesStock(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	product := store.seedProduct(test, "Item 3", "99.99", 10, 0)
	service := mustNewService(test, store, newTestClock())

	order := mustCreateOrder(test, service, product.ID, 3)
	if !order.TotalPrice.Equal(decimal.RequireFromString("299.97")) {
		test.Fatalf("expected total 299.97, got %s", order.TotalPrice)
	}
	if _, err := service.Orders.MarkPaid(context.Background(), order.ID); err != nil {
		test.Fatalf("mark paid: %v", err)
	}
	got := store.product(test, product.ID)
	if got.TotalStock != product.TotalStock-3 || got.ReservedStock != product.ReservedStock {
		test.Fatalf("expected total down by 3 and reserved restored, got %+v", got)
	}
}

func mustCreateHold(test *testing.T, service *Service, productID ProductID, quantity int64) Hold {
	test.Helper()
	hold, err := service.Holds.CreateHold(context.Background(), productID, mustQuantity(test, quantity))
	if err != nil {
		test.Fatalf("create hold: %v", err)
	}
	return hold
}

func mustCreateOrder(test *testing.T, service *Service, productID ProductID, quantity int64) Order {
	test.Helper()
	hold := mustCreateHold(test, service, productID, quantity)
	order, err := service.Orders.CreateFromHold(context.Background(), hold.ID)
	if err != nil {
		test.Fatalf("create order: %v", err)
	}
	return order
}
