package inventory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// stubState is the committed data of stubStore. Transactions run one at a time
// and restore a snapshot when fn fails.
type stubState struct {
	products map[ProductID]Product
	holds    map[HoldID]Hold
	orders   map[OrderID]Order
	webhooks map[IdempotencyKey]PaymentWebhook
	events   []Event
}

func (state *stubState) clone() *stubState {
	cloned := &stubState{
		products: make(map[ProductID]Product, len(state.products)),
		holds:    make(map[HoldID]Hold, len(state.holds)),
		orders:   make(map[OrderID]Order, len(state.orders)),
		webhooks: make(map[IdempotencyKey]PaymentWebhook, len(state.webhooks)),
		events:   append([]Event(nil), state.events...),
	}
	for key, value := range state.products {
		cloned.products[key] = value
	}
	for key, value := range state.holds {
		cloned.holds[key] = value
	}
	for key, value := range state.orders {
		cloned.orders[key] = value
	}
	for key, value := range state.webhooks {
		cloned.webhooks[key] = value
	}
	return cloned
}

type stubHooks struct {
	reserveConflicts int
	afterDuplicate   func(state *stubState)
	duplicateOnNext  bool
	reserveCalls     int
	releaseCalls     int
	commitCalls      int
}

type stubStore struct {
	mu    *sync.Mutex
	state *stubState
	hooks *stubHooks
	inTx  bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		mu: &sync.Mutex{},
		state: &stubState{
			products: map[ProductID]Product{},
			holds:    map[HoldID]Hold{},
			orders:   map[OrderID]Order{},
			webhooks: map[IdempotencyKey]PaymentWebhook{},
		},
		hooks: &stubHooks{},
	}
}

func (store *stubStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	transactionStore := &stubStore{mu: store.mu, state: store.state, hooks: store.hooks, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		*store.state = *snapshot
		if store.hooks.afterDuplicate != nil && errorIsDuplicate(err) {
			store.hooks.afterDuplicate(store.state)
			store.hooks.afterDuplicate = nil
		}
		return err
	}
	return nil
}

func (store *stubStore) GetProduct(_ context.Context, productID ProductID) (Product, error) {
	defer store.guard()()
	product, ok := store.state.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return product, nil
}

func (store *stubStore) GetStockLevel(_ context.Context, productID ProductID) (StockLevel, error) {
	defer store.guard()()
	product, ok := store.state.products[productID]
	if !ok {
		return StockLevel{}, ErrProductNotFound
	}
	return StockLevel{
		ProductID:     product.ID,
		TotalStock:    product.TotalStock,
		ReservedStock: product.ReservedStock,
		Revision:      product.Revision,
	}, nil
}

func (store *stubStore) LockProduct(ctx context.Context, productID ProductID) (Product, error) {
	return store.GetProduct(ctx, productID)
}

func (store *stubStore) ReserveStock(_ context.Context, productID ProductID, quantity Quantity, expectedRevision int64) (Product, bool, error) {
	defer store.guard()()
	store.hooks.reserveCalls++
	product, ok := store.state.products[productID]
	if !ok {
		return Product{}, false, ErrProductNotFound
	}
	if store.hooks.reserveConflicts > 0 {
		store.hooks.reserveConflicts--
		product.Revision++
		store.state.products[productID] = product
		return Product{}, false, nil
	}
	if product.Revision != expectedRevision || product.TotalStock-product.ReservedStock < quantity.Int64() {
		return Product{}, false, nil
	}
	product.ReservedStock += quantity.Int64()
	product.Revision++
	store.state.products[productID] = product
	return product, true, nil
}

func (store *stubStore) ReleaseStock(_ context.Context, productID ProductID, quantity Quantity) (Product, error) {
	defer store.guard()()
	store.hooks.releaseCalls++
	product, ok := store.state.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	product.ReservedStock = clampAtZero(product.ReservedStock - quantity.Int64())
	product.Revision++
	store.state.products[productID] = product
	return product, nil
}

func (store *stubStore) CommitStock(_ context.Context, productID ProductID, quantity Quantity) (Product, error) {
	defer store.guard()()
	store.hooks.commitCalls++
	product, ok := store.state.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	product.TotalStock -= quantity.Int64()
	product.ReservedStock = clampAtZero(product.ReservedStock - quantity.Int64())
	product.Revision++
	store.state.products[productID] = product
	return product, nil
}

func (store *stubStore) CreateHold(_ context.Context, hold Hold) error {
	defer store.guard()()
	store.state.holds[hold.ID] = hold
	return nil
}

func (store *stubStore) LockHold(_ context.Context, holdID HoldID) (Hold, error) {
	defer store.guard()()
	hold, ok := store.state.holds[holdID]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return hold, nil
}

func (store *stubStore) MarkHoldConsumed(_ context.Context, holdID HoldID) (Hold, error) {
	defer store.guard()()
	hold, ok := store.state.holds[holdID]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	if hold.Consumed {
		return Hold{}, ErrHoldAlreadyUsed
	}
	hold.Consumed = true
	store.state.holds[holdID] = hold
	return hold, nil
}

func (store *stubStore) ListExpiredHolds(_ context.Context, before time.Time, limit int) ([]HoldID, error) {
	defer store.guard()()
	expired := make([]Hold, 0)
	for _, hold := range store.state.holds {
		if !hold.Consumed && hold.ExpiresAt.Before(before) {
			expired = append(expired, hold)
		}
	}
	sort.Slice(expired, func(left, right int) bool {
		return expired[left].ExpiresAt.Before(expired[right].ExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	holdIDs := make([]HoldID, 0, len(expired))
	for _, hold := range expired {
		holdIDs = append(holdIDs, hold.ID)
	}
	return holdIDs, nil
}

func (store *stubStore) CreateOrder(_ context.Context, order Order) error {
	defer store.guard()()
	store.state.orders[order.ID] = order
	return nil
}

func (store *stubStore) GetOrder(_ context.Context, orderID OrderID) (Order, error) {
	defer store.guard()()
	order, ok := store.state.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (store *stubStore) LockOrder(ctx context.Context, orderID OrderID) (Order, error) {
	return store.GetOrder(ctx, orderID)
}

func (store *stubStore) UpdateOrderStatus(_ context.Context, orderID OrderID, from, to OrderStatus) (Order, error) {
	defer store.guard()()
	order, ok := store.state.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if order.Status != from {
		return Order{}, ErrOrderClosed
	}
	order.Status = to
	store.state.orders[orderID] = order
	return order, nil
}

func (store *stubStore) LockWebhookByKey(_ context.Context, key IdempotencyKey) (PaymentWebhook, bool, error) {
	defer store.guard()()
	webhook, ok := store.state.webhooks[key]
	return webhook, ok, nil
}

func (store *stubStore) CreateWebhook(_ context.Context, webhook PaymentWebhook) error {
	defer store.guard()()
	if store.hooks.duplicateOnNext {
		store.hooks.duplicateOnNext = false
		return WrapError("store", "webhook", "duplicate", ErrDuplicateIdempotencyKey)
	}
	if _, exists := store.state.webhooks[webhook.IdempotencyKey]; exists {
		return WrapError("store", "webhook", "duplicate", ErrDuplicateIdempotencyKey)
	}
	store.state.webhooks[webhook.IdempotencyKey] = webhook
	return nil
}

func (store *stubStore) AppendEvent(_ context.Context, event Event) error {
	defer store.guard()()
	store.state.events = append(store.state.events, event)
	return nil
}

func (store *stubStore) seedProduct(test *testing.T, name string, price string, total int64, reserved int64) Product {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	product := Product{
		ID:            mustProductID(test, uuid.NewString()),
		Name:          name,
		Price:         decimal.RequireFromString(price),
		TotalStock:    total,
		ReservedStock: reserved,
	}
	store.state.products[product.ID] = product
	return product
}

func (store *stubStore) product(test *testing.T, productID ProductID) Product {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	product, ok := store.state.products[productID]
	if !ok {
		test.Fatalf("product %s missing", productID)
	}
	return product
}

func (store *stubStore) hold(test *testing.T, holdID HoldID) Hold {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.state.holds[holdID]
	if !ok {
		test.Fatalf("hold %s missing", holdID)
	}
	return hold
}

func (store *stubStore) webhookCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.state.webhooks)
}

func (store *stubStore) eventTypes() []string {
	store.mu.Lock()
	defer store.mu.Unlock()
	types := make([]string, 0, len(store.state.events))
	for _, event := range store.state.events {
		types = append(types, event.Type)
	}
	return types
}

func clampAtZero(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}

func errorIsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey)
}

// testClock is a mutable clock shared by a test and the service under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustProductID(test *testing.T, raw string) ProductID {
	test.Helper()
	value, err := NewProductID(raw)
	if err != nil {
		test.Fatalf("product id: %v", err)
	}
	return value
}

func mustOrderID(test *testing.T, raw string) OrderID {
	test.Helper()
	value, err := NewOrderID(raw)
	if err != nil {
		test.Fatalf("order id: %v", err)
	}
	return value
}

func mustHoldID(test *testing.T, raw string) HoldID {
	test.Helper()
	value, err := NewHoldID(raw)
	if err != nil {
		test.Fatalf("hold id: %v", err)
	}
	return value
}

func mustQuantity(test *testing.T, raw int64) Quantity {
	test.Helper()
	value, err := NewQuantity(raw)
	if err != nil {
		test.Fatalf("quantity: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustPayload(test *testing.T, raw string) PayloadJSON {
	test.Helper()
	value, err := NewPayloadJSON(raw)
	if err != nil {
		test.Fatalf("payload: %v", err)
	}
	return value
}
