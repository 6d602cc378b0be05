package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductID identifies a product.
type ProductID struct {
	value string
}

// HoldID identifies a hold.
type HoldID struct {
	value string
}

// OrderID identifies an order.
type OrderID struct {
	value string
}

// IdempotencyKey identifies one logical payment event.
type IdempotencyKey struct {
	value string
}

// PayloadJSON is the opaque provider payload stored with a webhook record.
type PayloadJSON struct {
	value string
}

// Quantity is a strictly positive unit count.
type Quantity int64

// NewProductID validates and normalizes a product id.
func NewProductID(raw string) (ProductID, error) {
	value, err := parseUUID(raw)
	if err != nil {
		return ProductID{}, fmt.Errorf("%w: %v", ErrInvalidProductID, err)
	}
	return ProductID{value: value}, nil
}

// String returns the normalized identifier.
func (id ProductID) String() string {
	return id.value
}

// NewHoldID validates and normalizes a hold id.
func NewHoldID(raw string) (HoldID, error) {
	value, err := parseUUID(raw)
	if err != nil {
		return HoldID{}, fmt.Errorf("%w: %v", ErrInvalidHoldID, err)
	}
	return HoldID{value: value}, nil
}

// String returns the normalized identifier.
func (id HoldID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id HoldID) IsZero() bool {
	return id.value == ""
}

// NewOrderID validates and normalizes an order id.
func NewOrderID(raw string) (OrderID, error) {
	value, err := parseUUID(raw)
	if err != nil {
		return OrderID{}, fmt.Errorf("%w: %v", ErrInvalidOrderID, err)
	}
	return OrderID{value: value}, nil
}

// String returns the normalized identifier.
func (id OrderID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > maxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewPayloadJSON validates a payload, defaulting to "{}" for empty or null input.
func NewPayloadJSON(raw string) (PayloadJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" || normalized == "null" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return PayloadJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidPayload)
	}
	return PayloadJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (payload PayloadJSON) String() string {
	if payload.value == "" {
		return "{}"
	}
	return payload.value
}

// NewQuantity validates a unit count.
func NewQuantity(raw int64) (Quantity, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidQuantity)
	}
	return Quantity(raw), nil
}

// Int64 returns the raw count.
func (quantity Quantity) Int64() int64 {
	return int64(quantity)
}

// OrderStatus defines the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ParseOrderStatus validates a stored order status.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	switch status := OrderStatus(strings.TrimSpace(raw)); status {
	case OrderStatusPending, OrderStatusPaid, OrderStatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOrderStatus, raw)
	}
}

// String returns the status value.
func (status OrderStatus) String() string {
	return string(status)
}

// WebhookStatus is the payment outcome reported by the provider.
type WebhookStatus string

const (
	WebhookStatusSuccess WebhookStatus = "success"
	WebhookStatusFailure WebhookStatus = "failure"
)

// ParseWebhookStatus validates a payment outcome.
func ParseWebhookStatus(raw string) (WebhookStatus, error) {
	switch status := WebhookStatus(strings.TrimSpace(raw)); status {
	case WebhookStatusSuccess, WebhookStatusFailure:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWebhookStatus, raw)
	}
}

// String returns the status value.
func (status WebhookStatus) String() string {
	return string(status)
}

// Product is the stock ledger row.
type Product struct {
	ID            ProductID
	Name          string
	Price         decimal.Decimal
	TotalStock    int64
	ReservedStock int64
	Revision      int64
}

// AvailableStock returns total minus reserved, never negative.
func (product Product) AvailableStock() int64 {
	return availableStock(product.TotalStock, product.ReservedStock)
}

// StockLevel is the counter-only view of a product.
type StockLevel struct {
	ProductID     ProductID
	TotalStock    int64
	ReservedStock int64
	Revision      int64
}

// AvailableStock returns total minus reserved, never negative.
func (level StockLevel) AvailableStock() int64 {
	return availableStock(level.TotalStock, level.ReservedStock)
}

// Hold is a time-bounded reservation of stock.
type Hold struct {
	ID        HoldID
	ProductID ProductID
	Quantity  Quantity
	ExpiresAt time.Time
	Consumed  bool
	CreatedAt time.Time
}

// IsExpiredAt reports whether the hold deadline has passed at now.
func (hold Hold) IsExpiredAt(now time.Time) bool {
	return !now.Before(hold.ExpiresAt)
}

// IsValidAt reports whether the hold can still be converted at now.
func (hold Hold) IsValidAt(now time.Time) bool {
	return !hold.Consumed && !hold.IsExpiredAt(now)
}

// Order is a purchase created from a hold.
type Order struct {
	ID         OrderID
	ProductID  ProductID
	HoldID     HoldID
	Quantity   Quantity
	TotalPrice decimal.Decimal
	Status     OrderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PaymentWebhook is the deduplication record of one payment notification.
type PaymentWebhook struct {
	ID             string
	IdempotencyKey IdempotencyKey
	OrderID        OrderID
	Status         WebhookStatus
	Payload        PayloadJSON
	ProcessedAt    time.Time
}

// Event is a domain event appended to the outbox with the state change it describes.
type Event struct {
	AggregateType string
	AggregateID   string
	Type          string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// Store is the persistence contract used by the services.
// Lock* methods take a row-level write lock held until the enclosing transaction ends.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetProduct(ctx context.Context, productID ProductID) (Product, error)
	GetStockLevel(ctx context.Context, productID ProductID) (StockLevel, error)
	LockProduct(ctx context.Context, productID ProductID) (Product, error)
	// ReserveStock applies the reservation only when the revision still equals
	// expectedRevision and enough stock is available. applied is false otherwise.
	ReserveStock(ctx context.Context, productID ProductID, quantity Quantity, expectedRevision int64) (product Product, applied bool, err error)
	ReleaseStock(ctx context.Context, productID ProductID, quantity Quantity) (Product, error)
	CommitStock(ctx context.Context, productID ProductID, quantity Quantity) (Product, error)

	CreateHold(ctx context.Context, hold Hold) error
	LockHold(ctx context.Context, holdID HoldID) (Hold, error)
	MarkHoldConsumed(ctx context.Context, holdID HoldID) (Hold, error)
	ListExpiredHolds(ctx context.Context, before time.Time, limit int) ([]HoldID, error)

	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, orderID OrderID) (Order, error)
	LockOrder(ctx context.Context, orderID OrderID) (Order, error)
	UpdateOrderStatus(ctx context.Context, orderID OrderID, from, to OrderStatus) (Order, error)

	LockWebhookByKey(ctx context.Context, key IdempotencyKey) (webhook PaymentWebhook, found bool, err error)
	CreateWebhook(ctx context.Context, webhook PaymentWebhook) error

	AppendEvent(ctx context.Context, event Event) error
}

func availableStock(total int64, reserved int64) int64 {
	if available := total - reserved; available > 0 {
		return available
	}
	return 0
}

func parseUUID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty value")
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", err
	}
	return parsed.String(), nil
}
