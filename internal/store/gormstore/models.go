package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Product mirrors the products table.
type Product struct {
	ID            string          `gorm:"type:uuid;primaryKey"`
	Name          string          `gorm:"not null"`
	Price         decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	TotalStock    int64           `gorm:"not null;check:chk_products_total_stock,total_stock >= 0"`
	ReservedStock int64           `gorm:"not null;default:0;check:chk_products_reserved_stock,reserved_stock >= 0 AND reserved_stock <= total_stock"`
	Revision      int64           `gorm:"not null;default:0"`
	CreatedAt     time.Time       `gorm:"not null"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

func (Product) TableName() string { return "products" }

func (product *Product) BeforeCreate(tx *gorm.DB) error {
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	return nil
}

// Hold mirrors the holds table.
type Hold struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	ProductID string    `gorm:"type:uuid;not null;index"`
	Quantity  int64     `gorm:"not null;check:chk_holds_quantity,quantity > 0"`
	ExpiresAt time.Time `gorm:"not null;index:idx_holds_expires_consumed,priority:1"`
	Consumed  bool      `gorm:"not null;default:false;index:idx_holds_expires_consumed,priority:2"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Hold) TableName() string { return "holds" }

// Order mirrors the orders table.
type Order struct {
	ID         string          `gorm:"type:uuid;primaryKey"`
	ProductID  string          `gorm:"type:uuid;not null;index"`
	HoldID     *string         `gorm:"type:uuid;index"`
	Quantity   int64           `gorm:"not null"`
	TotalPrice decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Status     string          `gorm:"not null;default:pending"`
	CreatedAt  time.Time       `gorm:"not null"`
	UpdatedAt  time.Time       `gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

// PaymentWebhook mirrors the payment_webhooks table.
type PaymentWebhook struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	IdempotencyKey string         `gorm:"size:255;not null;uniqueIndex:payment_webhooks_idempotency_key_key"`
	OrderID        string         `gorm:"type:uuid;not null;index"`
	Status         string         `gorm:"not null"`
	Payload        datatypes.JSON `gorm:"not null"`
	ProcessedAt    time.Time      `gorm:"not null"`
}

func (PaymentWebhook) TableName() string { return "payment_webhooks" }

// OutboxEvent mirrors the outbox_events table.
type OutboxEvent struct {
	ID            int64          `gorm:"primaryKey;autoIncrement;index:idx_outbox_status_id,priority:2"`
	AggregateType string         `gorm:"not null"`
	AggregateID   string         `gorm:"not null"`
	EventType     string         `gorm:"not null"`
	Payload       datatypes.JSON `gorm:"not null"`
	Headers       datatypes.JSON `gorm:"not null"`
	Status        string         `gorm:"not null;default:pending;index:idx_outbox_status_id,priority:1"`
	Attempts      int            `gorm:"not null;default:0"`
	LastError     *string
	LeaseUntil    *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	SentAt        *time.Time
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// Models lists every table the store owns, in dependency order, for AutoMigrate.
func Models() []any {
	return []any{&Product{}, &Hold{}, &Order{}, &PaymentWebhook{}, &OutboxEvent{}}
}
