package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/flashsale/internal/outbox"
	"github.com/MarkoPoloResearchLab/flashsale/pkg/inventory"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintWebhookIdempotencyKey = "payment_webhooks_idempotency_key_key"
	defaultPayloadJSON              = "{}"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	errorOperationStore             = "store"
	errorSubjectProduct             = "product"
	errorSubjectStock               = "stock"
	errorSubjectHold                = "hold"
	errorSubjectOrder               = "order"
	errorSubjectWebhook             = "webhook"
	errorSubjectOutbox              = "outbox"
	errorCodeCreate                 = "create"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLock                   = "lock"
	errorCodeReserve                = "reserve"
	errorCodeRelease                = "release"
	errorCodeCommit                 = "commit"
	errorCodeConsume                = "consume"
	errorCodeUpdateStatus           = "update_status"
	errorCodeUpsert                 = "upsert"
	errorCodeMark                   = "mark"
	errorCodePing                   = "ping"
)

// Store implements inventory.Store and outbox.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore inventory.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Ping checks that the database answers.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodePing, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodePing, err)
	}
	return nil
}

func (store *Store) GetProduct(ctx context.Context, productID inventory.ProductID) (inventory.Product, error) {
	return store.loadProduct(ctx, store.db.WithContext(ctx), productID, errorCodeGet)
}

func (store *Store) GetStockLevel(ctx context.Context, productID inventory.ProductID) (inventory.StockLevel, error) {
	var model Product
	err := store.db.WithContext(ctx).
		Select("id", "total_stock", "reserved_stock", "revision").
		Where("id = ?", productID.String()).
		Take(&model).Error
	if err != nil {
		return inventory.StockLevel{}, productLookupError(errorCodeGet, err)
	}
	return inventory.StockLevel{
		ProductID:     productID,
		TotalStock:    model.TotalStock,
		ReservedStock: model.ReservedStock,
		Revision:      model.Revision,
	}, nil
}

func (store *Store) LockProduct(ctx context.Context, productID inventory.ProductID) (inventory.Product, error) {
	return store.loadProduct(ctx, store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), productID, errorCodeLock)
}

func (store *Store) ReserveStock(ctx context.Context, productID inventory.ProductID, quantity inventory.Quantity, expectedRevision int64) (inventory.Product, bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Product{}).
		Where("id = ? AND revision = ? AND total_stock - reserved_stock >= ?", productID.String(), expectedRevision, quantity.Int64()).
		Updates(map[string]any{
			"reserved_stock": gorm.Expr("reserved_stock + ?", quantity.Int64()),
			"revision":       gorm.Expr("revision + 1"),
		})
	if result.Error != nil {
		return inventory.Product{}, false, wrapStoreError(errorSubjectStock, errorCodeReserve, result.Error)
	}
	if result.RowsAffected == 0 {
		return inventory.Product{}, false, nil
	}
	product, err := store.GetProduct(ctx, productID)
	if err != nil {
		return inventory.Product{}, false, err
	}
	return product, true, nil
}

func (store *Store) ReleaseStock(ctx context.Context, productID inventory.ProductID, quantity inventory.Quantity) (inventory.Product, error) {
	return store.adjustStock(ctx, productID, errorCodeRelease, map[string]any{
		"reserved_stock": clampedDecrement("reserved_stock", quantity),
		"revision":       gorm.Expr("revision + 1"),
	})
}

func (store *Store) CommitStock(ctx context.Context, productID inventory.ProductID, quantity inventory.Quantity) (inventory.Product, error) {
	return store.adjustStock(ctx, productID, errorCodeCommit, map[string]any{
		"total_stock":    gorm.Expr("total_stock - ?", quantity.Int64()),
		"reserved_stock": clampedDecrement("reserved_stock", quantity),
		"revision":       gorm.Expr("revision + 1"),
	})
}

func (store *Store) adjustStock(ctx context.Context, productID inventory.ProductID, code string, assignments map[string]any) (inventory.Product, error) {
	result := store.db.WithContext(ctx).
		Model(&Product{}).
		Where("id = ?", productID.String()).
		Updates(assignments)
	if result.Error != nil {
		return inventory.Product{}, wrapStoreError(errorSubjectStock, code, result.Error)
	}
	if result.RowsAffected == 0 {
		return inventory.Product{}, wrapStoreError(errorSubjectStock, code, inventory.ErrProductNotFound)
	}
	return store.GetProduct(ctx, productID)
}

func (store *Store) CreateHold(ctx context.Context, hold inventory.Hold) error {
	model := Hold{
		ID:        hold.ID.String(),
		ProductID: hold.ProductID.String(),
		Quantity:  hold.Quantity.Int64(),
		ExpiresAt: hold.ExpiresAt.UTC(),
		Consumed:  hold.Consumed,
		CreatedAt: hold.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) LockHold(ctx context.Context, holdID inventory.HoldID) (inventory.Hold, error) {
	var model Hold
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", holdID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return inventory.Hold{}, wrapStoreError(errorSubjectHold, errorCodeLock, inventory.ErrHoldNotFound)
		}
		return inventory.Hold{}, wrapStoreError(errorSubjectHold, errorCodeLock, err)
	}
	hold, err := mapHold(model)
	if err != nil {
		return inventory.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return hold, nil
}

func (store *Store) MarkHoldConsumed(ctx context.Context, holdID inventory.HoldID) (inventory.Hold, error) {
	result := store.db.WithContext(ctx).
		Model(&Hold{}).
		Where("id = ? AND consumed = ?", holdID.String(), false).
		Update("consumed", true)
	if result.Error != nil {
		return inventory.Hold{}, wrapStoreError(errorSubjectHold, errorCodeConsume, result.Error)
	}
	hold, err := store.LockHold(ctx, holdID)
	if err != nil {
		return inventory.Hold{}, err
	}
	if result.RowsAffected == 0 {
		return inventory.Hold{}, wrapStoreError(errorSubjectHold, errorCodeConsume, inventory.ErrHoldAlreadyUsed)
	}
	return hold, nil
}

func (store *Store) ListExpiredHolds(ctx context.Context, before time.Time, limit int) ([]inventory.HoldID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&Hold{}).
		Where("consumed = ? AND expires_at < ?", false, before.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	holdIDs := make([]inventory.HoldID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		holdID, err := inventory.NewHoldID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
		}
		holdIDs = append(holdIDs, holdID)
	}
	return holdIDs, nil
}

func (store *Store) CreateOrder(ctx context.Context, order inventory.Order) error {
	var holdID *string
	if !order.HoldID.IsZero() {
		value := order.HoldID.String()
		holdID = &value
	}
	model := Order{
		ID:         order.ID.String(),
		ProductID:  order.ProductID.String(),
		HoldID:     holdID,
		Quantity:   order.Quantity.Int64(),
		TotalPrice: order.TotalPrice,
		Status:     order.Status.String(),
		CreatedAt:  order.CreatedAt.UTC(),
		UpdatedAt:  order.UpdatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetOrder(ctx context.Context, orderID inventory.OrderID) (inventory.Order, error) {
	return store.loadOrder(store.db.WithContext(ctx), orderID, errorCodeGet)
}

func (store *Store) LockOrder(ctx context.Context, orderID inventory.OrderID) (inventory.Order, error) {
	return store.loadOrder(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), orderID, errorCodeLock)
}

func (store *Store) UpdateOrderStatus(ctx context.Context, orderID inventory.OrderID, from, to inventory.OrderStatus) (inventory.Order, error) {
	result := store.db.WithContext(ctx).
		Model(&Order{}).
		Where("id = ? AND status = ?", orderID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return inventory.Order{}, wrapStoreError(errorSubjectOrder, errorCodeUpdateStatus, result.Error)
	}
	order, err := store.GetOrder(ctx, orderID)
	if err != nil {
		return inventory.Order{}, err
	}
	if result.RowsAffected == 0 {
		return inventory.Order{}, wrapStoreError(errorSubjectOrder, errorCodeUpdateStatus, inventory.ErrOrderClosed)
	}
	return order, nil
}

func (store *Store) LockWebhookByKey(ctx context.Context, key inventory.IdempotencyKey) (inventory.PaymentWebhook, bool, error) {
	var model PaymentWebhook
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("idempotency_key = ?", key.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return inventory.PaymentWebhook{}, false, nil
		}
		return inventory.PaymentWebhook{}, false, wrapStoreError(errorSubjectWebhook, errorCodeLock, err)
	}
	webhook, err := mapWebhook(model)
	if err != nil {
		return inventory.PaymentWebhook{}, false, wrapStoreError(errorSubjectWebhook, errorCodeInvalid, err)
	}
	return webhook, true, nil
}

func (store *Store) CreateWebhook(ctx context.Context, webhook inventory.PaymentWebhook) error {
	model := PaymentWebhook{
		ID:             webhook.ID,
		IdempotencyKey: webhook.IdempotencyKey.String(),
		OrderID:        webhook.OrderID.String(),
		Status:         webhook.Status.String(),
		Payload:        datatypesJSON(webhook.Payload.String()),
		ProcessedAt:    webhook.ProcessedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectWebhook, errorCodeDuplicate, inventory.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeCreate, err)
	}
	return nil
}

// AppendEvent stores a pending outbox row together with the trace context of ctx.
func (store *Store) AppendEvent(ctx context.Context, event inventory.Event) error {
	headers, err := json.Marshal(outbox.TraceHeaders(ctx))
	if err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeCreate, err)
	}
	model := OutboxEvent{
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.Type,
		Payload:       datatypesJSON(string(event.Payload)),
		Headers:       datatypesJSON(string(headers)),
		Status:        string(outbox.StatusPending),
		CreatedAt:     event.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeCreate, err)
	}
	return nil
}

// UpsertProduct creates a product or refreshes its name, price and total stock.
func (store *Store) UpsertProduct(ctx context.Context, productID inventory.ProductID, name string, price decimal.Decimal, totalStock int64) (inventory.Product, error) {
	model := Product{
		ID:         productID.String(),
		Name:       name,
		Price:      price,
		TotalStock: totalStock,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: append(
				clause.AssignmentColumns([]string{"name", "price", "total_stock", "updated_at"}),
				clause.Assignment{Column: clause.Column{Name: "revision"}, Value: gorm.Expr("products.revision + 1")},
			),
		}).
		Create(&model).Error
	if err != nil {
		return inventory.Product{}, wrapStoreError(errorSubjectProduct, errorCodeUpsert, err)
	}
	return store.GetProduct(ctx, productID)
}

// LockBatch claims pending outbox rows and rows whose lease ran out.
func (store *Store) LockBatch(ctx context.Context, now time.Time, batchSize int, lease time.Duration) ([]outbox.Record, error) {
	var records []outbox.Record
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var rows []OutboxEvent
		err := transaction.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? OR (status = ? AND lease_until < ?)", outbox.StatusPending, outbox.StatusInProgress, now).
			Order("id ASC").
			Limit(batchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		leaseUntil := now.Add(lease)
		err = transaction.
			Model(&OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": outbox.StatusInProgress, "lease_until": leaseUntil}).Error
		if err != nil {
			return err
		}
		records = make([]outbox.Record, 0, len(rows))
		for _, row := range rows {
			record, err := mapOutboxRecord(row)
			if err != nil {
				return err
			}
			record.Status = outbox.StatusInProgress
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectOutbox, errorCodeLock, err)
	}
	return records, nil
}

// MarkSent records a successful publish.
func (store *Store) MarkSent(ctx context.Context, ids []int64, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := store.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"status": outbox.StatusSent, "sent_at": sentAt.UTC(), "lease_until": nil}).Error
	if err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeMark, err)
	}
	return nil
}

// MarkFailed counts a failed publish and parks the row once maxAttempts is reached.
func (store *Store) MarkFailed(ctx context.Context, id int64, errMessage string, maxAttempts int) error {
	err := store.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":    gorm.Expr("attempts + 1"),
			"last_error":  errMessage,
			"lease_until": nil,
			"status": gorm.Expr("CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END",
				maxAttempts, outbox.StatusFailed, outbox.StatusPending),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeMark, err)
	}
	return nil
}

func (store *Store) loadProduct(_ context.Context, db *gorm.DB, productID inventory.ProductID, code string) (inventory.Product, error) {
	var model Product
	if err := db.Where("id = ?", productID.String()).Take(&model).Error; err != nil {
		return inventory.Product{}, productLookupError(code, err)
	}
	product, err := mapProduct(model)
	if err != nil {
		return inventory.Product{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	return product, nil
}

func (store *Store) loadOrder(db *gorm.DB, orderID inventory.OrderID, code string) (inventory.Order, error) {
	var model Order
	if err := db.Where("id = ?", orderID.String()).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return inventory.Order{}, wrapStoreError(errorSubjectOrder, code, inventory.ErrOrderNotFound)
		}
		return inventory.Order{}, wrapStoreError(errorSubjectOrder, code, err)
	}
	order, err := mapOrder(model)
	if err != nil {
		return inventory.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	return order, nil
}

func productLookupError(code string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(errorSubjectProduct, code, inventory.ErrProductNotFound)
	}
	return wrapStoreError(errorSubjectProduct, code, err)
}

// clampedDecrement subtracts quantity from column without going below zero.
func clampedDecrement(column string, quantity inventory.Quantity) clause.Expr {
	return gorm.Expr(fmt.Sprintf("CASE WHEN %[1]s > ? THEN %[1]s - ? ELSE 0 END", column), quantity.Int64(), quantity.Int64())
}

func wrapStoreError(subject string, code string, err error) error {
	return inventory.WrapError(errorOperationStore, subject, code, err)
}

func mapProduct(model Product) (inventory.Product, error) {
	productID, err := inventory.NewProductID(model.ID)
	if err != nil {
		return inventory.Product{}, err
	}
	return inventory.Product{
		ID:            productID,
		Name:          model.Name,
		Price:         model.Price,
		TotalStock:    model.TotalStock,
		ReservedStock: model.ReservedStock,
		Revision:      model.Revision,
	}, nil
}

func mapHold(model Hold) (inventory.Hold, error) {
	holdID, err := inventory.NewHoldID(model.ID)
	if err != nil {
		return inventory.Hold{}, err
	}
	productID, err := inventory.NewProductID(model.ProductID)
	if err != nil {
		return inventory.Hold{}, err
	}
	quantity, err := inventory.NewQuantity(model.Quantity)
	if err != nil {
		return inventory.Hold{}, err
	}
	return inventory.Hold{
		ID:        holdID,
		ProductID: productID,
		Quantity:  quantity,
		ExpiresAt: model.ExpiresAt.UTC(),
		Consumed:  model.Consumed,
		CreatedAt: model.CreatedAt.UTC(),
	}, nil
}

func mapOrder(model Order) (inventory.Order, error) {
	orderID, err := inventory.NewOrderID(model.ID)
	if err != nil {
		return inventory.Order{}, err
	}
	productID, err := inventory.NewProductID(model.ProductID)
	if err != nil {
		return inventory.Order{}, err
	}
	var holdID inventory.HoldID
	if model.HoldID != nil {
		holdID, err = inventory.NewHoldID(*model.HoldID)
		if err != nil {
			return inventory.Order{}, err
		}
	}
	quantity, err := inventory.NewQuantity(model.Quantity)
	if err != nil {
		return inventory.Order{}, err
	}
	status, err := inventory.ParseOrderStatus(model.Status)
	if err != nil {
		return inventory.Order{}, err
	}
	return inventory.Order{
		ID:         orderID,
		ProductID:  productID,
		HoldID:     holdID,
		Quantity:   quantity,
		TotalPrice: model.TotalPrice,
		Status:     status,
		CreatedAt:  model.CreatedAt.UTC(),
		UpdatedAt:  model.UpdatedAt.UTC(),
	}, nil
}

func mapWebhook(model PaymentWebhook) (inventory.PaymentWebhook, error) {
	key, err := inventory.NewIdempotencyKey(model.IdempotencyKey)
	if err != nil {
		return inventory.PaymentWebhook{}, err
	}
	orderID, err := inventory.NewOrderID(model.OrderID)
	if err != nil {
		return inventory.PaymentWebhook{}, err
	}
	status, err := inventory.ParseWebhookStatus(model.Status)
	if err != nil {
		return inventory.PaymentWebhook{}, err
	}
	payload, err := inventory.NewPayloadJSON(string(model.Payload))
	if err != nil {
		return inventory.PaymentWebhook{}, err
	}
	return inventory.PaymentWebhook{
		ID:             model.ID,
		IdempotencyKey: key,
		OrderID:        orderID,
		Status:         status,
		Payload:        payload,
		ProcessedAt:    model.ProcessedAt.UTC(),
	}, nil
}

func mapOutboxRecord(row OutboxEvent) (outbox.Record, error) {
	var headers map[string]string
	if len(row.Headers) > 0 {
		if err := json.Unmarshal(row.Headers, &headers); err != nil {
			return outbox.Record{}, fmt.Errorf("decode outbox headers %d: %w", row.ID, err)
		}
	}
	lastError := ""
	if row.LastError != nil {
		lastError = *row.LastError
	}
	return outbox.Record{
		ID:            row.ID,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Type:          row.EventType,
		Payload:       []byte(row.Payload),
		Headers:       headers,
		Status:        outbox.Status(row.Status),
		Attempts:      row.Attempts,
		LastError:     lastError,
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" || raw == "null" {
		return datatypes.JSON([]byte(defaultPayloadJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintWebhookIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
