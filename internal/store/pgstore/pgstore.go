package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/flashsale/internal/outbox"
	"github.com/MarkoPoloResearchLab/flashsale/pkg/inventory"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintWebhookIdempotencyKey = "payment_webhooks_idempotency_key_key"
	pgUniqueViolationCode           = "23505"
	errorOperationStore             = "store"
	errorSubjectProduct             = "product"
	errorSubjectStock               = "stock"
	errorSubjectHold                = "hold"
	errorSubjectOrder               = "order"
	errorSubjectWebhook             = "webhook"
	errorSubjectOutbox              = "outbox"
	errorSubjectTransaction         = "transaction"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeCreate                 = "create"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLock                   = "lock"
	errorCodeReserve                = "reserve"
	errorCodeRelease                = "release"
	errorCodeConsume                = "consume"
	errorCodeUpdateStatus           = "update_status"
	errorCodeUpsert                 = "upsert"
	errorCodeMark                   = "mark"

	productColumns = `id::text, name, price::text, total_stock, reserved_stock, revision`
	holdColumns    = `id::text, product_id::text, quantity, expires_at, consumed, created_at`
	orderColumns   = `id::text, product_id::text, coalesce(hold_id::text, ''), quantity, total_price::text, status, created_at, updated_at`

	sqlSelectProduct = `select ` + productColumns + ` from products where id = $1`
	sqlLockProduct   = sqlSelectProduct + ` for update`

	sqlSelectStockLevel = `select total_stock, reserved_stock, revision from products where id = $1`

	sqlReserveStock = `
		update products
		set reserved_stock = reserved_stock + $2, revision = revision + 1, updated_at = now()
		where id = $1 and revision = $3 and total_stock - reserved_stock >= $2
		returning ` + productColumns

	sqlReleaseStock = `
		update products
		set reserved_stock = greatest(reserved_stock - $2, 0), revision = revision + 1, updated_at = now()
		where id = $1
		returning ` + productColumns

	sqlCommitStock = `
		update products
		set total_stock = total_stock - $2, reserved_stock = greatest(reserved_stock - $2, 0), revision = revision + 1, updated_at = now()
		where id = $1
		returning ` + productColumns

	sqlUpsertProduct = `
		insert into products(id, name, price, total_stock)
		values ($1, $2, $3::numeric, $4)
		on conflict (id) do update
		set name = excluded.name, price = excluded.price, total_stock = excluded.total_stock,
			revision = products.revision + 1, updated_at = now()
		returning ` + productColumns

	sqlInsertHold = `
		insert into holds(id, product_id, quantity, expires_at, consumed, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`

	sqlLockHold = `select ` + holdColumns + ` from holds where id = $1 for update`

	sqlConsumeHold = `
		update holds set consumed = true
		where id = $1 and consumed = false
		returning ` + holdColumns

	sqlListExpiredHolds = `
		select id::text from holds
		where consumed = false and expires_at < $1
		order by expires_at
		limit $2
	`

	sqlInsertOrder = `
		insert into orders(id, product_id, hold_id, quantity, total_price, status, created_at, updated_at)
		values ($1, $2, nullif($3, '')::uuid, $4, $5::numeric, $6, $7, $8)
	`

	sqlSelectOrder = `select ` + orderColumns + ` from orders where id = $1`
	sqlLockOrder   = sqlSelectOrder + ` for update`

	sqlUpdateOrderStatus = `
		update orders set status = $3, updated_at = now()
		where id = $1 and status = $2
		returning ` + orderColumns

	sqlLockWebhookByKey = `
		select id::text, idempotency_key, order_id::text, status, payload::text, processed_at
		from payment_webhooks
		where idempotency_key = $1
		for update
	`

	sqlInsertWebhook = `
		insert into payment_webhooks(id, idempotency_key, order_id, status, payload, processed_at)
		values ($1, $2, $3, $4, coalesce(nullif($5, ''), '{}')::jsonb, $6)
	`

	sqlInsertOutboxEvent = `
		insert into outbox_events(aggregate_type, aggregate_id, event_type, payload, headers, status, created_at)
		values ($1, $2, $3, $4::jsonb, coalesce(nullif($5, 'null'), '{}')::jsonb, 'pending', $6)
	`

	sqlLockOutboxBatch = `
		with claimed as (
			select id from outbox_events
			where status = 'pending' or (status = 'in_progress' and lease_until < $1)
			order by id
			limit $2
			for update skip locked
		)
		update outbox_events o
		set status = 'in_progress', lease_until = $3
		from claimed
		where o.id = claimed.id
		returning o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload::text, o.headers::text, o.attempts, coalesce(o.last_error, ''), o.created_at
	`

	sqlMarkOutboxSent = `
		update outbox_events set status = 'sent', sent_at = $2, lease_until = null
		where id = any($1)
	`

	sqlMarkOutboxFailed = `
		update outbox_events
		set attempts = attempts + 1, last_error = $2, lease_until = null,
			status = case when attempts + 1 >= $3 then 'failed' else 'pending' end
		where id = $1
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries holds the statements shared by Store and TxStore.
type queries struct {
	db querier
}

// Store implements inventory.Store and outbox.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements inventory.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore inventory.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// Ping checks that the database answers.
func (store *Store) Ping(ctx context.Context) error {
	return store.pool.Ping(ctx)
}

// LockBatch claims pending outbox rows and rows whose lease ran out.
func (store *Store) LockBatch(ctx context.Context, now time.Time, batchSize int, lease time.Duration) ([]outbox.Record, error) {
	rows, err := store.pool.Query(ctx, sqlLockOutboxBatch, now.UTC(), batchSize, now.Add(lease).UTC())
	if err != nil {
		return nil, wrapStoreError(errorSubjectOutbox, errorCodeLock, err)
	}
	defer rows.Close()
	records := make([]outbox.Record, 0, batchSize)
	for rows.Next() {
		var (
			record  outbox.Record
			payload string
			headers string
		)
		if err := rows.Scan(&record.ID, &record.AggregateType, &record.AggregateID, &record.Type, &payload, &headers, &record.Attempts, &record.LastError, &record.CreatedAt); err != nil {
			return nil, wrapStoreError(errorSubjectOutbox, errorCodeLock, err)
		}
		if err := json.Unmarshal([]byte(headers), &record.Headers); err != nil {
			return nil, wrapStoreError(errorSubjectOutbox, errorCodeInvalid, err)
		}
		record.Payload = []byte(payload)
		record.Status = outbox.StatusInProgress
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectOutbox, errorCodeLock, err)
	}
	sort.Slice(records, func(left, right int) bool { return records[left].ID < records[right].ID })
	return records, nil
}

// MarkSent records a successful publish.
func (store *Store) MarkSent(ctx context.Context, ids []int64, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := store.pool.Exec(ctx, sqlMarkOutboxSent, ids, sentAt.UTC()); err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeMark, err)
	}
	return nil
}

// MarkFailed counts a failed publish and parks the row once maxAttempts is reached.
func (store *Store) MarkFailed(ctx context.Context, id int64, errMessage string, maxAttempts int) error {
	if _, err := store.pool.Exec(ctx, sqlMarkOutboxFailed, id, errMessage, maxAttempts); err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeMark, err)
	}
	return nil
}

// WithTx reuses the active transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore inventory.Store) error) error {
	return fn(ctx, store)
}

func (q queries) GetProduct(ctx context.Context, productID inventory.ProductID) (inventory.Product, error) {
	return q.queryProduct(ctx, sqlSelectProduct, errorSubjectProduct, errorCodeGet, productID.String())
}

func (q queries) GetStockLevel(ctx context.Context, productID inventory.ProductID) (inventory.StockLevel, error) {
	level := inventory.StockLevel{ProductID: productID}
	err := q.db.QueryRow(ctx, sqlSelectStockLevel, productID.String()).Scan(&level.TotalStock, &level.ReservedStock, &level.Revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.StockLevel{}, wrapStoreError(errorSubjectProduct, errorCodeGet, inventory.ErrProductNotFound)
		}
		return inventory.StockLevel{}, wrapStoreError(errorSubjectProduct, errorCodeGet, err)
	}
	return level, nil
}

func (q queries) LockProduct(ctx context.Context, productID inventory.ProductID) (inventory.Product, error) {
	return q.queryProduct(ctx, sqlLockProduct, errorSubjectProduct, errorCodeLock, productID.String())
}

func (q queries) ReserveStock(ctx context.Context, productID inventory.ProductID, quantity inventory.Quantity, expectedRevision int64) (inventory.Product, bool, error) {
	product, err := scanProduct(q.db.QueryRow(ctx, sqlReserveStock, productID.String(), quantity.Int64(), expectedRevision))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Product{}, false, nil
		}
		return inventory.Product{}, false, wrapStoreError(errorSubjectStock, errorCodeReserve, err)
	}
	return product, true, nil
}

func (q queries) ReleaseStock(ctx context.Context, productID inventory.ProductID, quantity inventory.Quantity) (inventory.Product, error) {
	return q.queryProduct(ctx, sqlReleaseStock, errorSubjectStock, errorCodeRelease, productID.String(), quantity.Int64())
}

func (q queries) CommitStock(ctx context.Context, productID inventory.ProductID, quantity inventory.Quantity) (inventory.Product, error) {
	return q.queryProduct(ctx, sqlCommitStock, errorSubjectStock, errorCodeCommit, productID.String(), quantity.Int64())
}

// UpsertProduct creates a product or refreshes its name, price and total stock.
func (q queries) UpsertProduct(ctx context.Context, productID inventory.ProductID, name string, price decimal.Decimal, totalStock int64) (inventory.Product, error) {
	return q.queryProduct(ctx, sqlUpsertProduct, errorSubjectProduct, errorCodeUpsert, productID.String(), name, price.StringFixed(2), totalStock)
}

func (q queries) CreateHold(ctx context.Context, hold inventory.Hold) error {
	_, err := q.db.Exec(ctx, sqlInsertHold,
		hold.ID.String(),
		hold.ProductID.String(),
		hold.Quantity.Int64(),
		hold.ExpiresAt.UTC(),
		hold.Consumed,
		hold.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

func (q queries) LockHold(ctx context.Context, holdID inventory.HoldID) (inventory.Hold, error) {
	hold, err := scanHold(q.db.QueryRow(ctx, sqlLockHold, holdID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Hold{}, wrapStoreError(errorSubjectHold, errorCodeLock, inventory.ErrHoldNotFound)
		}
		return inventory.Hold{}, wrapStoreError(errorSubjectHold, errorCodeLock, err)
	}
	return hold, nil
}

func (q queries) MarkHoldConsumed(ctx context.Context, holdID inventory.HoldID) (inventory.Hold, error) {
	hold, err := scanHold(q.db.QueryRow(ctx, sqlConsumeHold, holdID.String()))
	if err == nil {
		return hold, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return inventory.Hold{}, wrapStoreError(errorSubjectHold, errorCodeConsume, err)
	}
	if _, lookupErr := q.LockHold(ctx, holdID); lookupErr != nil {
		return inventory.Hold{}, lookupErr
	}
	return inventory.Hold{}, wrapStoreError(errorSubjectHold, errorCodeConsume, inventory.ErrHoldAlreadyUsed)
}

func (q queries) ListExpiredHolds(ctx context.Context, before time.Time, limit int) ([]inventory.HoldID, error) {
	rows, err := q.db.Query(ctx, sqlListExpiredHolds, before.UTC(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	defer rows.Close()
	holdIDs := make([]inventory.HoldID, 0)
	for rows.Next() {
		var rawID string
		if err := rows.Scan(&rawID); err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
		}
		holdID, err := inventory.NewHoldID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
		}
		holdIDs = append(holdIDs, holdID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	return holdIDs, nil
}

func (q queries) CreateOrder(ctx context.Context, order inventory.Order) error {
	_, err := q.db.Exec(ctx, sqlInsertOrder,
		order.ID.String(),
		order.ProductID.String(),
		order.HoldID.String(),
		order.Quantity.Int64(),
		order.TotalPrice.StringFixed(2),
		order.Status.String(),
		order.CreatedAt.UTC(),
		order.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
	}
	return nil
}

func (q queries) GetOrder(ctx context.Context, orderID inventory.OrderID) (inventory.Order, error) {
	return q.queryOrder(ctx, sqlSelectOrder, errorCodeGet, orderID.String())
}

func (q queries) LockOrder(ctx context.Context, orderID inventory.OrderID) (inventory.Order, error) {
	return q.queryOrder(ctx, sqlLockOrder, errorCodeLock, orderID.String())
}

func (q queries) UpdateOrderStatus(ctx context.Context, orderID inventory.OrderID, from, to inventory.OrderStatus) (inventory.Order, error) {
	order, err := scanOrder(q.db.QueryRow(ctx, sqlUpdateOrderStatus, orderID.String(), from.String(), to.String()))
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return inventory.Order{}, wrapStoreError(errorSubjectOrder, errorCodeUpdateStatus, err)
	}
	if _, lookupErr := q.GetOrder(ctx, orderID); lookupErr != nil {
		return inventory.Order{}, lookupErr
	}
	return inventory.Order{}, wrapStoreError(errorSubjectOrder, errorCodeUpdateStatus, inventory.ErrOrderClosed)
}

func (q queries) LockWebhookByKey(ctx context.Context, key inventory.IdempotencyKey) (inventory.PaymentWebhook, bool, error) {
	var (
		id          string
		rawKey      string
		rawOrderID  string
		rawStatus   string
		rawPayload  string
		processedAt time.Time
	)
	err := q.db.QueryRow(ctx, sqlLockWebhookByKey, key.String()).Scan(&id, &rawKey, &rawOrderID, &rawStatus, &rawPayload, &processedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.PaymentWebhook{}, false, nil
		}
		return inventory.PaymentWebhook{}, false, wrapStoreError(errorSubjectWebhook, errorCodeLock, err)
	}
	orderID, err := inventory.NewOrderID(rawOrderID)
	if err != nil {
		return inventory.PaymentWebhook{}, false, wrapStoreError(errorSubjectWebhook, errorCodeInvalid, err)
	}
	status, err := inventory.ParseWebhookStatus(rawStatus)
	if err != nil {
		return inventory.PaymentWebhook{}, false, wrapStoreError(errorSubjectWebhook, errorCodeInvalid, err)
	}
	payload, err := inventory.NewPayloadJSON(rawPayload)
	if err != nil {
		return inventory.PaymentWebhook{}, false, wrapStoreError(errorSubjectWebhook, errorCodeInvalid, err)
	}
	return inventory.PaymentWebhook{
		ID:             id,
		IdempotencyKey: key,
		OrderID:        orderID,
		Status:         status,
		Payload:        payload,
		ProcessedAt:    processedAt.UTC(),
	}, true, nil
}

func (q queries) CreateWebhook(ctx context.Context, webhook inventory.PaymentWebhook) error {
	_, err := q.db.Exec(ctx, sqlInsertWebhook,
		webhook.ID,
		webhook.IdempotencyKey.String(),
		webhook.OrderID.String(),
		webhook.Status.String(),
		webhook.Payload.String(),
		webhook.ProcessedAt.UTC(),
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectWebhook, errorCodeDuplicate, inventory.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeCreate, err)
	}
	return nil
}

// AppendEvent stores a pending outbox row together with the trace context of ctx.
func (q queries) AppendEvent(ctx context.Context, event inventory.Event) error {
	headers, err := json.Marshal(outbox.TraceHeaders(ctx))
	if err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeCreate, err)
	}
	_, err = q.db.Exec(ctx, sqlInsertOutboxEvent,
		event.AggregateType,
		event.AggregateID,
		event.Type,
		string(event.Payload),
		string(headers),
		event.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeCreate, err)
	}
	return nil
}

func (q queries) queryProduct(ctx context.Context, statement string, subject string, code string, args ...any) (inventory.Product, error) {
	product, err := scanProduct(q.db.QueryRow(ctx, statement, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Product{}, wrapStoreError(subject, code, inventory.ErrProductNotFound)
		}
		return inventory.Product{}, wrapStoreError(subject, code, err)
	}
	return product, nil
}

func (q queries) queryOrder(ctx context.Context, statement string, code string, args ...any) (inventory.Order, error) {
	order, err := scanOrder(q.db.QueryRow(ctx, statement, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Order{}, wrapStoreError(errorSubjectOrder, code, inventory.ErrOrderNotFound)
		}
		return inventory.Order{}, wrapStoreError(errorSubjectOrder, code, err)
	}
	return order, nil
}

func scanProduct(row pgx.Row) (inventory.Product, error) {
	var (
		rawID    string
		rawPrice string
		product  inventory.Product
	)
	if err := row.Scan(&rawID, &product.Name, &rawPrice, &product.TotalStock, &product.ReservedStock, &product.Revision); err != nil {
		return inventory.Product{}, err
	}
	productID, err := inventory.NewProductID(rawID)
	if err != nil {
		return inventory.Product{}, fmt.Errorf("%w: %v", inventory.ErrInvalidProductID, err)
	}
	price, err := decimal.NewFromString(rawPrice)
	if err != nil {
		return inventory.Product{}, fmt.Errorf("%w: %v", inventory.ErrInvalidPrice, err)
	}
	product.ID = productID
	product.Price = price
	return product, nil
}

func scanHold(row pgx.Row) (inventory.Hold, error) {
	var (
		rawID        string
		rawProductID string
		rawQuantity  int64
		hold         inventory.Hold
	)
	if err := row.Scan(&rawID, &rawProductID, &rawQuantity, &hold.ExpiresAt, &hold.Consumed, &hold.CreatedAt); err != nil {
		return inventory.Hold{}, err
	}
	holdID, err := inventory.NewHoldID(rawID)
	if err != nil {
		return inventory.Hold{}, err
	}
	productID, err := inventory.NewProductID(rawProductID)
	if err != nil {
		return inventory.Hold{}, err
	}
	quantity, err := inventory.NewQuantity(rawQuantity)
	if err != nil {
		return inventory.Hold{}, err
	}
	hold.ID = holdID
	hold.ProductID = productID
	hold.Quantity = quantity
	hold.ExpiresAt = hold.ExpiresAt.UTC()
	hold.CreatedAt = hold.CreatedAt.UTC()
	return hold, nil
}

func scanOrder(row pgx.Row) (inventory.Order, error) {
	var (
		rawID         string
		rawProductID  string
		rawHoldID     string
		rawQuantity   int64
		rawTotalPrice string
		rawStatus     string
		order         inventory.Order
	)
	if err := row.Scan(&rawID, &rawProductID, &rawHoldID, &rawQuantity, &rawTotalPrice, &rawStatus, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return inventory.Order{}, err
	}
	orderID, err := inventory.NewOrderID(rawID)
	if err != nil {
		return inventory.Order{}, err
	}
	productID, err := inventory.NewProductID(rawProductID)
	if err != nil {
		return inventory.Order{}, err
	}
	if rawHoldID != "" {
		order.HoldID, err = inventory.NewHoldID(rawHoldID)
		if err != nil {
			return inventory.Order{}, err
		}
	}
	quantity, err := inventory.NewQuantity(rawQuantity)
	if err != nil {
		return inventory.Order{}, err
	}
	totalPrice, err := decimal.NewFromString(rawTotalPrice)
	if err != nil {
		return inventory.Order{}, fmt.Errorf("%w: %v", inventory.ErrInvalidPrice, err)
	}
	status, err := inventory.ParseOrderStatus(rawStatus)
	if err != nil {
		return inventory.Order{}, err
	}
	order.ID = orderID
	order.ProductID = productID
	order.Quantity = quantity
	order.TotalPrice = totalPrice
	order.Status = status
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return inventory.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintWebhookIdempotencyKey
	}
	return false
}
