//go:build integration

package pgstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/flashsale/internal/migrations"
	"github.com/MarkoPoloResearchLab/flashsale/internal/outbox"
	"github.com/MarkoPoloResearchLab/flashsale/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/flashsale/pkg/inventory"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newPostgresStore(test *testing.T) (*pgstore.Store, *pgxpool.Pool) {
	test.Helper()
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("flashsale"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		test.Skipf("postgres container unavailable: %v", err)
	}
	test.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connectionString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(test, err)
	pool, err := pgxpool.New(ctx, connectionString)
	require.NoError(test, err)
	test.Cleanup(pool.Close)

	applied, err := migrations.Apply(ctx, pool)
	require.NoError(test, err)
	names, err := migrations.Names()
	require.NoError(test, err)
	require.Equal(test, names, applied)

	return pgstore.New(pool), pool
}

func seedProduct(test *testing.T, store *pgstore.Store, name string, price string, total int64) inventory.Product {
	test.Helper()
	productID, err := inventory.NewProductID(uuid.NewString())
	require.NoError(test, err)
	product, err := store.UpsertProduct(context.Background(), productID, name, decimal.RequireFromString(price), total)
	require.NoError(test, err)
	return product
}

func newService(test *testing.T, store inventory.Store, options ...inventory.ServiceOption) *inventory.Service {
	test.Helper()
	service, err := inventory.NewService(store, time.Now, options...)
	require.NoError(test, err)
	return service
}

func TestPostgresStoreIntegration(test *testing.T) {
	store, pool := newPostgresStore(test)
	ctx := context.Background()

	test.Run("migrations are idempotent", func(test *testing.T) {
		applied, err := migrations.Apply(ctx, pool)
		require.NoError(test, err)
		assert.Empty(test, applied)
	})

	test.Run("purchase flow", func(test *testing.T) {
		product := seedProduct(test, store, "Item 2", "200.50", 10)
		service := newService(test, store, inventory.WithDomainEvents(true))

		hold, err := service.Holds.CreateHold(ctx, product.ID, 3)
		require.NoError(test, err)
		order, err := service.Orders.CreateFromHold(ctx, hold.ID)
		require.NoError(test, err)
		assert.True(test, order.TotalPrice.Equal(decimal.RequireFromString("601.50")))

		key, err := inventory.NewIdempotencyKey("pg-pay-" + uuid.NewString())
		require.NoError(test, err)
		result, err := service.Webhooks.Handle(ctx, inventory.WebhookInput{
			IdempotencyKey: key,
			OrderID:        order.ID,
			Status:         inventory.WebhookStatusSuccess,
		})
		require.NoError(test, err)
		assert.Equal(test, inventory.OrderStatusPaid, result.OrderStatus)

		replay, err := service.Webhooks.Handle(ctx, inventory.WebhookInput{
			IdempotencyKey: key,
			OrderID:        order.ID,
			Status:         inventory.WebhookStatusFailure,
		})
		require.NoError(test, err)
		assert.True(test, replay.AlreadyProcessed)
		assert.Equal(test, result.WebhookID, replay.WebhookID)

		level, err := store.GetStockLevel(ctx, product.ID)
		require.NoError(test, err)
		assert.Equal(test, int64(7), level.TotalStock)
		assert.Equal(test, int64(0), level.ReservedStock)
	})

	test.Run("concurrent holds never oversell", func(test *testing.T) {
		product := seedProduct(test, store, "Item 1", "100.00", 5)
		service := newService(test, store, inventory.WithReserveAttempts(20))

		const buyers = 20
		var (
			waitGroup sync.WaitGroup
			mutex     sync.Mutex
			succeeded int
		)
		for index := 0; index < buyers; index++ {
			waitGroup.Add(1)
			go func() {
				defer waitGroup.Done()
				if _, err := service.Holds.CreateHold(ctx, product.ID, 1); err == nil {
					mutex.Lock()
					succeeded++
					mutex.Unlock()
				}
			}()
		}
		waitGroup.Wait()

		level, err := store.GetStockLevel(ctx, product.ID)
		require.NoError(test, err)
		assert.LessOrEqual(test, succeeded, 5)
		assert.Equal(test, int64(succeeded), level.ReservedStock)
		assert.LessOrEqual(test, level.ReservedStock, level.TotalStock)
	})

	test.Run("duplicate webhook key maps to sentinel", func(test *testing.T) {
		product := seedProduct(test, store, "Item 3", "99.99", 3)
		service := newService(test, store)
		hold, err := service.Holds.CreateHold(ctx, product.ID, 1)
		require.NoError(test, err)
		order, err := service.Orders.CreateFromHold(ctx, hold.ID)
		require.NoError(test, err)

		key, err := inventory.NewIdempotencyKey("pg-dup-" + uuid.NewString())
		require.NoError(test, err)
		webhook := inventory.PaymentWebhook{
			ID:             uuid.NewString(),
			IdempotencyKey: key,
			OrderID:        order.ID,
			Status:         inventory.WebhookStatusSuccess,
			ProcessedAt:    time.Now().UTC(),
		}
		require.NoError(test, store.CreateWebhook(ctx, webhook))
		webhook.ID = uuid.NewString()
		err = store.CreateWebhook(ctx, webhook)
		assert.ErrorIs(test, err, inventory.ErrDuplicateIdempotencyKey)
	})

	test.Run("outbox batch is leased and acknowledged", func(test *testing.T) {
		_, err := pool.Exec(ctx, `delete from outbox_events`)
		require.NoError(test, err)
		for index := 0; index < 3; index++ {
			require.NoError(test, store.AppendEvent(ctx, inventory.Event{
				AggregateType: inventory.AggregateOrder,
				AggregateID:   uuid.NewString(),
				Type:          inventory.EventOrderCreated,
				Payload:       []byte(`{"n":1}`),
				CreatedAt:     time.Now(),
			}))
		}

		now := time.Now()
		records, err := store.LockBatch(ctx, now, 10, time.Minute)
		require.NoError(test, err)
		require.Len(test, records, 3)
		assert.Less(test, records[0].ID, records[1].ID)

		again, err := store.LockBatch(ctx, now, 10, time.Minute)
		require.NoError(test, err)
		assert.Empty(test, again)

		require.NoError(test, store.MarkSent(ctx, []int64{records[0].ID, records[1].ID}, now))
		require.NoError(test, store.MarkFailed(ctx, records[2].ID, "broker down", 1))

		var sent, failed int
		require.NoError(test, pool.QueryRow(ctx, `select count(*) filter (where status = $1), count(*) filter (where status = $2) from outbox_events`,
			string(outbox.StatusSent), string(outbox.StatusFailed)).Scan(&sent, &failed))
		assert.Equal(test, 2, sent)
		assert.Equal(test, 1, failed)
	})
}
