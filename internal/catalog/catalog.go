// Package catalog serves the product read model, caching name and price in Redis.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/flashsale/pkg/inventory"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// KeyPrefix namespaces product metadata keys.
	KeyPrefix = "product:"
	// DefaultTTL bounds how stale a cached name or price can be.
	DefaultTTL = 5 * time.Second
)

// ProductReader loads products and their live stock counters.
type ProductReader interface {
	Product(ctx context.Context, productID inventory.ProductID) (inventory.Product, error)
	StockLevel(ctx context.Context, productID inventory.ProductID) (inventory.StockLevel, error)
}

// ProductView is the public representation of a product.
type ProductView struct {
	ID             inventory.ProductID
	Name           string
	Price          decimal.Decimal
	AvailableStock int64
	TotalStock     int64
}

type cachedMetadata struct {
	Name  string `json:"name"`
	Price string `json:"price"`
}

// Catalog reads product views. Stock counters always come from the store.
type Catalog struct {
	reader ProductReader
	cache  redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithCache enables the Redis metadata cache.
func WithCache(client redis.Cmdable, ttl time.Duration) Option {
	return func(catalog *Catalog) {
		catalog.cache = client
		if ttl > 0 {
			catalog.ttl = ttl
		}
	}
}

// WithLogger sets the logger used for cache failures.
func WithLogger(logger *zap.Logger) Option {
	return func(catalog *Catalog) {
		if logger != nil {
			catalog.logger = logger
		}
	}
}

// New builds a Catalog over reader.
func New(reader ProductReader, options ...Option) *Catalog {
	catalog := &Catalog{reader: reader, ttl: DefaultTTL, logger: zap.NewNop()}
	for _, option := range options {
		option(catalog)
	}
	return catalog
}

// Product returns the view of one product.
func (catalog *Catalog) Product(ctx context.Context, productID inventory.ProductID) (ProductView, error) {
	if metadata, ok := catalog.cachedMetadata(ctx, productID); ok {
		level, err := catalog.reader.StockLevel(ctx, productID)
		if err != nil {
			return ProductView{}, err
		}
		price, err := decimal.NewFromString(metadata.Price)
		if err == nil {
			return ProductView{
				ID:             productID,
				Name:           metadata.Name,
				Price:          price,
				AvailableStock: level.AvailableStock(),
				TotalStock:     level.TotalStock,
			}, nil
		}
		catalog.logger.Warn("cached product price unreadable", zap.String("product_id", productID.String()), zap.Error(err))
	}

	product, err := catalog.reader.Product(ctx, productID)
	if err != nil {
		return ProductView{}, err
	}
	catalog.storeMetadata(ctx, product)
	return ProductView{
		ID:             product.ID,
		Name:           product.Name,
		Price:          product.Price,
		AvailableStock: product.AvailableStock(),
		TotalStock:     product.TotalStock,
	}, nil
}

// Invalidate drops the cached metadata of a product.
func (catalog *Catalog) Invalidate(ctx context.Context, productID inventory.ProductID) error {
	if catalog.cache == nil {
		return nil
	}
	return catalog.cache.Del(ctx, cacheKey(productID)).Err()
}

func (catalog *Catalog) cachedMetadata(ctx context.Context, productID inventory.ProductID) (cachedMetadata, bool) {
	if catalog.cache == nil {
		return cachedMetadata{}, false
	}
	raw, err := catalog.cache.Get(ctx, cacheKey(productID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			catalog.logger.Warn("product cache read failed", zap.String("product_id", productID.String()), zap.Error(err))
		}
		return cachedMetadata{}, false
	}
	var metadata cachedMetadata
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		catalog.logger.Warn("product cache entry unreadable", zap.String("product_id", productID.String()), zap.Error(err))
		return cachedMetadata{}, false
	}
	return metadata, true
}

func (catalog *Catalog) storeMetadata(ctx context.Context, product inventory.Product) {
	if catalog.cache == nil {
		return
	}
	encoded, err := json.Marshal(cachedMetadata{Name: product.Name, Price: product.Price.StringFixed(2)})
	if err != nil {
		return
	}
	if err := catalog.cache.Set(ctx, cacheKey(product.ID), encoded, catalog.ttl).Err(); err != nil {
		catalog.logger.Warn("product cache write failed", zap.String("product_id", product.ID.String()), zap.Error(err))
	}
}

func cacheKey(productID inventory.ProductID) string {
	return KeyPrefix + productID.String()
}
