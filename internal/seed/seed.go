// Package seed loads the demo flash-sale catalog.
package seed

import (
	"context"

	"github.com/MarkoPoloResearchLab/flashsale/pkg/inventory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductUpserter creates or refreshes a catalog row.
type ProductUpserter interface {
	UpsertProduct(ctx context.Context, productID inventory.ProductID, name string, price decimal.Decimal, totalStock int64) (inventory.Product, error)
}

// Item is one catalog entry.
type Item struct {
	Name       string
	Price      decimal.Decimal
	TotalStock int64
}

// DefaultCatalog is the demo product set.
var DefaultCatalog = []Item{
	{Name: "Item 1", Price: decimal.RequireFromString("100.00"), TotalStock: 100},
	{Name: "Item 2", Price: decimal.RequireFromString("200.50"), TotalStock: 100},
	{Name: "Item 3", Price: decimal.RequireFromString("99.99"), TotalStock: 300},
	{Name: "Item 4", Price: decimal.RequireFromString("404.99"), TotalStock: 100},
}

// ProductID derives the stable id of a named item, so reseeding updates rows in place.
func ProductID(name string) inventory.ProductID {
	productID, _ := inventory.NewProductID(uuid.NewSHA1(uuid.NameSpaceOID, []byte("flashsale/product/"+name)).String())
	return productID
}

// Run upserts items and returns the stored products.
func Run(ctx context.Context, store ProductUpserter, items []Item) ([]inventory.Product, error) {
	products := make([]inventory.Product, 0, len(items))
	for _, item := range items {
		product, err := store.UpsertProduct(ctx, ProductID(item.Name), item.Name, item.Price, item.TotalStock)
		if err != nil {
			return products, inventory.WrapError("seed", "product", "upsert", err)
		}
		products = append(products, product)
	}
	return products, nil
}
