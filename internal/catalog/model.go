package catalog

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryRawIngredients Category = "raw_ingredients"
	CategoryReadyProducts  Category = "ready_products"
	CategoryBeverages      Category = "beverages"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryRawIngredients, CategoryReadyProducts, CategoryBeverages:
		return true
	}
	return false
}

func (c Category) String() string {
	return string(c)
}

// Product is a catalog entry. Orders only ever touch Stock.
type Product struct {
	ID        uuid.UUID       `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	Category  Category        `json:"category" yaml:"category"`
	Price     decimal.Decimal `json:"price" yaml:"price"`
	Stock     int             `json:"stock" yaml:"stock"`
	IsActive  bool            `json:"is_active" yaml:"is_active"`
	CreatedAt time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"-"`
}
