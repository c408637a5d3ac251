package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductInactive   = errors.New("product is not active")
	ErrInvalidProduct    = errors.New("invalid product")
	ErrDuplicateProduct  = errors.New("product with this ID already exists")
)

// Store is what the stock ledger needs from the catalog.
//
// DecrementStock must be atomic per product: it succeeds only while the
// current stock covers qty and reports ErrInsufficientStock otherwise, so
// concurrent callers can never drive stock below zero. An inactive product
// is never decremented (ErrProductInactive).
type Store interface {
	GetProductByID(ctx context.Context, id uuid.UUID) (*Product, error)
	DecrementStock(ctx context.Context, id uuid.UUID, qty int) (*Product, error)
	IncrementStock(ctx context.Context, id uuid.UUID, qty int) (*Product, error)
}

type Repository interface {
	Store
	CreateProduct(ctx context.Context, p *Product) error
}

// MaxAmount is the exclusive upper bound of a stored money value; the
// columns are NUMERIC(12, 2).
var MaxAmount = decimal.New(1, 10)

// ValidAmount reports whether d fits a money column exactly: non-negative,
// at most two decimal places and below MaxAmount.
func ValidAmount(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(d.Round(2)) && d.LessThan(MaxAmount)
}

// Validate checks the invariants every stored product must hold.
func Validate(p *Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProduct)
	}
	if !p.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidProduct, p.Category)
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("%w: price cannot be negative", ErrInvalidProduct)
	}
	if !ValidAmount(p.Price) {
		return fmt.Errorf("%w: price %s needs at most two decimal places and must be below %s", ErrInvalidProduct, p.Price, MaxAmount)
	}
	if p.Stock < 0 {
		return fmt.Errorf("%w: stock cannot be negative", ErrInvalidProduct)
	}
	return nil
}

func checkQuantity(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidProduct, qty)
	}
	return nil
}
