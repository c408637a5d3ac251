package order

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusConfirmed OrderStatus = "confirmed"
	StatusShipped   OrderStatus = "shipped"
	StatusDelivered OrderStatus = "delivered"
	StatusCancelled OrderStatus = "cancelled"
)

func (os OrderStatus) String() string {
	return string(os)
}

func (os OrderStatus) Valid() bool {
	switch os {
	case StatusPending, StatusConfirmed, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

func ParseStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// ProductSummary is the display view of an item's product. Nil when the
// product no longer exists.
type ProductSummary struct {
	ID    uuid.UUID       `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type OrderItem struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"` // unit price captured at order time
	Product   *ProductSummary `json:"product,omitempty"`
}

type Order struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	Items           []OrderItem     `json:"items"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
	Notes           string          `json:"notes,omitempty"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy, so stores never share item slices with callers.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = make([]OrderItem, len(o.Items))
	for i, item := range o.Items {
		if item.Product != nil {
			p := *item.Product
			item.Product = &p
		}
		c.Items[i] = item
	}
	return &c
}

type CreateInput struct {
	UserID          uuid.UUID
	Items           []OrderItem
	TotalAmount     decimal.Decimal
	ShippingAddress string
	Notes           string
}

// Patch holds the fields UpdateOrder may change. Nil means unchanged.
type Patch struct {
	Status          *OrderStatus
	ShippingAddress *string
	Notes           *string
}

// ParseID validates the identifier format before any lookup.
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.FromString(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return id, nil
}
