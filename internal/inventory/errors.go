package inventory

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
)

var (
	ErrNoLines            = errors.New("at least one line item is required")
	ErrInvalidLine        = errors.New("invalid line item")
	ErrProductUnavailable = errors.New("product unavailable")
)

// Rejection reasons reported to the Recorder.
const (
	ReasonNotFound     = "not_found"
	ReasonUnavailable  = "unavailable"
	ReasonInsufficient = "insufficient_stock"
	ReasonInvalid      = "invalid"
	ReasonStoreError   = "store_error"
)

type NotFoundError struct {
	ProductID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == catalog.ErrProductNotFound
}

type UnavailableError struct {
	ProductID uuid.UUID
	Name      string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("product %q (%s) is not available", e.Name, e.ProductID)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrProductUnavailable
}

type InsufficientStockError struct {
	ProductID uuid.UUID
	Name      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: available %d, requested %d", e.Name, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == catalog.ErrInsufficientStock
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, catalog.ErrProductNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrProductUnavailable):
		return ReasonUnavailable
	case errors.Is(err, catalog.ErrInsufficientStock):
		return ReasonInsufficient
	case errors.Is(err, ErrInvalidLine), errors.Is(err, ErrNoLines):
		return ReasonInvalid
	default:
		return ReasonStoreError
	}
}
