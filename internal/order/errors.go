package order

import "errors"

var (
	ErrOrderNotFound           = errors.New("order not found")
	ErrDuplicateOrderID        = errors.New("order with this ID already exists")
	ErrValidation              = errors.New("validation failed")
	ErrInvalidID               = errors.New("invalid identifier")
	ErrInvalidStatus           = errors.New("invalid order status")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
)
