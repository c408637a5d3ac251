package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/inventory"
)

// StockChecker validates lines against live stock without reserving.
type StockChecker interface {
	Check(ctx context.Context, lines []inventory.Line) ([]inventory.ReservedLine, error)
}

type CartItemRequest struct {
	ProductID string `json:"product_id" validate:"required,uuid_ci"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type ValidateCartRequest struct {
	Items []CartItemRequest `json:"items" validate:"required,min=1,dive"`
}

type CartItemResponse struct {
	ProductID uuid.UUID       `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type ValidateCartResponse struct {
	Items []CartItemResponse `json:"items"`
	Total decimal.Decimal    `json:"total"`
}

type CartHandler struct {
	checker  StockChecker
	validate *validator.Validate
}

func NewCartHandler(checker StockChecker) *CartHandler {
	return &CartHandler{
		checker:  checker,
		validate: newValidator(),
	}
}

func (h *CartHandler) RegisterRoutes(router chi.Router) {
	router.Post("/cart/validate", h.handleValidateCart)
}

func (h *CartHandler) handleValidateCart(w http.ResponseWriter, r *http.Request) {
	var requestPayload ValidateCartRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}

	lines := make([]inventory.Line, 0, len(requestPayload.Items))
	for _, item := range requestPayload.Items {
		lines = append(lines, inventory.Line{
			ProductID: uuid.FromStringOrNil(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	checked, err := h.checker.Check(r.Context(), lines)
	if err != nil {
		respondWithError(w, err)
		return
	}

	response := ValidateCartResponse{
		Items: make([]CartItemResponse, 0, len(checked)),
		Total: decimal.Zero,
	}
	for _, line := range checked {
		subtotal := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		response.Items = append(response.Items, CartItemResponse{
			ProductID: line.ProductID,
			Name:      line.Name,
			Price:     line.UnitPrice,
			Quantity:  line.Quantity,
			Subtotal:  subtotal,
		})
		response.Total = response.Total.Add(subtotal)
	}

	respondWithJSON(w, http.StatusOK, response)
}
