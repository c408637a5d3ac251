package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/idempotency"
	"github.com/vasiliy-maslov/storefront/internal/order"
)

const ReplayHeader = "Idempotent-Replay"

type OrderItemRequest struct {
	ProductID string           `json:"product_id" validate:"required,uuid_ci"`
	Quantity  int              `json:"quantity" validate:"required,gt=0"`
	Price     *decimal.Decimal `json:"price" validate:"required"`
}

type CreateOrderRequest struct {
	UserID          string             `json:"user_id,omitempty" validate:"omitempty,uuid_ci"`
	Items           []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	TotalAmount     *decimal.Decimal   `json:"total_amount" validate:"required"`
	ShippingAddress string             `json:"shipping_address" validate:"required"`
	Notes           string             `json:"notes,omitempty" validate:"max=1000"`
}

type UpdateOrderRequest struct {
	Status          *string `json:"status,omitempty"`
	ShippingAddress *string `json:"shipping_address,omitempty"`
	Notes           *string `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

type OrderHandler struct {
	service  order.Service
	idem     idempotency.Store
	validate *validator.Validate
}

// NewOrderHandler builds the handler. idem may be nil, which disables
// Idempotency-Key support.
func NewOrderHandler(service order.Service, idem idempotency.Store) *OrderHandler {
	return &OrderHandler{
		service:  service,
		idem:     idem,
		validate: newValidator(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Route("/orders", func(r chi.Router) {
		r.Get("/", h.handleGetAllOrders)
		r.Get("/user", h.handleGetOrdersForUser)
		r.Get("/{id}", h.handleGetOrderByID)
		r.Post("/", h.handleCreateOrder)
		r.Put("/{id}", h.handleUpdateOrder)
		r.Delete("/{id}", h.handleDeleteOrder)
	})
}

func (req CreateOrderRequest) toInput() order.CreateInput {
	in := order.CreateInput{
		TotalAmount:     *req.TotalAmount,
		ShippingAddress: req.ShippingAddress,
		Notes:           req.Notes,
		Items:           make([]order.OrderItem, 0, len(req.Items)),
	}
	// Formats were checked by the validator.
	if req.UserID != "" {
		in.UserID = uuid.FromStringOrNil(req.UserID)
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, order.OrderItem{
			ProductID: uuid.FromStringOrNil(item.ProductID),
			Quantity:  item.Quantity,
			Price:     *item.Price,
		})
	}
	return in
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	var requestPayload CreateOrderRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}

	var fingerprint string
	key := idempotency.Key(r)
	if key != "" && h.idem != nil {
		if err := idempotency.ValidateKey(key); err != nil {
			respondWithError(w, err)
			return
		}

		fp, err := idempotency.Fingerprint(requestPayload)
		if err != nil {
			log.Error().Err(err).Msg("Failed to fingerprint order request")
			respondWithCode(w, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
			return
		}
		fingerprint = fp

		scope := caller.UserID.String()
		replay, err := h.idem.Begin(r.Context(), scope, key, fingerprint)
		switch {
		case errors.Is(err, idempotency.ErrInFlight), errors.Is(err, idempotency.ErrKeyReused):
			respondWithError(w, err)
			return
		case err != nil:
			log.Warn().Err(err).Str("idempotency_key", key).Msg("Idempotency store unavailable, processing without it")
			key = ""
		case replay != nil:
			w.Header().Set(ReplayHeader, "true")
			respondWithRaw(w, http.StatusCreated, replay)
			return
		}
	} else {
		key = ""
	}

	created, err := h.service.CreateOrder(r.Context(), caller, requestPayload.toInput())
	if err != nil {
		if key != "" {
			if abortErr := h.idem.Abort(r.Context(), caller.UserID.String(), key); abortErr != nil {
				log.Warn().Err(abortErr).Str("idempotency_key", key).Msg("Failed to release idempotency key")
			}
		}
		log.Warn().Err(err).Stringer("user_id", caller.UserID).Msg("Failed to create order via service")
		respondWithError(w, err)
		return
	}

	body, err := json.Marshal(created)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", created.ID).Msg("Failed to marshal created order")
		respondWithCode(w, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
		return
	}

	if key != "" {
		if err := h.idem.Complete(r.Context(), caller.UserID.String(), key, fingerprint, body); err != nil {
			log.Warn().Err(err).Str("idempotency_key", key).Msg("Failed to store idempotent response")
		}
	}

	respondWithRaw(w, http.StatusCreated, body)
}

func (h *OrderHandler) handleGetOrderByID(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := order.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, err)
		return
	}

	found, err := h.service.GetOrderByID(r.Context(), caller, id)
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, found)
}

// handleGetOrdersForUser lists the caller's orders. Admins may pass
// ?user_id= to list another user's orders.
func (h *OrderHandler) handleGetOrdersForUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	userID := caller.UserID
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		parsed, err := order.ParseID(raw)
		if err != nil {
			respondWithError(w, err)
			return
		}
		userID = parsed
	}

	orders, err := h.service.GetOrdersForUser(r.Context(), caller, userID)
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) handleGetAllOrders(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	orders, err := h.service.GetAllOrders(r.Context(), caller)
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := order.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, err)
		return
	}

	var requestPayload UpdateOrderRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}

	patch := order.Patch{
		ShippingAddress: requestPayload.ShippingAddress,
		Notes:           requestPayload.Notes,
	}
	if requestPayload.Status != nil {
		status, err := order.ParseStatus(*requestPayload.Status)
		if err != nil {
			respondWithError(w, err)
			return
		}
		patch.Status = &status
	}

	updated, err := h.service.UpdateOrder(r.Context(), caller, id, patch)
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, updated)
}

func (h *OrderHandler) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := order.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, err)
		return
	}

	deleted, err := h.service.DeleteOrder(r.Context(), caller, id)
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, deleted)
}
