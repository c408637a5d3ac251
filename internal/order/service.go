package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/auth"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/events"
	"github.com/vasiliy-maslov/storefront/internal/inventory"
	"github.com/vasiliy-maslov/storefront/internal/lock"
)

// allowedTransitions applies only in strict mode; otherwise any status may
// follow any other.
var allowedTransitions = map[OrderStatus]map[OrderStatus]bool{
	StatusPending: {
		StatusConfirmed: true,
		StatusCancelled: true,
	},
	StatusConfirmed: {
		StatusShipped:   true,
		StatusCancelled: true,
	},
	StatusShipped: {
		StatusDelivered: true,
	},
	StatusDelivered: {},
	StatusCancelled: {},
}

// StockLedger reserves and releases stock for order lines.
type StockLedger interface {
	Reserve(ctx context.Context, lines []inventory.Line) ([]inventory.ReservedLine, error)
	Release(ctx context.Context, lines []inventory.Line)
}

type ProductLookup interface {
	GetProductByID(ctx context.Context, id uuid.UUID) (*catalog.Product, error)
}

type Service interface {
	CreateOrder(ctx context.Context, caller auth.Identity, in CreateInput) (*Order, error)
	GetOrderByID(ctx context.Context, caller auth.Identity, id uuid.UUID) (*Order, error)
	GetOrdersForUser(ctx context.Context, caller auth.Identity, userID uuid.UUID) ([]Order, error)
	GetAllOrders(ctx context.Context, caller auth.Identity) ([]Order, error)
	UpdateOrder(ctx context.Context, caller auth.Identity, id uuid.UUID, patch Patch) (*Order, error)
	DeleteOrder(ctx context.Context, caller auth.Identity, id uuid.UUID) (*Order, error)
}

type Option func(*service)

// WithStrictTransitions restricts status changes to the forward graph in
// allowedTransitions.
func WithStrictTransitions(strict bool) Option {
	return func(s *service) { s.strict = strict }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *service) {
		if p != nil {
			s.publisher = p
		}
	}
}

type service struct {
	orderRepo Repository
	ledger    StockLedger
	products  ProductLookup
	publisher events.Publisher
	locks     *lock.Keyed
	strict    bool
}

func NewService(orderRepo Repository, ledger StockLedger, products ProductLookup, opts ...Option) Service {
	s := &service{
		orderRepo: orderRepo,
		ledger:    ledger,
		products:  products,
		publisher: events.NoopPublisher{},
		locks:     lock.NewKeyed(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func checkCaller(caller auth.Identity) error {
	if caller.UserID == uuid.Nil || !caller.Role.Valid() {
		return auth.ErrUnauthorized
	}
	return nil
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func validateCreate(in *CreateInput) error {
	if len(in.Items) == 0 {
		return validationErr("order must contain at least one item")
	}
	for i, item := range in.Items {
		if item.ProductID == uuid.Nil {
			return validationErr("item %d: product id is required", i)
		}
		if item.Quantity <= 0 {
			return validationErr("item %d: quantity must be greater than zero", i)
		}
		if item.Price.IsNegative() {
			return validationErr("item %d: price cannot be negative", i)
		}
		if !catalog.ValidAmount(item.Price) {
			return validationErr("item %d: price %s needs at most two decimal places and must be below %s", i, item.Price, catalog.MaxAmount)
		}
	}
	if !in.TotalAmount.IsPositive() {
		return validationErr("total amount must be greater than zero")
	}
	if !catalog.ValidAmount(in.TotalAmount) {
		return validationErr("total amount %s needs at most two decimal places and must be below %s", in.TotalAmount, catalog.MaxAmount)
	}
	if strings.TrimSpace(in.ShippingAddress) == "" {
		return validationErr("shipping address is required")
	}
	if in.UserID == uuid.Nil {
		return validationErr("user id is required")
	}
	return nil
}

func linesOf(items []OrderItem) []inventory.Line {
	lines := make([]inventory.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

func (s *service) CreateOrder(ctx context.Context, caller auth.Identity, in CreateInput) (*Order, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}

	switch {
	case in.UserID == uuid.Nil:
		in.UserID = caller.UserID
	case in.UserID != caller.UserID && !caller.IsAdmin():
		log.Warn().Stringer("caller_id", caller.UserID).Stringer("user_id", in.UserID).Msg("service: user tried to create order for someone else")
		return nil, auth.ErrForbidden
	}

	if err := validateCreate(&in); err != nil {
		log.Warn().Err(err).Stringer("user_id", in.UserID).Msg("service: rejected order input")
		return nil, err
	}

	lines := linesOf(in.Items)
	reserved, err := s.ledger.Reserve(ctx, lines)
	if err != nil {
		log.Warn().Err(err).Stringer("user_id", in.UserID).Msg("service: stock reservation failed")
		return nil, err
	}
	checkPrices(in, reserved)

	items := make([]OrderItem, 0, len(in.Items))
	for _, item := range in.Items {
		items = append(items, OrderItem{ProductID: item.ProductID, Quantity: item.Quantity, Price: item.Price})
	}

	order := &Order{
		UserID:          in.UserID,
		Items:           items,
		TotalAmount:     in.TotalAmount,
		ShippingAddress: strings.TrimSpace(in.ShippingAddress),
		Notes:           in.Notes,
		Status:          StatusPending,
	}

	if err := s.orderRepo.CreateOrder(ctx, order); err != nil {
		log.Error().Err(err).Stringer("user_id", in.UserID).Msg("service: failed to create order in repository, releasing stock")
		s.ledger.Release(ctx, lines)
		return nil, fmt.Errorf("service: failed to create order: %w", err)
	}

	log.Info().Stringer("order_id", order.ID).Stringer("user_id", order.UserID).Stringer("total", order.TotalAmount).Msg("service: order created")

	s.publish(ctx, events.OrderCreated, order)
	s.resolveProducts(ctx, order)
	return order, nil
}

// checkPrices logs client prices that disagree with the catalog. The
// client's values are stored unchanged.
func checkPrices(in CreateInput, reserved []inventory.ReservedLine) {
	sum := decimal.Zero
	for i, item := range in.Items {
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		if i < len(reserved) && !reserved[i].UnitPrice.Equal(item.Price) {
			log.Warn().
				Stringer("product_id", item.ProductID).
				Stringer("client_price", item.Price).
				Stringer("catalog_price", reserved[i].UnitPrice).
				Msg("service: client price differs from catalog price")
		}
	}
	if !sum.Equal(in.TotalAmount) {
		log.Warn().Stringer("items_sum", sum).Stringer("total_amount", in.TotalAmount).Stringer("user_id", in.UserID).Msg("service: total amount differs from item sum")
	}
}

func (s *service) GetOrderByID(ctx context.Context, caller auth.Identity, id uuid.UUID) (*Order, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}

	order, err := s.orderRepo.GetOrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Err(err).Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order by id in repository")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}

	s.resolveProducts(ctx, order)
	return order, nil
}

func (s *service) GetOrdersForUser(ctx context.Context, caller auth.Identity, userID uuid.UUID) ([]Order, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if userID == uuid.Nil {
		userID = caller.UserID
	}
	if userID != caller.UserID && !caller.IsAdmin() {
		return nil, auth.ErrForbidden
	}

	orders, err := s.orderRepo.GetOrdersByUserID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("service: failed to fetch user orders in repository")
		return nil, fmt.Errorf("service: failed to fetch user orders: %w", err)
	}

	s.resolveAll(ctx, orders)
	return orders, nil
}

func (s *service) GetAllOrders(ctx context.Context, caller auth.Identity) ([]Order, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if err := caller.RequireAdmin(); err != nil {
		return nil, err
	}

	orders, err := s.orderRepo.GetAllOrders(ctx)
	if err != nil {
		log.Error().Err(err).Msg("service: failed to fetch all orders in repository")
		return nil, fmt.Errorf("service: failed to fetch orders: %w", err)
	}

	s.resolveAll(ctx, orders)
	return orders, nil
}

func validatePatch(patch Patch) error {
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, *patch.Status)
	}
	if patch.ShippingAddress != nil && strings.TrimSpace(*patch.ShippingAddress) == "" {
		return validationErr("shipping address cannot be empty")
	}
	return nil
}

func (s *service) UpdateOrder(ctx context.Context, caller auth.Identity, id uuid.UUID, patch Patch) (*Order, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if err := caller.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := validatePatch(patch); err != nil {
		log.Warn().Err(err).Stringer("order_id", id).Msg("service: rejected order patch")
		return nil, err
	}
	if patch.ShippingAddress != nil {
		trimmed := strings.TrimSpace(*patch.ShippingAddress)
		patch.ShippingAddress = &trimmed
	}

	unlock := s.locks.Lock(id.String())
	defer unlock()

	current, err := s.orderRepo.GetOrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Err(err).Stringer("order_id", id).Msg("service: order not found, cannot update")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to get order for update")
		return nil, fmt.Errorf("service: failed to get order for update: %w", err)
	}

	from := current.Status
	to := from
	if patch.Status != nil {
		to = *patch.Status
	}

	if s.strict && to != from && !allowedTransitions[from][to] {
		log.Warn().Stringer("order_id", id).Stringer("current_status", from).Stringer("new_status", to).Msg("service: invalid status transition attempt")
		return nil, fmt.Errorf("%w: from %s to %s", ErrInvalidStatusTransition, from, to)
	}

	lines := linesOf(current.Items)
	released, reopened := false, false
	switch {
	case to == StatusCancelled && from != StatusCancelled:
		// Stock goes back before the cancellation is persisted.
		s.ledger.Release(ctx, lines)
		released = true
	case from == StatusCancelled && to != StatusCancelled:
		// Reopening a cancelled order takes its stock again.
		if _, err := s.ledger.Reserve(ctx, lines); err != nil {
			log.Warn().Err(err).Stringer("order_id", id).Stringer("new_status", to).Msg("service: cannot reopen cancelled order")
			return nil, err
		}
		reopened = true
	}

	updated, err := s.orderRepo.UpdateOrder(ctx, id, patch)
	if err != nil {
		switch {
		case reopened:
			// The order is still cancelled, so the new reservation must go.
			s.ledger.Release(ctx, lines)
		case released:
			// The order is still active and holds its stock again.
			if _, rerr := s.ledger.Reserve(ctx, lines); rerr != nil {
				log.Error().Err(rerr).Stringer("order_id", id).Msg("service: failed to take back stock after cancellation was not saved")
			}
		}
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Err(err).Stringer("order_id", id).Msg("service: order disappeared during update")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to update order in repository")
		return nil, fmt.Errorf("service: failed to update order: %w", err)
	}

	log.Info().Stringer("order_id", id).Stringer("old_status", from).Stringer("new_status", updated.Status).Msg("service: order updated")

	eventType := events.OrderUpdated
	if to == StatusCancelled && from != StatusCancelled {
		eventType = events.OrderCancelled
	}
	s.publish(ctx, eventType, updated)
	s.resolveProducts(ctx, updated)
	return updated, nil
}

func (s *service) DeleteOrder(ctx context.Context, caller auth.Identity, id uuid.UUID) (*Order, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if err := caller.RequireAdmin(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id.String())
	defer unlock()

	deleted, err := s.orderRepo.DeleteOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Err(err).Stringer("order_id", id).Msg("service: order not found, cannot delete")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to delete order in repository")
		return nil, fmt.Errorf("service: failed to delete order: %w", err)
	}

	// A cancelled order already gave its stock back.
	if deleted.Status != StatusCancelled {
		s.ledger.Release(ctx, linesOf(deleted.Items))
	}

	log.Info().Stringer("order_id", id).Stringer("status", deleted.Status).Msg("service: order deleted")

	s.publish(ctx, events.OrderDeleted, deleted)
	s.resolveProducts(ctx, deleted)
	return deleted, nil
}

func (s *service) publish(ctx context.Context, eventType events.Type, order *Order) {
	items := make([]events.Item, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, events.Item{ProductID: item.ProductID, Quantity: item.Quantity, Price: item.Price})
	}

	err := s.publisher.Publish(ctx, events.Event{
		Type:        eventType,
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      order.Status.String(),
		TotalAmount: order.TotalAmount,
		Items:       items,
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", order.ID).Str("event_type", string(eventType)).Msg("service: failed to publish order event")
	}
}

func (s *service) resolveAll(ctx context.Context, orders []Order) {
	cache := make(map[uuid.UUID]*ProductSummary)
	for i := range orders {
		s.resolveWith(ctx, cache, &orders[i])
	}
}

func (s *service) resolveProducts(ctx context.Context, order *Order) {
	s.resolveWith(ctx, make(map[uuid.UUID]*ProductSummary), order)
}

// resolveWith fills item product summaries. Products that are gone stay nil.
func (s *service) resolveWith(ctx context.Context, cache map[uuid.UUID]*ProductSummary, order *Order) {
	if s.products == nil {
		return
	}
	for i := range order.Items {
		item := &order.Items[i]
		summary, seen := cache[item.ProductID]
		if !seen {
			p, err := s.products.GetProductByID(ctx, item.ProductID)
			switch {
			case err == nil:
				summary = &ProductSummary{ID: p.ID, Name: p.Name, Price: p.Price}
			case errors.Is(err, catalog.ErrProductNotFound):
			default:
				log.Warn().Err(err).Stringer("product_id", item.ProductID).Msg("service: failed to resolve product for display")
			}
			cache[item.ProductID] = summary
		}
		item.Product = summary
	}
}
