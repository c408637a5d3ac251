// Package inventory turns requested line items into stock movements
// against a catalog.Store.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/lock"
)

type Line struct {
	ProductID uuid.UUID
	Quantity  int
}

// ReservedLine is a line validated against the catalog. UnitPrice is the
// product price seen at validation time.
type ReservedLine struct {
	ProductID uuid.UUID
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

type Mode string

const (
	// ModeAllOrNothing validates the whole batch before touching stock and
	// undoes applied lines if a later decrement is rejected.
	ModeAllOrNothing Mode = "all_or_nothing"
	// ModeItemByItem decrements line by line and leaves earlier lines
	// applied when a later one fails.
	ModeItemByItem Mode = "item_by_item"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAllOrNothing, ModeItemByItem:
		return Mode(s), nil
	case "":
		return ModeAllOrNothing, nil
	}
	return "", fmt.Errorf("unknown reservation mode %q", s)
}

// Recorder observes stock movements.
type Recorder interface {
	UnitsReserved(n int)
	UnitsReleased(n int)
	ReservationRejected(reason string)
}

type nopRecorder struct{}

func (nopRecorder) UnitsReserved(int)          {}
func (nopRecorder) UnitsReleased(int)          {}
func (nopRecorder) ReservationRejected(string) {}

type Option func(*Ledger)

func WithMode(mode Mode) Option {
	return func(l *Ledger) { l.mode = mode }
}

// WithProductLocks serializes ledger operations per product for the
// duration of validate+apply. Pass nil to disable.
func WithProductLocks(locks *lock.Keyed) Option {
	return func(l *Ledger) { l.locks = locks }
}

func WithRecorder(r Recorder) Option {
	return func(l *Ledger) {
		if r != nil {
			l.recorder = r
		}
	}
}

type Ledger struct {
	store    catalog.Store
	mode     Mode
	locks    *lock.Keyed
	recorder Recorder
}

func NewLedger(store catalog.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		mode:     ModeAllOrNothing,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Mode() Mode {
	return l.mode
}

// demand is the per-product quantity of a batch, in first-seen order.
type demand struct {
	order []uuid.UUID
	qty   map[uuid.UUID]int
}

func aggregate(lines []Line) demand {
	d := demand{qty: make(map[uuid.UUID]int, len(lines))}
	for _, line := range lines {
		if _, seen := d.qty[line.ProductID]; !seen {
			d.order = append(d.order, line.ProductID)
		}
		d.qty[line.ProductID] += line.Quantity
	}
	return d
}

func validateLines(lines []Line) error {
	if len(lines) == 0 {
		return ErrNoLines
	}
	for i, line := range lines {
		if line.ProductID == uuid.Nil {
			return fmt.Errorf("%w: item %d: product id is required", ErrInvalidLine, i)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: item %d: quantity must be positive, got %d", ErrInvalidLine, i, line.Quantity)
		}
	}
	return nil
}

func (l *Ledger) lockProducts(lines []Line) func() {
	if l.locks == nil {
		return func() {}
	}
	keys := make([]string, 0, len(lines))
	for _, line := range lines {
		keys = append(keys, line.ProductID.String())
	}
	return l.locks.Lock(keys...)
}

func (l *Ledger) reject(err error) error {
	l.recorder.ReservationRejected(rejectionReason(err))
	return err
}

// Check validates lines against the catalog without moving stock.
func (l *Ledger) Check(ctx context.Context, lines []Line) ([]ReservedLine, error) {
	if err := validateLines(lines); err != nil {
		return nil, err
	}

	d := aggregate(lines)
	products, err := l.verify(ctx, d)
	if err != nil {
		return nil, err
	}

	return resolve(lines, products), nil
}

// Reserve validates lines and decrements stock for them.
func (l *Ledger) Reserve(ctx context.Context, lines []Line) ([]ReservedLine, error) {
	if err := validateLines(lines); err != nil {
		return nil, l.reject(err)
	}

	unlock := l.lockProducts(lines)
	defer unlock()

	var (
		reserved []ReservedLine
		err      error
	)
	if l.mode == ModeItemByItem {
		reserved, err = l.reserveEach(ctx, lines)
	} else {
		reserved, err = l.reserveAll(ctx, lines)
	}
	if err != nil {
		return nil, l.reject(err)
	}

	units := 0
	for _, line := range reserved {
		units += line.Quantity
	}
	l.recorder.UnitsReserved(units)

	return reserved, nil
}

// verify loads every product of the batch and checks it can cover the
// aggregated demand.
func (l *Ledger) verify(ctx context.Context, d demand) (map[uuid.UUID]*catalog.Product, error) {
	products := make(map[uuid.UUID]*catalog.Product, len(d.order))
	for _, id := range d.order {
		p, err := l.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := available(p, d.qty[id]); err != nil {
			return nil, err
		}
		products[id] = p
	}
	return products, nil
}

func (l *Ledger) reserveAll(ctx context.Context, lines []Line) ([]ReservedLine, error) {
	d := aggregate(lines)

	products, err := l.verify(ctx, d)
	if err != nil {
		return nil, err
	}

	applied := make([]uuid.UUID, 0, len(d.order))
	for _, id := range d.order {
		qty := d.qty[id]
		if _, err := l.store.DecrementStock(ctx, id, qty); err != nil {
			l.compensate(ctx, d, applied)
			return nil, l.decrementError(ctx, products[id], id, qty, err)
		}
		applied = append(applied, id)
	}

	return resolve(lines, products), nil
}

func (l *Ledger) reserveEach(ctx context.Context, lines []Line) ([]ReservedLine, error) {
	reserved := make([]ReservedLine, 0, len(lines))
	for i, line := range lines {
		p, err := l.load(ctx, line.ProductID)
		if err == nil {
			err = available(p, line.Quantity)
		}
		if err == nil {
			if _, decErr := l.store.DecrementStock(ctx, line.ProductID, line.Quantity); decErr != nil {
				err = l.decrementError(ctx, p, line.ProductID, line.Quantity, decErr)
			}
		}
		if err != nil {
			if i > 0 {
				log.Warn().Err(err).Int("failed_item", i).Int("applied_items", i).Msg("inventory: batch failed after partial reservation, earlier items stay reserved")
			}
			return nil, err
		}

		reserved = append(reserved, ReservedLine{
			ProductID: line.ProductID,
			Name:      p.Name,
			Quantity:  line.Quantity,
			UnitPrice: p.Price,
		})
	}
	return reserved, nil
}

func (l *Ledger) compensate(ctx context.Context, d demand, applied []uuid.UUID) {
	for _, id := range applied {
		if _, err := l.store.IncrementStock(ctx, id, d.qty[id]); err != nil {
			log.Error().Err(err).Stringer("product_id", id).Int("quantity", d.qty[id]).Msg("inventory: failed to undo partial reservation")
		}
	}
}

// Release puts stock back for lines. Products that no longer exist are
// skipped; it never fails.
func (l *Ledger) Release(ctx context.Context, lines []Line) {
	unlock := l.lockProducts(lines)
	defer unlock()

	units := 0
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		_, err := l.store.IncrementStock(ctx, line.ProductID, line.Quantity)
		if errors.Is(err, catalog.ErrProductNotFound) {
			log.Debug().Stringer("product_id", line.ProductID).Msg("inventory: product gone, skipping release")
			continue
		}
		if err != nil {
			log.Error().Err(err).Stringer("product_id", line.ProductID).Int("quantity", line.Quantity).Msg("inventory: failed to release stock")
			continue
		}
		units += line.Quantity
	}
	l.recorder.UnitsReleased(units)
}

func (l *Ledger) load(ctx context.Context, id uuid.UUID) (*catalog.Product, error) {
	p, err := l.store.GetProductByID(ctx, id)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return nil, &NotFoundError{ProductID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("inventory: failed to load product %s: %w", id, err)
	}
	return p, nil
}

func available(p *catalog.Product, qty int) error {
	if !p.IsActive {
		return &UnavailableError{ProductID: p.ID, Name: p.Name}
	}
	if p.Stock < qty {
		return &InsufficientStockError{ProductID: p.ID, Name: p.Name, Available: p.Stock, Requested: qty}
	}
	return nil
}

// decrementError translates a rejected conditional decrement. The product
// changed between the check and the write, so report its fresh state.
func (l *Ledger) decrementError(ctx context.Context, p *catalog.Product, id uuid.UUID, qty int, err error) error {
	switch {
	case errors.Is(err, catalog.ErrProductNotFound):
		return &NotFoundError{ProductID: id}
	case errors.Is(err, catalog.ErrProductInactive):
		return &UnavailableError{ProductID: id, Name: p.Name}
	case errors.Is(err, catalog.ErrInsufficientStock):
		current := 0
		if fresh, getErr := l.store.GetProductByID(ctx, id); getErr == nil {
			current = fresh.Stock
		}
		return &InsufficientStockError{ProductID: id, Name: p.Name, Available: current, Requested: qty}
	default:
		return fmt.Errorf("inventory: failed to decrement stock for %s: %w", id, err)
	}
}

func resolve(lines []Line, products map[uuid.UUID]*catalog.Product) []ReservedLine {
	out := make([]ReservedLine, 0, len(lines))
	for _, line := range lines {
		p := products[line.ProductID]
		out = append(out, ReservedLine{
			ProductID: line.ProductID,
			Name:      p.Name,
			Quantity:  line.Quantity,
			UnitPrice: p.Price,
		})
	}
	return out
}
