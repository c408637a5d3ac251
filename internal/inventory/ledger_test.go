package inventory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/storefront/internal/catalog"
	"github.com/vasiliy-maslov/storefront/internal/inventory"
	"github.com/vasiliy-maslov/storefront/internal/lock"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRecorder struct {
	mu       sync.Mutex
	reserved int
	released int
	rejected map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{rejected: make(map[string]int)}
}

func (r *fakeRecorder) UnitsReserved(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved += n
}

func (r *fakeRecorder) UnitsReleased(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released += n
}

func (r *fakeRecorder) ReservationRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[reason]++
}

func addProduct(t *testing.T, store *catalog.MemoryStore, name string, stock int, active bool) *catalog.Product {
	t.Helper()
	p := &catalog.Product{
		Name:     name,
		Category: catalog.CategoryReadyProducts,
		Price:    decimal.RequireFromString("10.00"),
		Stock:    stock,
		IsActive: active,
	}
	require.NoError(t, store.CreateProduct(context.Background(), p))
	return p
}

func stockOf(t *testing.T, store catalog.Store, id uuid.UUID) int {
	t.Helper()
	p, err := store.GetProductByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestLedger_ReserveBoundary(t *testing.T) {
	store := catalog.NewMemoryStore()
	ledger := inventory.NewLedger(store)
	ctx := context.Background()

	p := addProduct(t, store, "Bagel", 5, true)

	_, err := ledger.Reserve(ctx, []inventory.Line{{ProductID: p.ID, Quantity: 6}})
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 5, insufficient.Available)
	assert.Equal(t, 6, insufficient.Requested)
	assert.Equal(t, "Bagel", insufficient.Name)
	assert.ErrorIs(t, err, catalog.ErrInsufficientStock)
	assert.Equal(t, 5, stockOf(t, store, p.ID))

	reserved, err := ledger.Reserve(ctx, []inventory.Line{{ProductID: p.ID, Quantity: 5}})
	require.NoError(t, err)
	require.Len(t, reserved, 1)
	assert.Equal(t, "Bagel", reserved[0].Name)
	assert.True(t, reserved[0].UnitPrice.Equal(decimal.RequireFromString("10.00")))
	assert.Equal(t, 0, stockOf(t, store, p.ID))
}

func TestLedger_RoundTrip(t *testing.T) {
	store := catalog.NewMemoryStore()
	rec := newFakeRecorder()
	ledger := inventory.NewLedger(store, inventory.WithRecorder(rec))
	ctx := context.Background()

	a := addProduct(t, store, "Bagel", 5, true)
	b := addProduct(t, store, "Juice", 7, true)

	lines := []inventory.Line{
		{ProductID: a.ID, Quantity: 2},
		{ProductID: b.ID, Quantity: 7},
	}

	_, err := ledger.Reserve(ctx, lines)
	require.NoError(t, err)
	assert.Equal(t, 3, stockOf(t, store, a.ID))
	assert.Equal(t, 0, stockOf(t, store, b.ID))

	ledger.Release(ctx, lines)
	assert.Equal(t, 5, stockOf(t, store, a.ID))
	assert.Equal(t, 7, stockOf(t, store, b.ID))

	assert.Equal(t, 9, rec.reserved)
	assert.Equal(t, 9, rec.released)
}

func TestLedger_Reject(t *testing.T) {
	store := catalog.NewMemoryStore()
	ctx := context.Background()

	active := addProduct(t, store, "Bagel", 5, true)
	inactive := addProduct(t, store, "Old soda", 5, false)
	missing := uuid.Must(uuid.NewV4())

	testCases := []struct {
		name       string
		lines      []inventory.Line
		wantErr    error
		wantReason string
	}{
		{
			name:       "empty",
			lines:      nil,
			wantErr:    inventory.ErrNoLines,
			wantReason: inventory.ReasonInvalid,
		},
		{
			name:       "zero_quantity",
			lines:      []inventory.Line{{ProductID: active.ID, Quantity: 0}},
			wantErr:    inventory.ErrInvalidLine,
			wantReason: inventory.ReasonInvalid,
		},
		{
			name:       "nil_product",
			lines:      []inventory.Line{{Quantity: 1}},
			wantErr:    inventory.ErrInvalidLine,
			wantReason: inventory.ReasonInvalid,
		},
		{
			name:       "not_found",
			lines:      []inventory.Line{{ProductID: active.ID, Quantity: 1}, {ProductID: missing, Quantity: 1}},
			wantErr:    catalog.ErrProductNotFound,
			wantReason: inventory.ReasonNotFound,
		},
		{
			name:       "inactive",
			lines:      []inventory.Line{{ProductID: inactive.ID, Quantity: 1}},
			wantErr:    inventory.ErrProductUnavailable,
			wantReason: inventory.ReasonUnavailable,
		},
		{
			name:       "duplicate_lines_exceed_stock",
			lines:      []inventory.Line{{ProductID: active.ID, Quantity: 3}, {ProductID: active.ID, Quantity: 3}},
			wantErr:    catalog.ErrInsufficientStock,
			wantReason: inventory.ReasonInsufficient,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := newFakeRecorder()
			ledger := inventory.NewLedger(store, inventory.WithRecorder(rec))

			_, err := ledger.Reserve(ctx, tc.lines)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, 1, rec.rejected[tc.wantReason])
			assert.Equal(t, 0, rec.reserved)

			assert.Equal(t, 5, stockOf(t, store, active.ID))
			assert.Equal(t, 5, stockOf(t, store, inactive.ID))
		})
	}
}

func TestLedger_NotFoundCarriesProduct(t *testing.T) {
	ledger := inventory.NewLedger(catalog.NewMemoryStore())
	missing := uuid.Must(uuid.NewV4())

	_, err := ledger.Reserve(context.Background(), []inventory.Line{{ProductID: missing, Quantity: 1}})
	var notFound *inventory.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, missing, notFound.ProductID)
}

func TestLedger_ItemByItemLeavesEarlierLinesApplied(t *testing.T) {
	store := catalog.NewMemoryStore()
	ledger := inventory.NewLedger(store, inventory.WithMode(inventory.ModeItemByItem))
	ctx := context.Background()

	a := addProduct(t, store, "Bagel", 5, true)
	b := addProduct(t, store, "Juice", 1, true)

	_, err := ledger.Reserve(ctx, []inventory.Line{
		{ProductID: a.ID, Quantity: 2},
		{ProductID: b.ID, Quantity: 3},
	})
	assert.ErrorIs(t, err, catalog.ErrInsufficientStock)
	assert.Equal(t, 3, stockOf(t, store, a.ID))
	assert.Equal(t, 1, stockOf(t, store, b.ID))
}

func TestLedger_AllOrNothingLeavesStockUntouched(t *testing.T) {
	store := catalog.NewMemoryStore()
	ledger := inventory.NewLedger(store)
	ctx := context.Background()

	a := addProduct(t, store, "Bagel", 5, true)
	b := addProduct(t, store, "Juice", 1, true)

	_, err := ledger.Reserve(ctx, []inventory.Line{
		{ProductID: a.ID, Quantity: 2},
		{ProductID: b.ID, Quantity: 3},
	})
	assert.ErrorIs(t, err, catalog.ErrInsufficientStock)
	assert.Equal(t, 5, stockOf(t, store, a.ID))
	assert.Equal(t, 1, stockOf(t, store, b.ID))
}

// drainingStore empties a product's stock right before its decrement,
// simulating a concurrent writer that wins between check and apply.
type drainingStore struct {
	*catalog.MemoryStore
	target uuid.UUID
}

func (s *drainingStore) DecrementStock(ctx context.Context, id uuid.UUID, qty int) (*catalog.Product, error) {
	if id == s.target {
		p, err := s.MemoryStore.GetProductByID(ctx, id)
		if err == nil && p.Stock > 0 {
			if _, err := s.MemoryStore.DecrementStock(ctx, id, p.Stock); err != nil {
				return nil, err
			}
		}
	}
	return s.MemoryStore.DecrementStock(ctx, id, qty)
}

func TestLedger_AllOrNothingCompensatesLostRace(t *testing.T) {
	mem := catalog.NewMemoryStore()
	a := addProduct(t, mem, "Bagel", 5, true)
	b := addProduct(t, mem, "Juice", 4, true)

	store := &drainingStore{MemoryStore: mem, target: b.ID}
	ledger := inventory.NewLedger(store)

	_, err := ledger.Reserve(context.Background(), []inventory.Line{
		{ProductID: a.ID, Quantity: 2},
		{ProductID: b.ID, Quantity: 1},
	})

	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 0, insufficient.Available)
	assert.Equal(t, 1, insufficient.Requested)
	assert.Equal(t, 5, stockOf(t, mem, a.ID))
}

func TestLedger_ReleaseSkipsMissingProducts(t *testing.T) {
	store := catalog.NewMemoryStore()
	rec := newFakeRecorder()
	ledger := inventory.NewLedger(store, inventory.WithRecorder(rec))

	a := addProduct(t, store, "Bagel", 1, true)

	ledger.Release(context.Background(), []inventory.Line{
		{ProductID: uuid.Must(uuid.NewV4()), Quantity: 3},
		{ProductID: a.ID, Quantity: 2},
	})

	assert.Equal(t, 3, stockOf(t, store, a.ID))
	assert.Equal(t, 2, rec.released)
}

func TestLedger_Check(t *testing.T) {
	store := catalog.NewMemoryStore()
	ledger := inventory.NewLedger(store)
	ctx := context.Background()

	a := addProduct(t, store, "Bagel", 2, true)

	lines, err := ledger.Check(ctx, []inventory.Line{{ProductID: a.ID, Quantity: 2}})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Bagel", lines[0].Name)
	assert.Equal(t, 2, stockOf(t, store, a.ID))

	_, err = ledger.Check(ctx, []inventory.Line{{ProductID: a.ID, Quantity: 3}})
	assert.ErrorIs(t, err, catalog.ErrInsufficientStock)
}

func TestLedger_ConcurrentReserveNeverOversells(t *testing.T) {
	for _, mode := range []inventory.Mode{inventory.ModeAllOrNothing, inventory.ModeItemByItem} {
		for _, locks := range []*lock.Keyed{nil, lock.NewKeyed()} {
			name := string(mode)
			if locks != nil {
				name += "_locked"
			}
			t.Run(name, func(t *testing.T) {
				store := catalog.NewMemoryStore()
				ledger := inventory.NewLedger(store, inventory.WithMode(mode), inventory.WithProductLocks(locks))
				p := addProduct(t, store, "Bagel", 10, true)

				var ok atomic.Int32
				var wg sync.WaitGroup
				for i := 0; i < 30; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := ledger.Reserve(context.Background(), []inventory.Line{{ProductID: p.ID, Quantity: 3}})
						switch {
						case err == nil:
							ok.Add(1)
						case !errors.Is(err, catalog.ErrInsufficientStock):
							t.Errorf("unexpected error: %v", err)
						}
					}()
				}
				wg.Wait()

				assert.Equal(t, int32(3), ok.Load())
				assert.Equal(t, 1, stockOf(t, store, p.ID))
			})
		}
	}
}

func TestParseMode(t *testing.T) {
	mode, err := inventory.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, inventory.ModeAllOrNothing, mode)

	mode, err = inventory.ParseMode("item_by_item")
	require.NoError(t, err)
	assert.Equal(t, inventory.ModeItemByItem, mode)

	_, err = inventory.ParseMode("best_effort")
	assert.Error(t, err)
}

func TestLedger_Mode(t *testing.T) {
	store := catalog.NewMemoryStore()

	assert.Equal(t, inventory.ModeAllOrNothing, inventory.NewLedger(store).Mode())
	assert.Equal(t, inventory.ModeItemByItem, inventory.NewLedger(store, inventory.WithMode(inventory.ModeItemByItem)).Mode())
}
