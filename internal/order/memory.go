package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

type memoryRecord struct {
	order *Order
	seq   uint64
}

// MemoryRepository keeps orders in a map. Used for local runs and tests.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[uuid.UUID]memoryRecord
	seq    uint64
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders: make(map[uuid.UUID]memoryRecord),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) CreateOrder(_ context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("memory: failed to generate order ID: %w", err)
		}
		order.ID = id
	}
	if _, exists := r.orders[order.ID]; exists {
		return ErrDuplicateOrderID
	}

	now := r.now()
	order.CreatedAt = now
	order.UpdatedAt = now

	stored := order.Clone()
	for i := range stored.Items {
		stored.Items[i].Product = nil
	}

	r.seq++
	r.orders[order.ID] = memoryRecord{order: stored, seq: r.seq}
	return nil
}

func (r *MemoryRepository) GetOrderByID(_ context.Context, id uuid.UUID) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return rec.order.Clone(), nil
}

func (r *MemoryRepository) GetOrdersByUserID(_ context.Context, userID uuid.UUID) ([]Order, error) {
	return r.list(func(o *Order) bool { return o.UserID == userID }), nil
}

func (r *MemoryRepository) GetAllOrders(_ context.Context) ([]Order, error) {
	return r.list(func(*Order) bool { return true }), nil
}

// list returns matching orders newest first.
func (r *MemoryRepository) list(match func(*Order) bool) []Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := make([]memoryRecord, 0, len(r.orders))
	for _, rec := range r.orders {
		if match(rec.order) {
			recs = append(recs, rec)
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].order, recs[j].order
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return recs[i].seq > recs[j].seq
	})

	result := make([]Order, 0, len(recs))
	for _, rec := range recs {
		result = append(result, *rec.order.Clone())
	}
	return result
}

func (r *MemoryRepository) UpdateOrder(_ context.Context, id uuid.UUID, patch Patch) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}

	if patch.Status != nil {
		rec.order.Status = *patch.Status
	}
	if patch.ShippingAddress != nil {
		rec.order.ShippingAddress = *patch.ShippingAddress
	}
	if patch.Notes != nil {
		rec.order.Notes = *patch.Notes
	}
	rec.order.UpdatedAt = r.now()

	return rec.order.Clone(), nil
}

func (r *MemoryRepository) DeleteOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	delete(r.orders, id)
	return rec.order, nil
}
