package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

// MemoryStore keeps products in a map. Used for local runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	products map[uuid.UUID]Product
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[uuid.UUID]Product)}
}

func (s *MemoryStore) CreateProduct(_ context.Context, p *Product) error {
	if err := Validate(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("memory: failed to generate product ID: %w", err)
		}
		p.ID = id
	}
	if _, exists := s.products[p.ID]; exists {
		return ErrDuplicateProduct
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.products[p.ID] = *p

	return nil
}

func (s *MemoryStore) GetProductByID(_ context.Context, id uuid.UUID) (*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return &p, nil
}

func (s *MemoryStore) DecrementStock(_ context.Context, id uuid.UUID, qty int) (*Product, error) {
	if err := checkQuantity(qty); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%w: product %s", ErrProductInactive, id)
	}
	if p.Stock < qty {
		return nil, fmt.Errorf("%w: product %s has %d, requested %d", ErrInsufficientStock, id, p.Stock, qty)
	}

	p.Stock -= qty
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p

	return &p, nil
}

func (s *MemoryStore) IncrementStock(_ context.Context, id uuid.UUID, qty int) (*Product, error) {
	if err := checkQuantity(qty); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}

	p.Stock += qty
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p

	return &p, nil
}

// Delete removes a product. Orders keep their weak references.
func (s *MemoryStore) Delete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.products, id)
}
