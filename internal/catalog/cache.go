package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CachedStore is a read-through Redis cache in front of a Store.
// Every stock mutation drops the cached entry; Redis failures fall back
// to the underlying store.
type CachedStore struct {
	store Store
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedStore(store Store, client *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{
		store: store,
		redis: client,
		ttl:   ttl,
	}
}

func productKey(id uuid.UUID) string {
	return fmt.Sprintf("catalog:product:%s", id)
}

func (c *CachedStore) GetProductByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	key := productKey(id)

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p Product
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cache: failed to unmarshal cached product, continuing with store")
			break
		}
		return &p, nil
	case errors.Is(err, redis.Nil):
	default:
		log.Warn().Err(err).Str("key", key).Msg("cache: redis get failed, continuing with store")
	}

	p, err := c.store.GetProductByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.put(ctx, p)
	return p, nil
}

func (c *CachedStore) DecrementStock(ctx context.Context, id uuid.UUID, qty int) (*Product, error) {
	p, err := c.store.DecrementStock(ctx, id, qty)
	c.invalidate(ctx, id)
	return p, err
}

func (c *CachedStore) IncrementStock(ctx context.Context, id uuid.UUID, qty int) (*Product, error) {
	p, err := c.store.IncrementStock(ctx, id, qty)
	c.invalidate(ctx, id)
	return p, err
}

func (c *CachedStore) put(ctx context.Context, p *Product) {
	data, err := json.Marshal(p)
	if err != nil {
		log.Warn().Err(err).Stringer("product_id", p.ID).Msg("cache: failed to marshal product")
		return
	}
	if err := c.redis.Set(ctx, productKey(p.ID), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Stringer("product_id", p.ID).Msg("cache: failed to cache product")
	}
}

func (c *CachedStore) invalidate(ctx context.Context, id uuid.UUID) {
	if err := c.redis.Del(ctx, productKey(id)).Err(); err != nil {
		log.Warn().Err(err).Stringer("product_id", id).Msg("cache: failed to invalidate product")
	}
}
