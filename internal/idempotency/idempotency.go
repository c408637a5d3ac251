// Package idempotency remembers responses to requests carrying an
// Idempotency-Key header so retries replay instead of re-executing.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const Header = "Idempotency-Key"

const (
	defaultPendingTTL = 30 * time.Second
	maxKeyLength      = 255
)

var (
	ErrInFlight   = errors.New("a request with this idempotency key is still in progress")
	ErrInvalidKey = errors.New("invalid idempotency key")
	ErrKeyReused  = errors.New("idempotency key was already used with a different request")
)

func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

func ValidateKey(key string) error {
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidKey, maxKeyLength)
	}
	return nil
}

// Fingerprint hashes the JSON form of a decoded request payload, so the
// same request spelled with different whitespace or key order matches.
func Fingerprint(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("idempotency: failed to encode payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

type Store interface {
	// Begin claims key for scope. It returns the stored response when the
	// key already completed for the same fingerprint, nil when the caller
	// now owns the key, ErrInFlight when another request holds it and
	// ErrKeyReused when the key completed for a different payload.
	Begin(ctx context.Context, scope, key, fingerprint string) ([]byte, error)
	Complete(ctx context.Context, scope, key, fingerprint string, response []byte) error
	Abort(ctx context.Context, scope, key string) error
}

// record is the value kept under a key. Response is empty while pending.
type record struct {
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response,omitempty"`
}

type RedisStore struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client:     client,
		ttl:        ttl,
		pendingTTL: defaultPendingTTL,
	}
}

func redisKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

func (s *RedisStore) Begin(ctx context.Context, scope, key, fingerprint string) ([]byte, error) {
	rk := redisKey(scope, key)

	pending, err := json.Marshal(record{Fingerprint: fingerprint})
	if err != nil {
		return nil, fmt.Errorf("idempotency: failed to encode record: %w", err)
	}

	claimed, err := s.client.SetNX(ctx, rk, pending, s.pendingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency: failed to claim key: %w", err)
	}
	if claimed {
		return nil, nil
	}

	data, err := s.client.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the other request gave up.
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: failed to read key: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("idempotency: corrupt record under %s: %w", rk, err)
	}
	if len(rec.Response) == 0 {
		return nil, ErrInFlight
	}
	if rec.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	return rec.Response, nil
}

func (s *RedisStore) Complete(ctx context.Context, scope, key, fingerprint string, response []byte) error {
	data, err := json.Marshal(record{Fingerprint: fingerprint, Response: response})
	if err != nil {
		return fmt.Errorf("idempotency: failed to encode record: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(scope, key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: failed to store response: %w", err)
	}
	return nil
}

// Abort frees the key so the request can be retried.
func (s *RedisStore) Abort(ctx context.Context, scope, key string) error {
	if err := s.client.Del(ctx, redisKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("idempotency: failed to release key: %w", err)
	}
	return nil
}
