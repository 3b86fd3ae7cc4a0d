package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vanshika/guardpay/backend/internal/idempotency"
)

// IdempotencyStore keeps idempotency records as JSON strings.
type IdempotencyStore struct {
	client *redis.Client
	prefix string
	nowFn  func() time.Time
}

// NewIdempotencyStore stores records under <prefix>:idem:<key>.
func NewIdempotencyStore(client *redis.Client, prefix string) *IdempotencyStore {
	return &IdempotencyStore{client: client, prefix: prefixed(prefix, "idem"), nowFn: time.Now}
}

func (s *IdempotencyStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *IdempotencyStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (idempotency.Record, bool, error) {
	rec := idempotency.Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      idempotency.StatusPending,
		CreatedAt:   s.nowFn().UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("encode record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(key), payload, ttl).Result()
	if err != nil {
		return idempotency.Record{}, false, err
	}
	if ok {
		return rec, true, nil
	}

	existing, found, err := s.Get(ctx, key)
	if err != nil {
		return idempotency.Record{}, false, err
	}
	if !found {
		// Expired between SETNX and GET.
		return s.Reserve(ctx, key, fingerprint, ttl)
	}
	return existing, false, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, resp idempotency.Response, ttl time.Duration) error {
	rec, found, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rec.Status = idempotency.StatusCompleted
	rec.Response = resp
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.client.SetArgs(ctx, s.key(key), payload, redis.SetArgs{Mode: "XX", TTL: ttl}).Err()
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (idempotency.Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, err
	}
	var rec idempotency.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return idempotency.Record{}, false, fmt.Errorf("decode record: %w", err)
	}
	return rec, true, nil
}

var _ idempotency.Store = (*IdempotencyStore)(nil)
