package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// Cached wraps a loader into a read-through function keyed by
// namespace and id. The cache key is explicit and inspectable,
// "namespace:id", so invalidation code can target it without knowing
// how the function is implemented.
func Cached(c *Cache, namespace string, loader types.Loader, opts ...SetOption) func(ctx context.Context, id string) ([]byte, error) {
	return func(ctx context.Context, id string) ([]byte, error) {
		return c.GetOrCompute(ctx, namespace+":"+id, loader, opts...)
	}
}

// GetJSON fetches and unmarshals a cached JSON document into out.
func (c *Cache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	data, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeSerialization,
			"failed to unmarshal cached value").
			WithComponent("cache").
			WithKey(key)
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, opts ...SetOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization,
			"failed to marshal value").
			WithComponent("cache").
			WithKey(key)
	}
	return c.Set(ctx, key, data, opts...)
}

// SetWithTTL is shorthand for Set with only a TTL override.
func (c *Cache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.Set(ctx, key, value, WithTTL(ttl))
}
