package types

import (
	"context"
	"time"
)

// TierStore is a bounded in-process store for one tier. Implementations
// must be safe for concurrent use; Get is the hot path and must not
// take the write lock.
type TierStore interface {
	Get(key string) (*Entry, bool)
	Put(key string, entry *Entry)
	Delete(key string) bool
	Keys() []string
	Len() int
	Sweep() int
	Stats() TierStats
	Clear()
}

// RemoteBackend is the shared, best-effort networked accelerator. An
// unreachable backend makes Get return not-found and write failures
// non-fatal; callers must never treat a remote error as a request
// failure.
type RemoteBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	ScanDelete(ctx context.Context, pattern string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	Healthy() bool
	Close() error
}

// Codec encodes values for storage, conditionally compressing them.
type Codec interface {
	Encode(value []byte) ([]byte, bool, error)
	Decode(stored []byte) ([]byte, error)
}

// Loader fetches a value from the source of truth during warmup.
// Implementations are registered per key namespace.
type Loader func(ctx context.Context, key string) ([]byte, error)
