// Package remote implements the shared Redis accelerator tier. The
// backend is strictly best-effort: every failure here downgrades the
// engine to local-only operation instead of failing the caller.
package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/circuit"
	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/retry"
)

// Client is the sharded remote backend. A stable hash of the key
// selects a logical shard; shards may initially alias one physical
// backend. Reads are spread across replicas by key hash, writes
// always go to the primary.
type Client struct {
	config   config.RemoteConfig
	logger   *zap.Logger
	primary  *redis.Client
	replicas []*redis.Client
	breakers *circuit.Manager
	retryer  *retry.Retryer

	degraded atomic.Bool

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
}

// New creates a remote client. The backend is probed once at
// construction; an unreachable backend is logged and the client
// starts degraded rather than failing, because the remote tier is an
// accelerator, not a dependency.
func New(cfg config.RemoteConfig, logger *zap.Logger) *Client {
	log := logging.Component(logger, "remote")

	primary := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	replicas := make([]*redis.Client, 0, len(cfg.ReplicaAddrs))
	for _, addr := range cfg.ReplicaAddrs {
		replicas = append(replicas, redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
		}))
	}

	c := &Client{
		config:   cfg,
		logger:   log,
		primary:  primary,
		replicas: replicas,
		retryer:  retry.New(cfg.Retry),
		stopCh:   make(chan struct{}),
	}

	c.breakers = circuit.NewManager(circuit.Config{
		OnStateChange: func(name string, from, to circuit.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	if err := primary.Ping(ctx).Err(); err != nil {
		log.Warn("remote backend unreachable at startup, starting degraded", zap.Error(err))
		c.degraded.Store(true)
	} else {
		log.Info("remote backend connected",
			zap.String("addr", cfg.Addr),
			zap.Int("shards", cfg.ShardCount),
			zap.Int("replicas", len(replicas)),
		)
	}

	if cfg.PingInterval > 0 {
		go c.healthCheckLoop()
	}

	return c
}

// shardOf maps a key to its logical shard.
func (c *Client) shardOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(c.config.ShardCount))
}

// readClient picks the client serving reads for a key. Replica choice
// is by key hash, not round-robin, so repeated reads of one key keep
// hitting the same replica's hot working set.
func (c *Client) readClient(key string) *redis.Client {
	if len(c.replicas) == 0 {
		return c.primary
	}
	idx := int(xxhash.Sum64String(key) % uint64(len(c.replicas)))
	return c.replicas[idx]
}

// execute runs a backend call through the shard's circuit breaker
// with the configured per-op timeout.
func (c *Client) execute(ctx context.Context, key, op string, fn func(context.Context) error) error {
	breaker := c.breakers.Get(fmt.Sprintf("shard-%d", c.shardOf(key)))

	err := breaker.Execute(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
		defer cancel()
		return fn(opCtx)
	})
	if err != nil {
		c.observeFailure(op, key, err)
		return err
	}
	c.degraded.Store(false)
	return nil
}

func (c *Client) observeFailure(op, key string, err error) {
	c.degraded.Store(true)
	c.logger.Warn("remote call failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

// Get fetches a stored value. A miss and a backend failure both
// report found=false; the error distinguishes them for metrics, never
// for control flow above the facade.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool

	err := c.execute(ctx, key, "get", func(ctx context.Context) error {
		result, err := c.readClient(key).Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return wrapBackendErr(err, "get", key)
		}
		value = result
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// SetEx writes a value with TTL to the primary, retrying transient
// failures per the retry config.
func (c *Client) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.execute(ctx, key, "setex", func(ctx context.Context) error {
		return c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			if err := c.primary.Set(ctx, key, value, ttl).Err(); err != nil {
				return wrapBackendErr(err, "setex", key)
			}
			return nil
		})
	})
}

// Delete removes keys from the primary.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.execute(ctx, keys[0], "delete", func(ctx context.Context) error {
		if err := c.primary.Del(ctx, keys...).Err(); err != nil {
			return wrapBackendErr(err, "delete", keys[0])
		}
		return nil
	})
}

// ScanDelete removes keys matching a glob pattern using bounded SCAN
// pages, never a blocking full-keyspace operation. Returns the number
// of keys deleted.
func (c *Client) ScanDelete(ctx context.Context, pattern string) (int, error) {
	deleted := 0

	err := c.execute(ctx, pattern, "scan_delete", func(ctx context.Context) error {
		var cursor uint64
		for page := 0; page < c.config.ScanMaxPages; page++ {
			keys, next, err := c.primary.Scan(ctx, cursor, pattern, c.config.ScanPageSize).Result()
			if err != nil {
				return wrapBackendErr(err, "scan_delete", pattern)
			}
			if len(keys) > 0 {
				n, err := c.primary.Del(ctx, keys...).Result()
				if err != nil {
					return wrapBackendErr(err, "scan_delete", pattern)
				}
				deleted += int(n)
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
		c.logger.Warn("scan delete hit page cap, remainder left to TTL expiry",
			zap.String("pattern", pattern),
			zap.Int("max_pages", c.config.ScanMaxPages),
		)
		return nil
	})
	return deleted, err
}

// Exists reports whether a key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := c.execute(ctx, key, "exists", func(ctx context.Context) error {
		n, err := c.readClient(key).Exists(ctx, key).Result()
		if err != nil {
			return wrapBackendErr(err, "exists", key)
		}
		exists = n > 0
		return nil
	})
	return exists, err
}

// SetNX atomically claims a key with TTL if absent. Used by the
// single-flight guard for its cross-process owner lock.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var acquired bool
	err := c.execute(ctx, key, "setnx", func(ctx context.Context) error {
		ok, err := c.primary.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return wrapBackendErr(err, "setnx", key)
		}
		acquired = ok
		return nil
	})
	return acquired, err
}

// Healthy reports whether the backend is currently usable: the last
// probe succeeded and no shard breaker is open.
func (c *Client) Healthy() bool {
	return !c.degraded.Load() && !c.breakers.AnyOpen()
}

// Close shuts down the health loop and all connections.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopCh)
	c.mu.Unlock()

	err := c.primary.Close()
	for _, r := range c.replicas {
		if cerr := r.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// healthCheckLoop probes the primary on an interval, flipping the
// degraded flag so Stats and the facade see recovery without waiting
// for the next live request to fail or succeed.
func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.OpTimeout)
			err := c.primary.Ping(ctx).Err()
			cancel()

			wasDegraded := c.degraded.Load()
			if err != nil {
				c.degraded.Store(true)
				if !wasDegraded {
					c.logger.Warn("remote backend went degraded", zap.Error(err))
				}
			} else {
				c.degraded.Store(false)
				if wasDegraded {
					c.logger.Info("remote backend recovered")
				}
			}
		}
	}
}

// wrapBackendErr classifies a raw backend error into the engine's
// taxonomy.
func wrapBackendErr(err error, op, key string) error {
	code := errors.ErrCodeBackendUnavailable
	if stderrors.Is(err, context.DeadlineExceeded) {
		code = errors.ErrCodeBackendTimeout
	}
	return errors.Wrap(err, code, "remote backend call failed").
		WithComponent("remote").
		WithOperation(op).
		WithKey(key)
}
