// Package flight implements stampede protection: at most one live
// computation per key, with concurrent callers polling for the
// owner's result instead of recomputing.
package flight

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/pkg/errors"
)

// Locker is the optional cross-process lock backend. Satisfied by the
// remote client's SetNX/Delete.
type Locker interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// ProbeFunc checks the cache for a finished result while waiting.
type ProbeFunc func(ctx context.Context, key string) ([]byte, bool)

// PublishFunc stores the owner's result before the lock is released.
type PublishFunc func(ctx context.Context, key string, value []byte) error

// ComputeFunc produces the value from the source of truth.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Config controls guard behavior.
type Config struct {
	// WaitTimeout is a waiter's total budget before it stops waiting
	// for the owner and computes the value itself.
	WaitTimeout time.Duration

	// PollInterval is how often waiters re-probe the cache.
	PollInterval time.Duration

	// LockTTL is the safety TTL on owner locks so a crashed or hung
	// owner self-expires.
	LockTTL time.Duration

	// UseRemoteLock extends ownership across processes via SETNX.
	UseRemoteLock bool
}

// inFlight tracks one live computation.
type inFlight struct {
	startedAt time.Time
	expiresAt time.Time
	waiters   int32
}

// Guard coordinates concurrent computations per key.
//
// The exclusivity here is deliberately best-effort: a waiter whose
// poll budget runs out computes the value itself rather than failing.
// Bounded duplicate work is preferred over a caller stuck behind a
// slow or dead owner.
type Guard struct {
	config Config
	locker Locker
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]*inFlight

	computes  uint64
	deduped   uint64
	fallbacks uint64
}

// New creates a guard. locker may be nil, in which case ownership is
// process-local even if UseRemoteLock is set.
func New(config Config, locker Locker, logger *zap.Logger) *Guard {
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 10 * time.Second
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Second
	}
	return &Guard{
		config:   config,
		locker:   locker,
		logger:   logging.Component(logger, "flight"),
		inflight: make(map[string]*inFlight),
	}
}

// Execute runs compute for key at most once across concurrent
// callers. The owner publishes its result and releases; waiters poll
// the probe until the result appears or their budget expires, then
// compute themselves. Compute errors are returned verbatim to the
// caller that ran the compute, and are never cached.
func (g *Guard) Execute(ctx context.Context, key string, compute ComputeFunc, probe ProbeFunc, publish PublishFunc) ([]byte, error) {
	if g.acquire(ctx, key) {
		return g.runAsOwner(ctx, key, compute, publish)
	}
	return g.waitForOwner(ctx, key, compute, probe, publish)
}

func (g *Guard) runAsOwner(ctx context.Context, key string, compute ComputeFunc, publish PublishFunc) ([]byte, error) {
	defer g.release(ctx, key)

	atomic.AddUint64(&g.computes, 1)
	value, err := compute(ctx)
	if err != nil {
		// Release without caching so the next caller retries
		// immediately instead of waiting out the poll timeout.
		return nil, err
	}

	if perr := publish(ctx, key, value); perr != nil {
		g.logger.Warn("failed to publish computed value",
			zap.String("key", key),
			zap.Error(perr),
		)
	}
	return value, nil
}

func (g *Guard) waitForOwner(ctx context.Context, key string, compute ComputeFunc, probe ProbeFunc, publish PublishFunc) ([]byte, error) {
	g.addWaiter(key)
	defer g.removeWaiter(key)

	deadline := time.NewTimer(g.config.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeLockWaitTimeout,
				"canceled while waiting for in-flight computation").
				WithComponent("flight").
				WithKey(key)

		case <-deadline.C:
			// Liveness over strict exclusivity: compute ourselves.
			atomic.AddUint64(&g.fallbacks, 1)
			g.logger.Debug("wait budget exhausted, computing despite in-flight owner",
				zap.String("key", key),
			)
			atomic.AddUint64(&g.computes, 1)
			value, err := compute(ctx)
			if err != nil {
				return nil, err
			}
			if perr := publish(ctx, key, value); perr != nil {
				g.logger.Warn("failed to publish fallback value",
					zap.String("key", key),
					zap.Error(perr),
				)
			}
			return value, nil

		case <-ticker.C:
			if value, ok := probe(ctx, key); ok {
				atomic.AddUint64(&g.deduped, 1)
				return value, nil
			}
			// The owner may have failed and released; try to take over.
			if g.acquire(ctx, key) {
				return g.runAsOwner(ctx, key, compute, publish)
			}
		}
	}
}

// acquire attempts to become the owner for key. An in-flight record
// past its safety expiry is considered abandoned and is stolen.
func (g *Guard) acquire(ctx context.Context, key string) bool {
	now := time.Now()

	g.mu.Lock()
	if fl, ok := g.inflight[key]; ok && now.Before(fl.expiresAt) {
		g.mu.Unlock()
		return false
	}
	g.inflight[key] = &inFlight{
		startedAt: now,
		expiresAt: now.Add(g.config.LockTTL),
	}
	g.mu.Unlock()

	if g.config.UseRemoteLock && g.locker != nil {
		acquired, err := g.locker.SetNX(ctx, lockKey(key), []byte("1"), g.config.LockTTL)
		if err != nil {
			// Lock backend down: fall back to process-local ownership
			// rather than blocking all computes.
			g.logger.Warn("remote lock unavailable, using local ownership",
				zap.String("key", key),
				zap.Error(err),
			)
			return true
		}
		if !acquired {
			// Another process owns the computation.
			g.mu.Lock()
			delete(g.inflight, key)
			g.mu.Unlock()
			return false
		}
	}
	return true
}

func (g *Guard) release(ctx context.Context, key string) {
	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()

	if g.config.UseRemoteLock && g.locker != nil {
		if err := g.locker.Delete(ctx, lockKey(key)); err != nil {
			// The SETNX TTL will expire it; just note the failure.
			g.logger.Debug("failed to release remote lock",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

func (g *Guard) addWaiter(key string) {
	g.mu.Lock()
	if fl, ok := g.inflight[key]; ok {
		atomic.AddInt32(&fl.waiters, 1)
	}
	g.mu.Unlock()
}

func (g *Guard) removeWaiter(key string) {
	g.mu.Lock()
	if fl, ok := g.inflight[key]; ok {
		atomic.AddInt32(&fl.waiters, -1)
	}
	g.mu.Unlock()
}

// InFlight returns the number of keys currently computing.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// Computes returns how many times compute functions were invoked.
func (g *Guard) Computes() uint64 {
	return atomic.LoadUint64(&g.computes)
}

// Deduped returns how many callers were served by another caller's
// computation.
func (g *Guard) Deduped() uint64 {
	return atomic.LoadUint64(&g.deduped)
}

// Fallbacks returns how many waiters exceeded their budget and
// computed anyway.
func (g *Guard) Fallbacks() uint64 {
	return atomic.LoadUint64(&g.fallbacks)
}

func lockKey(key string) string {
	return "flight:lock:" + key
}
