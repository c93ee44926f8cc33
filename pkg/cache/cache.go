// Package cache is the engine facade: a multi-level local cache with
// an optional shared remote accelerator behind a single API. Callers
// interact only with this package; tier placement, encoding, stampede
// protection and invalidation fan-out happen behind it.
package cache

import (
	"context"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/classify"
	"github.com/tiercache/tiercache/internal/codec"
	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/internal/flight"
	"github.com/tiercache/tiercache/internal/invalidation"
	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/internal/metrics"
	"github.com/tiercache/tiercache/internal/remote"
	"github.com/tiercache/tiercache/internal/tier"
	"github.com/tiercache/tiercache/internal/warmup"
	"github.com/tiercache/tiercache/internal/writeback"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/health"
	"github.com/tiercache/tiercache/pkg/types"
)

// Cache is the multi-level cache engine. All state is owned by the
// instance; two Caches in one process are fully independent.
type Cache struct {
	config     *config.Config
	logger     *zap.Logger
	codec      *codec.Codec
	classifier *classify.Classifier
	stores     map[types.Tier]*tier.Store
	remote     *remote.Client
	guard      *flight.Guard
	bus        *invalidation.Bus
	tracker    *warmup.Tracker
	warmer     *warmup.Scheduler
	collector  *metrics.Collector
	wbQueue    *writeback.Queue
	health     *health.Tracker

	// keyLocks serialize per-key writers (Set, promotion, backfill,
	// invalidation) so an async tier move can never resurrect a value
	// that a later Set or Invalidate already replaced.
	keyLocks [keyLockStripes]sync.Mutex

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

const keyLockStripes = 256

func (c *Cache) keyLock(key string) *sync.Mutex {
	return &c.keyLocks[xxhash.Sum64String(key)%keyLockStripes]
}

// New builds an engine from config. A nil config uses defaults. The
// remote backend being unreachable is not an error; the engine starts
// local-only and recovers when the backend does.
func New(cfg *config.Config) (*Cache, error) {
	if cfg == nil {
		cfg = config.Default()
	} else {
		cfg.ApplyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to build logger")
	}

	cod, err := codec.New(cfg.Codec.CompressionThreshold)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		config: cfg,
		logger: logging.Component(logger, "cache"),
		codec:  cod,
		classifier: classify.New(
			cfg.Classify.CriticalPatterns,
			cfg.Classify.HighPatterns,
			cfg.Classify.MediumPatterns,
		),
		stores:    make(map[types.Tier]*tier.Store, len(types.AllTiers)),
		bus:       invalidation.New(0, logger),
		tracker:   warmup.NewTracker(cfg.Warmup.MaxTracked),
		collector: metrics.New(metrics.Config(cfg.Metrics), logger),
		health:    health.NewTracker(),
		stopCh:    make(chan struct{}),
	}

	for _, t := range types.AllTiers {
		store := tier.NewStore(t, cfg.TierConfigFor(t))
		level := t
		// Evictions and expiry sweeps remove keys without going
		// through the facade; tag membership has to follow.
		store.OnRemove(func(key string, expired bool) {
			c.bus.Untrack(key)
			if !expired {
				c.collector.RecordEviction(level, 1)
			}
		})
		c.stores[t] = store
	}

	var locker flight.Locker
	if cfg.Remote.Enabled {
		c.remote = remote.New(cfg.Remote, logger)
		locker = c.remote
		if cfg.Remote.WriteStrategy == "back" {
			c.wbQueue = writeback.New(c.remote, cfg.Remote.WritebackBuffer,
				cfg.Remote.WritebackJitter, logger)
		}
	}

	c.guard = flight.New(flight.Config{
		WaitTimeout:   cfg.Flight.WaitTimeout,
		PollInterval:  cfg.Flight.PollInterval,
		LockTTL:       cfg.Flight.LockTTL,
		UseRemoteLock: cfg.Flight.UseRemoteLock && c.remote != nil,
	}, locker, logger)

	c.warmer = warmup.New(warmup.Config{
		Interval:      cfg.Warmup.Interval,
		TopN:          cfg.Warmup.TopN,
		MaxConcurrent: cfg.Warmup.MaxConcurrent,
	}, c.tracker, func(ctx context.Context, key string, value []byte) error {
		if err := c.Set(ctx, key, value); err != nil {
			return err
		}
		c.collector.RecordWarmupLoad(1)
		return nil
	}, logger)
	if cfg.Warmup.Enabled {
		c.warmer.Start()
	}

	c.wg.Add(1)
	go c.sweepLoop()

	return c, nil
}

// Get returns the cached value for key. A miss is (nil, false, nil);
// error is reserved for engine shutdown. Remote failures and corrupt
// entries degrade to misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.closed.Load() {
		return nil, false, errClosed("get", key)
	}
	defer c.collector.ObserveOperation("get", time.Now())

	for _, t := range types.AllTiers {
		entry, ok := c.stores[t].Get(key)
		if !ok {
			continue
		}
		value, err := c.codec.Decode(entry.Value)
		if err != nil {
			c.purgeCorrupt(t, key, err)
			continue
		}
		c.collector.RecordHit(t)
		if t != types.TierHot {
			go c.maybePromote(key, entry, t)
		}
		return value, true, nil
	}

	if c.remote != nil {
		stored, found, err := c.remote.Get(ctx, key)
		if err != nil {
			c.collector.SetBackendAvailable(false)
		} else if found {
			c.collector.SetBackendAvailable(true)
			value, derr := c.codec.Decode(stored)
			if derr != nil {
				c.collector.RecordCorruptPurge()
				c.logger.Warn("corrupt remote entry purged",
					zap.String("key", key), zap.Error(derr))
				_ = c.remote.Delete(ctx, key)
			} else {
				c.collector.RecordRemoteHit()
				go c.backfill(key, stored)
				return value, true, nil
			}
		} else {
			c.collector.SetBackendAvailable(true)
		}
	}

	c.collector.RecordMiss()
	c.tracker.RecordMiss(key)
	return nil, false, nil
}

// Set stores a value. The local write is synchronous; the remote
// write follows the configured strategy and its failure is recorded,
// never returned.
func (c *Cache) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	if c.closed.Load() {
		return errClosed("set", key)
	}
	defer c.collector.ObserveOperation("set", time.Now())

	var so setOptions
	for _, opt := range opts {
		opt(&so)
	}

	stored, compressed, err := c.codec.Encode(value)
	if err != nil {
		return err
	}

	target := so.tier
	if !so.tierSet {
		target = c.classifier.ClassifyForWrite(key, len(value), c.accessCount(key))
	}
	ttl := so.ttl
	if ttl <= 0 {
		ttl = c.config.TierConfigFor(target).TTL
	}

	now := time.Now()
	entry := &types.Entry{
		Key:          key,
		Value:        stored,
		Compressed:   compressed,
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
		Tier:         target,
		Tags:         so.tags,
	}

	// One residency per key: clear other tiers before the write. The
	// stripe lock orders this against in-flight promotions and
	// backfills for the same key.
	mu := c.keyLock(key)
	mu.Lock()
	for _, t := range types.AllTiers {
		if t != target {
			c.stores[t].Delete(key)
		}
	}
	c.stores[target].Put(key, entry)
	c.bus.Track(key, so.tags)
	mu.Unlock()

	if c.remote != nil {
		c.writeRemote(ctx, key, stored, ttl)
	}
	return nil
}

func (c *Cache) writeRemote(ctx context.Context, key string, stored []byte, ttl time.Duration) {
	if c.wbQueue != nil {
		c.wbQueue.Enqueue(key, stored, ttl)
		c.collector.RecordWritebackDrops(c.wbQueue.Drops())
		return
	}
	if err := c.remote.SetEx(ctx, key, stored, ttl); err != nil {
		c.collector.SetBackendAvailable(false)
	} else {
		c.collector.SetBackendAvailable(true)
	}
}

// GetOrCompute returns the cached value, computing and storing it on
// a miss. Concurrent misses for one key compute once; the rest wait
// for that result. A compute error propagates verbatim and nothing is
// cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, loader types.Loader, opts ...SetOption) ([]byte, error) {
	value, found, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return value, nil
	}

	return c.guard.Execute(ctx, key,
		func(ctx context.Context) ([]byte, error) {
			c.collector.RecordCompute()
			return loader(ctx, key)
		},
		func(ctx context.Context, key string) ([]byte, bool) {
			v, ok, gerr := c.Get(ctx, key)
			if gerr != nil || !ok {
				return nil, false
			}
			c.collector.RecordComputeDeduped()
			return v, true
		},
		func(ctx context.Context, key string, value []byte) error {
			return c.Set(ctx, key, value, opts...)
		},
	)
}

// Invalidate removes a key, or every key matching a glob pattern when
// the argument contains a wildcard. Returns how many keys were
// removed from the local tiers. Local removal is synchronous; remote
// removal is best-effort.
func (c *Cache) Invalidate(ctx context.Context, keyOrPattern string) (int, error) {
	if c.closed.Load() {
		return 0, errClosed("invalidate", keyOrPattern)
	}
	defer c.collector.ObserveOperation("invalidate", time.Now())

	if strings.ContainsAny(keyOrPattern, "*?[") {
		return c.invalidatePattern(ctx, keyOrPattern)
	}

	removed := 0
	if c.deleteLocal(keyOrPattern) {
		removed = 1
	}
	if c.remote != nil {
		if err := c.remote.Delete(ctx, keyOrPattern); err != nil {
			c.collector.SetBackendAvailable(false)
		}
	}
	c.collector.RecordInvalidation("key", removed)
	c.bus.Publish(invalidation.Event{
		Type: invalidation.EventKey,
		Key:  keyOrPattern,
		Keys: []string{keyOrPattern},
	})
	return removed, nil
}

func (c *Cache) invalidatePattern(ctx context.Context, pattern string) (int, error) {
	matched := make(map[string]struct{})
	for _, t := range types.AllTiers {
		for _, key := range c.stores[t].Keys() {
			if ok, err := path.Match(pattern, key); err == nil && ok {
				matched[key] = struct{}{}
			}
		}
	}

	var purged []string
	for key := range matched {
		if c.deleteLocal(key) {
			purged = append(purged, key)
		}
	}

	if c.remote != nil {
		if _, err := c.remote.ScanDelete(ctx, pattern); err != nil {
			c.collector.SetBackendAvailable(false)
		}
	}

	c.collector.RecordInvalidation("pattern", len(purged))
	c.bus.Publish(invalidation.Event{
		Type:    invalidation.EventPattern,
		Pattern: pattern,
		Keys:    purged,
	})
	return len(purged), nil
}

// InvalidateByTag removes every key tagged with tag. Returns how many
// keys were removed from the local tiers.
func (c *Cache) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	if c.closed.Load() {
		return 0, errClosed("invalidate_by_tag", tag)
	}
	defer c.collector.ObserveOperation("invalidate_by_tag", time.Now())

	keys := c.bus.KeysByTag(tag)
	removed := 0
	for _, key := range keys {
		if c.deleteLocal(key) {
			removed++
		}
	}
	if c.remote != nil && len(keys) > 0 {
		if err := c.remote.Delete(ctx, keys...); err != nil {
			c.collector.SetBackendAvailable(false)
		}
	}

	c.collector.RecordInvalidation("tag", removed)
	c.bus.Publish(invalidation.Event{
		Type: invalidation.EventTag,
		Tag:  tag,
		Keys: keys,
	})
	return removed, nil
}

// RegisterLoader binds a warmup loader to a key namespace, the
// segment before the first colon.
func (c *Cache) RegisterLoader(namespace string, loader types.Loader) {
	c.warmer.RegisterLoader(namespace, loader)
}

// Subscribe registers a handler for invalidation events whose key
// matches pattern, or whose tag or pattern equals it. Handlers run
// asynchronously. Returns an unsubscribe function.
func (c *Cache) Subscribe(pattern string, handler func(Event)) func() {
	return c.bus.Subscribe(pattern, func(ev invalidation.Event) {
		handler(Event{
			Kind:    ev.Type.String(),
			Key:     ev.Key,
			Pattern: ev.Pattern,
			Tag:     ev.Tag,
			Keys:    ev.Keys,
			At:      ev.At,
		})
	})
}

// Event is an invalidation notification delivered to subscribers.
type Event struct {
	Kind    string
	Key     string
	Pattern string
	Tag     string
	Keys    []string
	At      time.Time
}

// Stats returns a point-in-time snapshot of engine counters and
// per-tier occupancy.
func (c *Cache) Stats() types.MetricsSnapshot {
	snap := c.collector.Snapshot()

	var evictions uint64
	for _, t := range types.AllTiers {
		st := c.stores[t].Stats()
		snap.Tiers[t.String()] = st
		evictions += st.Evictions
	}
	snap.Evictions = evictions

	if c.wbQueue != nil {
		snap.WritebackDrops = c.wbQueue.Drops()
	}
	if c.remote != nil {
		snap.BackendUnavailable = !c.remote.Healthy()
	}
	return snap
}

// Health reports engine health derived from live signals: remote
// reachability, write-back pressure and shutdown state.
func (c *Cache) Health() health.Report {
	if c.closed.Load() {
		c.health.Set("engine", health.StateUnavailable, "closed")
	} else {
		c.health.Set("engine", health.StateHealthy, "")
	}

	if c.remote != nil {
		if c.remote.Healthy() {
			c.health.Set("remote", health.StateHealthy, "")
		} else {
			c.health.Set("remote", health.StateUnavailable, "backend unreachable or circuit open")
		}
	}

	if c.wbQueue != nil {
		if c.wbQueue.Drops() > 0 {
			c.health.Set("writeback", health.StateDegraded, "writes dropped under pressure")
		} else {
			c.health.Set("writeback", health.StateHealthy, "")
		}
	}

	return c.health.Report()
}

// Close shuts the engine down: the sweep loop and warmer stop, the
// write-back queue drains, and backend connections close. Operations
// after Close fail with an engine-closed error.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stopCh)
	c.wg.Wait()
	c.warmer.Stop()
	if c.wbQueue != nil {
		c.wbQueue.Close()
	}
	c.bus.Close()

	var err error
	if c.remote != nil {
		err = c.remote.Close()
	}
	c.codec.Close()
	if cerr := c.collector.Close(); err == nil {
		err = cerr
	}
	return err
}

// deleteLocal removes a key from every tier and its tag groups,
// ordered against concurrent Set/promotion via the stripe lock.
func (c *Cache) deleteLocal(key string) bool {
	mu := c.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	removed := false
	for _, t := range types.AllTiers {
		if c.stores[t].Delete(key) {
			removed = true
		}
	}
	c.bus.Untrack(key)
	return removed
}

// accessCount reports the key's access count in whichever tier holds
// it. Zero for unknown keys.
func (c *Cache) accessCount(key string) int64 {
	for _, t := range types.AllTiers {
		if n := c.stores[t].AccessCount(key); n > 0 {
			return n
		}
	}
	return 0
}

// purgeCorrupt drops an undecodable entry so it reads as a miss from
// now on rather than erroring forever.
func (c *Cache) purgeCorrupt(t types.Tier, key string, err error) {
	c.stores[t].Delete(key)
	c.bus.Untrack(key)
	c.collector.RecordCorruptPurge()
	c.logger.Warn("corrupt entry purged",
		zap.String("key", key),
		zap.String("tier", t.String()),
		zap.Error(err),
	)
}

// maybePromote moves a frequently read entry up to its newly
// classified tier. Runs off the read path; the snapshot is
// revalidated under the stripe lock so a Set or Invalidate that
// landed since the read always wins.
func (c *Cache) maybePromote(key string, snapshot *types.Entry, from types.Tier) {
	if c.closed.Load() {
		return
	}
	target := c.classifier.ClassifyForWrite(key, len(snapshot.Value), snapshot.AccessCount)
	if target >= from {
		return
	}

	mu := c.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	current, ok := c.stores[from].Peek(key)
	if !ok || !current.CreatedAt.Equal(snapshot.CreatedAt) {
		return
	}

	promoted := *current
	promoted.Tier = target
	promoted.TTL = c.config.TierConfigFor(target).TTL
	promoted.CreatedAt = time.Now()

	c.stores[from].Delete(key)
	c.stores[target].Put(key, &promoted)
}

// backfill inserts a remote hit into the local tiers. Runs off the
// read path; the value is already encoded. Any local residency that
// appeared since the remote read is newer and wins.
func (c *Cache) backfill(key string, stored []byte) {
	if c.closed.Load() {
		return
	}
	target := c.classifier.ClassifyForWrite(key, len(stored), c.accessCount(key))

	mu := c.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	for _, t := range types.AllTiers {
		if _, ok := c.stores[t].Peek(key); ok {
			return
		}
	}

	now := time.Now()
	c.stores[target].Put(key, &types.Entry{
		Key:          key,
		Value:        stored,
		Compressed:   c.codec.Compressed(stored),
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          c.config.TierConfigFor(target).TTL,
		Tier:         target,
	})
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, t := range types.AllTiers {
				if n := c.stores[t].Sweep(); n > 0 {
					c.logger.Debug("sweep removed expired entries",
						zap.String("tier", t.String()),
						zap.Int("removed", n),
					)
				}
			}
		}
	}
}

func errClosed(op, key string) error {
	return errors.New(errors.ErrCodeEngineClosed, "cache is closed").
		WithComponent("cache").
		WithOperation(op).
		WithKey(key)
}
