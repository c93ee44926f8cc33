package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/health"
	"github.com/tiercache/tiercache/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Metrics.Enabled = false
	cfg.Warmup.Enabled = false
	cfg.Flight.WaitTimeout = 500 * time.Millisecond
	cfg.Flight.PollInterval = 5 * time.Millisecond
	cfg.SweepInterval = time.Hour
	return cfg
}

func newLocalCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newRemoteCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Remote.Enabled = true
	cfg.Remote.Addr = mr.Addr()
	cfg.Remote.PingInterval = 0
	cfg.Remote.Retry.MaxAttempts = 1

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tour:1", []byte("bali")))

	value, found, err := c.Get(ctx, "tour:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bali", string(value))
}

func TestGetMissIsNotAnError(t *testing.T) {
	c := newLocalCache(t)

	value, found, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, value)
}

func TestLargeValueSurvivesCompression(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	large := make([]byte, 8192)
	for i := range large {
		large[i] = byte('a' + i%4)
	}
	require.NoError(t, c.Set(ctx, "big", large))

	got, found, err := c.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, large, got)
}

func TestWithTierPinsPlacement(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "pinned", []byte("v"), WithTier(types.TierHot)))

	_, found := c.stores[types.TierHot].Get("pinned")
	assert.True(t, found, "entry should live in the pinned tier")
}

func TestSingleResidencyAcrossTiers(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v1"), WithTier(types.TierArchive)))
	require.NoError(t, c.Set(ctx, "k", []byte("v2"), WithTier(types.TierHot)))

	if _, found := c.stores[types.TierArchive].Get("k"); found {
		t.Error("old residency should be cleared on re-set")
	}
	value, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(value))
}

func TestWithTTLExpiry(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "fleeting", []byte("v"), WithTTL(10*time.Millisecond)))
	time.Sleep(20 * time.Millisecond)

	_, found, err := c.Get(ctx, "fleeting")
	require.NoError(t, err)
	assert.False(t, found, "expired entry must read as a miss before any sweep")
}

func TestCriticalPatternClassifiesHot(t *testing.T) {
	cfg := testConfig()
	cfg.Classify.CriticalPatterns = []string{"availability:*"}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "availability:tour-9", []byte("v")))

	_, found := c.stores[types.TierHot].Get("availability:tour-9")
	assert.True(t, found)
}

func TestUnmatchedColdKeyGoesToArchive(t *testing.T) {
	c := newLocalCache(t)

	require.NoError(t, c.Set(context.Background(), "obscure:1", []byte("v")))

	_, found := c.stores[types.TierArchive].Get("obscure:1")
	assert.True(t, found)
}

func TestGetOrComputeCachesResult(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	var calls int32
	loader := func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("computed"), nil
	}

	v1, err := c.GetOrCompute(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "computed", string(v1))

	v2, err := c.GetOrCompute(ctx, "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "computed", string(v2))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetOrComputeErrorPropagatesUncached(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	sentinel := fmt.Errorf("upstream down")
	_, err := c.GetOrCompute(ctx, "k", func(ctx context.Context, key string) ([]byte, error) {
		return nil, sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "errors must never be cached")

	// Immediate retry succeeds without waiting out any lock.
	v, err := c.GetOrCompute(ctx, "k", func(ctx context.Context, key string) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(v))
}

func TestGetOrComputeDeduplicatesConcurrentCallers(t *testing.T) {
	c := newLocalCache(t)

	var calls int32
	loader := func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond)
		return []byte("shared"), nil
	}

	const callers = 20
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "hot", loader)
			assert.NoError(t, err)
			assert.Equal(t, "shared", string(v))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "concurrent misses should compute once")
}

func TestInvalidateKey(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tour:1", []byte("v")))
	n, err := c.Invalidate(ctx, "tour:1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, found, err := c.Get(ctx, "tour:1")
	require.NoError(t, err)
	assert.False(t, found)

	// Unknown keys invalidate without error and count zero.
	n, err = c.Invalidate(ctx, "never-existed")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInvalidatePattern(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tour:1", []byte("v")))
	require.NoError(t, c.Set(ctx, "tour:2", []byte("v")))
	require.NoError(t, c.Set(ctx, "booking:1", []byte("v")))

	n, err := c.Invalidate(ctx, "tour:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, key := range []string{"tour:1", "tour:2"} {
		_, found, _ := c.Get(ctx, key)
		assert.False(t, found, key)
	}
	_, found, _ := c.Get(ctx, "booking:1")
	assert.True(t, found, "non-matching key must survive")
}

func TestInvalidateByTag(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tour:1", []byte("v"), WithTags("tours")))
	require.NoError(t, c.Set(ctx, "tour:2", []byte("v"), WithTags("tours", "featured")))
	require.NoError(t, c.Set(ctx, "booking:1", []byte("v"), WithTags("bookings")))

	n, err := c.InvalidateByTag(ctx, "tours")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, key := range []string{"tour:1", "tour:2"} {
		_, found, _ := c.Get(ctx, key)
		assert.False(t, found, key)
	}
	_, found, _ := c.Get(ctx, "booking:1")
	assert.True(t, found)

	// An empty tag group is a no-op counting zero.
	n, err = c.InvalidateByTag(ctx, "tours")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubscriberObservesInvalidation(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	events := make(chan Event, 1)
	c.Subscribe("tour:*", func(ev Event) { events <- ev })

	require.NoError(t, c.Set(ctx, "tour:1", []byte("v")))
	_, err := c.Invalidate(ctx, "tour:1")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "key", ev.Kind)
		assert.Equal(t, "tour:1", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}

func TestRemoteReadThrough(t *testing.T) {
	c, _ := newRemoteCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tour:1", []byte("bali")))

	// Simulate a fresh process: local tiers empty, remote still warm.
	for _, s := range c.stores {
		s.Clear()
	}

	value, found, err := c.Get(ctx, "tour:1")
	require.NoError(t, err)
	require.True(t, found, "remote should serve after local wipe")
	assert.Equal(t, "bali", string(value))

	snap := c.Stats()
	assert.EqualValues(t, 1, snap.RemoteHits)
}

func TestRemoteDownDegradesToLocal(t *testing.T) {
	c, mr := newRemoteCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v")))
	mr.Close()

	// Local hit still works.
	value, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", string(value))

	// Writes succeed locally; remote failure is recorded, not returned.
	require.NoError(t, c.Set(ctx, "k2", []byte("v2")))
	_, found, err = c.Get(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, found)

	// A full miss is still just a miss.
	_, found, err = c.Get(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, found)

	assert.True(t, c.Stats().BackendUnavailable)
}

func TestInvalidateReachesRemote(t *testing.T) {
	c, mr := newRemoteCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tour:1", []byte("v")))
	_, err := c.Invalidate(ctx, "tour:1")
	require.NoError(t, err)

	assert.False(t, mr.Exists("tour:1"), "remote copy should be deleted")
}

func TestWriteBackLandsAsynchronously(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Remote.Enabled = true
	cfg.Remote.Addr = mr.Addr()
	cfg.Remote.PingInterval = 0
	cfg.Remote.WriteStrategy = "back"
	cfg.Remote.WritebackJitter = time.Millisecond

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "k", []byte("v")))

	deadline := time.After(time.Second)
	for !mr.Exists("k") {
		select {
		case <-deadline:
			t.Fatal("write-back never landed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStatsCountsHitsAndMisses(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v")))
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "absent")

	snap := c.Stats()
	assert.EqualValues(t, 2, snap.Hits)
	assert.EqualValues(t, 1, snap.Misses)
	assert.InDelta(t, 2.0/3.0, snap.HitRate, 0.001)
	assert.Contains(t, snap.Tiers, "archive")
}

func TestOperationsAfterCloseFail(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	ctx := context.Background()
	_, _, err = c.Get(ctx, "k")
	assert.Equal(t, errors.ErrCodeEngineClosed, errors.CodeOf(err))
	assert.Equal(t, errors.ErrCodeEngineClosed, errors.CodeOf(c.Set(ctx, "k", nil)))
	_, err = c.Invalidate(ctx, "k")
	assert.Equal(t, errors.ErrCodeEngineClosed, errors.CodeOf(err))
	_, err = c.InvalidateByTag(ctx, "grp")
	assert.Equal(t, errors.ErrCodeEngineClosed, errors.CodeOf(err))

	// Close is idempotent.
	require.NoError(t, c.Close())
}

func TestCachedHelper(t *testing.T) {
	c := newLocalCache(t)

	var calls int32
	lookup := Cached(c, "tour", func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("payload for " + key), nil
	})

	v, err := lookup(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "payload for tour:42", string(v))

	_, err = lookup(context.Background(), "42")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// The key is explicit, so targeted invalidation works.
	_, err = c.Invalidate(context.Background(), "tour:42")
	require.NoError(t, err)
	_, err = lookup(context.Background(), "42")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestJSONHelpers(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	type booking struct {
		ID    int    `json:"id"`
		Tour  string `json:"tour"`
		Seats int    `json:"seats"`
	}

	in := booking{ID: 7, Tour: "bali", Seats: 2}
	require.NoError(t, c.SetJSON(ctx, "booking:7", in))

	var out booking
	found, err := c.GetJSON(ctx, "booking:7", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)

	found, err = c.GetJSON(ctx, "booking:absent", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCorruptLocalEntryReadsAsMiss(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), WithTier(types.TierHot)))

	// Corrupt the stored envelope in place.
	entry, found := c.stores[types.TierHot].Get("k")
	require.True(t, found)
	bad := *entry
	bad.Value = []byte{0xFF, 0xFF, 0xFF}
	c.stores[types.TierHot].Put("k", &bad)

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "corrupt entry must degrade to a miss")

	if _, still := c.stores[types.TierHot].Get("k"); still {
		t.Error("corrupt entry should be purged")
	}
	assert.EqualValues(t, 1, c.Stats().CorruptPurges)
}

func TestWarmupReloadsTopMisses(t *testing.T) {
	cfg := testConfig()
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	c.RegisterLoader("tour", func(ctx context.Context, key string) ([]byte, error) {
		return []byte("warmed:" + key), nil
	})

	// Record misses, then run a cycle directly.
	_, _, _ = c.Get(ctx, "tour:1")
	_, _, _ = c.Get(ctx, "tour:1")
	_, _, _ = c.Get(ctx, "tour:2")

	loaded := c.warmer.RunCycle(ctx)
	assert.Equal(t, 2, loaded)

	value, found, err := c.Get(ctx, "tour:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "warmed:tour:1", string(value))
}

func TestNilConfigUsesDefaults(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "k", []byte("v")))
	_, found, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPromotionNeverResurrectsOverwrittenValue(t *testing.T) {
	cfg := testConfig()
	cfg.Classify.CriticalPatterns = []string{"vip:*"}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "vip:1", []byte("v1"), WithTier(types.TierWarm)))
	snapshot, ok := c.stores[types.TierWarm].Peek("vip:1")
	require.True(t, ok)

	// A newer write lands between the read snapshot and the move.
	require.NoError(t, c.Set(ctx, "vip:1", []byte("v2")))

	c.maybePromote("vip:1", snapshot, types.TierWarm)

	value, found, err := c.Get(ctx, "vip:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(value), "the last Set to land must win")
}

func TestPromotionNeverResurrectsInvalidatedKey(t *testing.T) {
	cfg := testConfig()
	cfg.Classify.CriticalPatterns = []string{"vip:*"}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "vip:1", []byte("v1"), WithTier(types.TierWarm)))
	snapshot, ok := c.stores[types.TierWarm].Peek("vip:1")
	require.True(t, ok)

	_, err = c.Invalidate(ctx, "vip:1")
	require.NoError(t, err)

	c.maybePromote("vip:1", snapshot, types.TierWarm)

	_, found, err := c.Get(ctx, "vip:1")
	require.NoError(t, err)
	assert.False(t, found, "invalidated key must stay gone")
}

func TestBackfillYieldsToNewerLocalWrite(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("fresh")))

	stale, _, err := c.codec.Encode([]byte("stale"))
	require.NoError(t, err)
	c.backfill("k", stale)

	value, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fresh", string(value))
}

func TestEvictionDropsTagMembership(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Namespace = "evict_test"
	cfg.Tiers["hot"] = types.TierConfig{MaxEntries: 2, TTL: time.Hour, Eviction: types.EvictLRU}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t:1", []byte("v"), WithTier(types.TierHot), WithTags("grp")))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set(ctx, "t:2", []byte("v"), WithTier(types.TierHot), WithTags("grp")))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set(ctx, "t:3", []byte("v"), WithTier(types.TierHot), WithTags("grp")))

	// Capacity 2: the oldest key was evicted and must leave the group.
	members := c.bus.KeysByTag("grp")
	assert.Len(t, members, 2)
	assert.NotContains(t, members, "t:1")

	n, err := c.InvalidateByTag(ctx, "grp")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "count must cover only keys actually present")

	// The eviction also reached the Prometheus counter.
	families, err := c.collector.Registry().Gather()
	require.NoError(t, err)
	seen := false
	for _, f := range families {
		if f.GetName() == "evict_test_evictions_total" {
			for _, m := range f.GetMetric() {
				if m.GetCounter().GetValue() > 0 {
					seen = true
				}
			}
		}
	}
	assert.True(t, seen, "evictions_total should count capacity evictions")
}

func TestExpiredSweepDropsTagMembership(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "t:1", []byte("v"),
		WithTier(types.TierHot), WithTags("grp"), WithTTL(5*time.Millisecond)))
	time.Sleep(10 * time.Millisecond)

	c.stores[types.TierHot].Sweep()

	assert.Empty(t, c.bus.KeysByTag("grp"), "swept key must leave its tag group")
}

func TestInvalidateRacingCloseDoesNotPanic(t *testing.T) {
	for i := 0; i < 20; i++ {
		c, err := New(testConfig())
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 50; j++ {
				_, _ = c.Invalidate(context.Background(), "k")
			}
		}()
		require.NoError(t, c.Close())
		<-done
	}
}

func TestHealthReflectsBackendState(t *testing.T) {
	c, mr := newRemoteCache(t)
	ctx := context.Background()

	require.Equal(t, health.StateHealthy, c.Health().Overall)

	mr.Close()
	_, _, _ = c.Get(ctx, "k") // drive a failure so the client notices

	report := c.Health()
	assert.Equal(t, health.StateDegraded, report.Overall,
		"losing the remote tier degrades, never takes the engine down")
}

func TestConcurrentMixedOperations(t *testing.T) {
	c := newLocalCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("k%d", j%10)
				switch j % 4 {
				case 0:
					_ = c.Set(ctx, key, []byte("v"), WithTags("grp"))
				case 1:
					_, _, _ = c.Get(ctx, key)
				case 2:
					_, _ = c.Invalidate(ctx, key)
				case 3:
					_, _ = c.InvalidateByTag(ctx, "grp")
				}
			}
		}(i)
	}
	wg.Wait()
}
