package metrics

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/types"
)

func TestSnapshotCounts(t *testing.T) {
	c := New(Config{}, zap.NewNop())

	c.RecordHit(types.TierHot)
	c.RecordHit(types.TierWarm)
	c.RecordRemoteHit()
	c.RecordMiss()
	c.RecordEviction(types.TierHot, 3)
	c.RecordInvalidation("key", 1)
	c.RecordCorruptPurge()
	c.RecordCompute()
	c.RecordComputeDeduped()
	c.RecordWarmupLoad(5)
	c.RecordWritebackDrops(2)

	snap := c.Snapshot()
	if snap.Hits != 3 {
		t.Errorf("hits = %d, want 3", snap.Hits)
	}
	if snap.RemoteHits != 1 {
		t.Errorf("remote hits = %d, want 1", snap.RemoteHits)
	}
	if snap.Misses != 1 {
		t.Errorf("misses = %d, want 1", snap.Misses)
	}
	if snap.Evictions != 3 {
		t.Errorf("evictions = %d, want 3", snap.Evictions)
	}
	if snap.Invalidations != 1 || snap.CorruptPurges != 1 {
		t.Errorf("invalidations = %d, corrupt = %d", snap.Invalidations, snap.CorruptPurges)
	}
	if snap.ComputeCalls != 1 || snap.ComputeDeduped != 1 {
		t.Errorf("computes = %d/%d", snap.ComputeCalls, snap.ComputeDeduped)
	}
	if snap.WarmupLoads != 5 || snap.WritebackDrops != 2 {
		t.Errorf("warmup = %d, drops = %d", snap.WarmupLoads, snap.WritebackDrops)
	}
}

func TestHitRate(t *testing.T) {
	c := New(Config{}, zap.NewNop())

	for i := 0; i < 3; i++ {
		c.RecordHit(types.TierHot)
	}
	c.RecordMiss()

	snap := c.Snapshot()
	if snap.HitRate != 0.75 {
		t.Errorf("hit rate = %v, want 0.75", snap.HitRate)
	}
}

func TestHitRateWithNoTraffic(t *testing.T) {
	snap := New(Config{}, zap.NewNop()).Snapshot()
	if snap.HitRate != 0 {
		t.Errorf("hit rate = %v, want 0", snap.HitRate)
	}
}

func TestBackendAvailabilityFlag(t *testing.T) {
	c := New(Config{}, zap.NewNop())

	if c.Snapshot().BackendUnavailable {
		t.Error("should start available")
	}
	c.SetBackendAvailable(false)
	if !c.Snapshot().BackendUnavailable {
		t.Error("flag should be set after degrade")
	}
	c.SetBackendAvailable(true)
	if c.Snapshot().BackendUnavailable {
		t.Error("flag should clear on recovery")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	c.RecordHit(types.TierHot)
	c.RecordMiss()
	c.RecordEviction(types.TierCold, 1)
	c.SetBackendAvailable(false)
	c.ObserveOperation("get", time.Now())
	if err := c.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
	_ = c.Snapshot()
}

func TestEnabledCollectorRegistersPrometheus(t *testing.T) {
	c := New(Config{Enabled: true, Namespace: "test"}, zap.NewNop())
	defer c.Close()

	c.RecordHit(types.TierHot)
	c.RecordMiss()
	c.ObserveOperation("get", time.Now().Add(-time.Millisecond))

	families, err := c.registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"test_hits_total", "test_misses_total", "test_operation_duration_seconds"} {
		if !names[want] {
			t.Errorf("missing metric family %s", want)
		}
	}
}

func TestConcurrentRecording(t *testing.T) {
	c := New(Config{}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordHit(types.TierHot)
				c.RecordMiss()
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.Hits != 800 || snap.Misses != 800 {
		t.Errorf("hits = %d, misses = %d, want 800 each", snap.Hits, snap.Misses)
	}
}
