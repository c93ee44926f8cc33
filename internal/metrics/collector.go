// Package metrics aggregates engine counters and exposes them both as
// an in-process snapshot and, optionally, as a Prometheus endpoint.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/pkg/types"
)

// Config controls metric export.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	Namespace  string `yaml:"namespace"`
	ListenAddr string `yaml:"listen_addr"`
}

// Collector counts engine events. Counting is atomic and always on;
// the Prometheus registry and HTTP endpoint are only wired when
// enabled. A nil Collector is safe to call, so call sites never need
// nil checks.
type Collector struct {
	config Config
	logger *zap.Logger

	hits               uint64
	misses             uint64
	remoteHits         uint64
	evictions          uint64
	invalidations      uint64
	corruptPurges      uint64
	computeCalls       uint64
	computeDeduped     uint64
	warmupLoads        uint64
	writebackDrops     uint64
	backendUnavailable uint32

	registry      *prometheus.Registry
	hitCounter    *prometheus.CounterVec
	missCounter   prometheus.Counter
	evictCounter  *prometheus.CounterVec
	invalCounter  *prometheus.CounterVec
	computeVec    *prometheus.CounterVec
	degradedGauge prometheus.Gauge
	opDuration    *prometheus.HistogramVec

	server *http.Server
}

// New creates a collector. When cfg.Enabled is false the collector
// still counts, it just exports nothing.
func New(cfg Config, logger *zap.Logger) *Collector {
	c := &Collector{
		config: cfg,
		logger: logging.Component(logger, "metrics"),
	}
	if !cfg.Enabled {
		return c
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "tiercache"
	}

	c.registry = prometheus.NewRegistry()
	c.hitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "hits_total",
		Help:      "Cache hits by serving layer",
	}, []string{"layer"})
	c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "misses_total",
		Help:      "Full cache misses",
	})
	c.evictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "evictions_total",
		Help:      "Evictions by tier",
	}, []string{"tier"})
	c.invalCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "invalidations_total",
		Help:      "Invalidations by kind",
	}, []string{"kind"})
	c.computeVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "computes_total",
		Help:      "Loader computations by outcome",
	}, []string{"outcome"})
	c.degradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "backend_degraded",
		Help:      "1 when the remote backend is unavailable",
	})
	c.opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "operation_duration_seconds",
		Help:      "Facade operation latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	c.registry.MustRegister(
		c.hitCounter, c.missCounter, c.evictCounter,
		c.invalCounter, c.computeVec, c.degradedGauge, c.opDuration,
	)

	if cfg.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
		c.server = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
		go func() {
			if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.logger.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
		c.logger.Info("metrics endpoint listening", zap.String("addr", cfg.ListenAddr))
	}

	return c
}

func (c *Collector) RecordHit(tier types.Tier) {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.hits, 1)
	if c.hitCounter != nil {
		c.hitCounter.WithLabelValues(tier.String()).Inc()
	}
}

func (c *Collector) RecordRemoteHit() {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.hits, 1)
	atomic.AddUint64(&c.remoteHits, 1)
	if c.hitCounter != nil {
		c.hitCounter.WithLabelValues("remote").Inc()
	}
}

func (c *Collector) RecordMiss() {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.misses, 1)
	if c.missCounter != nil {
		c.missCounter.Inc()
	}
}

func (c *Collector) RecordEviction(tier types.Tier, n int) {
	if c == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&c.evictions, uint64(n))
	if c.evictCounter != nil {
		c.evictCounter.WithLabelValues(tier.String()).Add(float64(n))
	}
}

func (c *Collector) RecordInvalidation(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&c.invalidations, uint64(n))
	if c.invalCounter != nil {
		c.invalCounter.WithLabelValues(kind).Add(float64(n))
	}
}

func (c *Collector) RecordCorruptPurge() {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.corruptPurges, 1)
	if c.invalCounter != nil {
		c.invalCounter.WithLabelValues("corrupt").Inc()
	}
}

func (c *Collector) RecordCompute() {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.computeCalls, 1)
	if c.computeVec != nil {
		c.computeVec.WithLabelValues("computed").Inc()
	}
}

func (c *Collector) RecordComputeDeduped() {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.computeDeduped, 1)
	if c.computeVec != nil {
		c.computeVec.WithLabelValues("deduped").Inc()
	}
}

func (c *Collector) RecordWarmupLoad(n int) {
	if c == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&c.warmupLoads, uint64(n))
}

func (c *Collector) RecordWritebackDrops(total uint64) {
	if c == nil {
		return
	}
	atomic.StoreUint64(&c.writebackDrops, total)
}

func (c *Collector) SetBackendAvailable(available bool) {
	if c == nil {
		return
	}
	if available {
		atomic.StoreUint32(&c.backendUnavailable, 0)
		if c.degradedGauge != nil {
			c.degradedGauge.Set(0)
		}
	} else {
		atomic.StoreUint32(&c.backendUnavailable, 1)
		if c.degradedGauge != nil {
			c.degradedGauge.Set(1)
		}
	}
}

// ObserveOperation records one facade operation's latency.
func (c *Collector) ObserveOperation(op string, start time.Time) {
	if c == nil || c.opDuration == nil {
		return
	}
	c.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Registry exposes the Prometheus registry backing the collector.
// Nil when export is disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Snapshot returns a point-in-time view of all counters. Tier stats
// are filled in by the facade, which owns the stores.
func (c *Collector) Snapshot() types.MetricsSnapshot {
	if c == nil {
		return types.MetricsSnapshot{TakenAt: time.Now()}
	}

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	snap := types.MetricsSnapshot{
		Hits:               hits,
		Misses:             misses,
		RemoteHits:         atomic.LoadUint64(&c.remoteHits),
		Evictions:          atomic.LoadUint64(&c.evictions),
		Invalidations:      atomic.LoadUint64(&c.invalidations),
		CorruptPurges:      atomic.LoadUint64(&c.corruptPurges),
		ComputeCalls:       atomic.LoadUint64(&c.computeCalls),
		ComputeDeduped:     atomic.LoadUint64(&c.computeDeduped),
		WarmupLoads:        atomic.LoadUint64(&c.warmupLoads),
		WritebackDrops:     atomic.LoadUint64(&c.writebackDrops),
		BackendUnavailable: atomic.LoadUint32(&c.backendUnavailable) == 1,
		Tiers:              make(map[string]types.TierStats),
		TakenAt:            time.Now(),
	}
	if total := hits + misses; total > 0 {
		snap.HitRate = float64(hits) / float64(total)
	}
	return snap
}

// Close shuts down the HTTP endpoint if one was started.
func (c *Collector) Close() error {
	if c == nil || c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}
