// Package config loads and validates the engine configuration.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/retry"
	"github.com/tiercache/tiercache/pkg/types"
)

// Config is the full engine configuration. Immutable after startup.
type Config struct {
	Tiers    map[string]types.TierConfig `yaml:"tiers"`
	Classify ClassifyConfig              `yaml:"classify"`
	Codec    CodecConfig                 `yaml:"codec"`
	Remote   RemoteConfig                `yaml:"remote"`
	Flight   FlightConfig                `yaml:"flight"`
	Warmup   WarmupConfig                `yaml:"warmup"`
	Metrics  MetricsConfig               `yaml:"metrics"`
	Logging  logging.Config              `yaml:"logging"`

	// SweepInterval is how often each tier removes expired entries.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ClassifyConfig holds the priority pattern tables consulted by the
// tier classifier. Patterns are key substrings or "prefix*" globs.
type ClassifyConfig struct {
	CriticalPatterns []string `yaml:"critical_patterns"`
	HighPatterns     []string `yaml:"high_patterns"`
	MediumPatterns   []string `yaml:"medium_patterns"`
}

// CodecConfig controls value encoding.
type CodecConfig struct {
	// CompressionThreshold is the minimum raw size in bytes before
	// compression is attempted.
	CompressionThreshold int `yaml:"compression_threshold"`
}

// RemoteConfig configures the shared Redis accelerator.
type RemoteConfig struct {
	Enabled bool `yaml:"enabled"`

	// Addr is the primary backend address. Shards may initially alias
	// this one physical backend.
	Addr string `yaml:"addr"`

	// ReplicaAddrs are optional read replicas. Reads are distributed
	// across them by key hash; writes always go to the primary.
	ReplicaAddrs []string `yaml:"replica_addrs"`

	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// ShardCount is the number of logical shards keys hash into.
	ShardCount int `yaml:"shard_count"`

	// OpTimeout bounds every individual backend call.
	OpTimeout time.Duration `yaml:"op_timeout"`

	// PingInterval is how often the health-check loop probes the
	// backend. Zero disables the loop.
	PingInterval time.Duration `yaml:"ping_interval"`

	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`

	// WriteStrategy is "through" (synchronous) or "back" (async with
	// jitter batching).
	WriteStrategy string `yaml:"write_strategy"`

	// WritebackBuffer is the queue depth for write-back mode.
	WritebackBuffer int `yaml:"writeback_buffer"`

	// WritebackJitter is the maximum random delay before an async
	// write lands, spreading bursts.
	WritebackJitter time.Duration `yaml:"writeback_jitter"`

	// ScanPageSize is the COUNT hint per SCAN page during pattern
	// deletes.
	ScanPageSize int64 `yaml:"scan_page_size"`

	// ScanMaxPages caps SCAN iteration so a pattern delete can never
	// turn into a full-keyspace crawl.
	ScanMaxPages int `yaml:"scan_max_pages"`

	Retry retry.Config `yaml:"retry"`
}

// FlightConfig configures single-flight stampede protection.
type FlightConfig struct {
	// WaitTimeout is a waiter's total budget before it gives up on
	// the owner and computes the value itself.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// PollInterval is how often waiters re-check the cache for the
	// owner's result.
	PollInterval time.Duration `yaml:"poll_interval"`

	// LockTTL is the safety TTL on the owner lock so a crashed owner
	// self-expires.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// UseRemoteLock coordinates ownership across processes with a
	// SETNX lock on the remote backend.
	UseRemoteLock bool `yaml:"use_remote_lock"`
}

// WarmupConfig configures background pre-population.
type WarmupConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval between warmup rounds.
	Interval time.Duration `yaml:"interval"`

	// TopN is how many miss patterns each round warms.
	TopN int `yaml:"top_n"`

	// MaxConcurrent bounds parallel loader calls per round.
	MaxConcurrent int64 `yaml:"max_concurrent"`

	// MaxTracked caps the miss-pattern table.
	MaxTracked int `yaml:"max_tracked"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	// ListenAddr serves /metrics when non-empty.
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the default engine configuration.
func Default() *Config {
	return &Config{
		Tiers: map[string]types.TierConfig{
			"hot":     {MaxEntries: 2000, TTL: 10 * time.Minute, Eviction: types.EvictLRU},
			"warm":    {MaxEntries: 5000, TTL: 30 * time.Minute, Eviction: types.EvictLRU},
			"cold":    {MaxEntries: 10000, TTL: 2 * time.Hour, Eviction: types.EvictLFU},
			"archive": {MaxEntries: 20000, TTL: 24 * time.Hour, Eviction: types.EvictTTL},
		},
		Codec: CodecConfig{
			CompressionThreshold: 1024,
		},
		Remote: RemoteConfig{
			Enabled:         false,
			Addr:            "localhost:6379",
			ShardCount:      4,
			OpTimeout:       3 * time.Second,
			PingInterval:    30 * time.Second,
			PoolSize:        10,
			MinIdleConns:    2,
			WriteStrategy:   "through",
			WritebackBuffer: 1024,
			WritebackJitter: 100 * time.Millisecond,
			ScanPageSize:    200,
			ScanMaxPages:    50,
			Retry:           retry.DefaultConfig(),
		},
		Flight: FlightConfig{
			WaitTimeout:  10 * time.Second,
			PollInterval: 500 * time.Millisecond,
			LockTTL:      30 * time.Second,
		},
		Warmup: WarmupConfig{
			Enabled:       true,
			Interval:      5 * time.Minute,
			TopN:          20,
			MaxConcurrent: 4,
			MaxTracked:    4096,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "tiercache",
		},
		SweepInterval: time.Minute,
	}
}

// Load reads a YAML config file and fills unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("path", path)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("path", path)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults backfills zero values with defaults.
func (c *Config) ApplyDefaults() {
	def := Default()

	if len(c.Tiers) == 0 {
		c.Tiers = def.Tiers
	}
	for name, tc := range c.Tiers {
		if tc.Eviction == "" {
			tc.Eviction = types.EvictLRU
		}
		if tc.TTL <= 0 {
			tc.TTL = def.Tiers[name].TTL
			if tc.TTL <= 0 {
				tc.TTL = 30 * time.Minute
			}
		}
		c.Tiers[name] = tc
	}
	if c.Codec.CompressionThreshold <= 0 {
		c.Codec.CompressionThreshold = def.Codec.CompressionThreshold
	}
	if c.Remote.Addr == "" {
		c.Remote.Addr = def.Remote.Addr
	}
	if c.Remote.ShardCount <= 0 {
		c.Remote.ShardCount = def.Remote.ShardCount
	}
	if c.Remote.OpTimeout <= 0 {
		c.Remote.OpTimeout = def.Remote.OpTimeout
	}
	if c.Remote.PoolSize <= 0 {
		c.Remote.PoolSize = def.Remote.PoolSize
	}
	if c.Remote.WriteStrategy == "" {
		c.Remote.WriteStrategy = def.Remote.WriteStrategy
	}
	if c.Remote.WritebackBuffer <= 0 {
		c.Remote.WritebackBuffer = def.Remote.WritebackBuffer
	}
	if c.Remote.WritebackJitter <= 0 {
		c.Remote.WritebackJitter = def.Remote.WritebackJitter
	}
	if c.Remote.ScanPageSize <= 0 {
		c.Remote.ScanPageSize = def.Remote.ScanPageSize
	}
	if c.Remote.ScanMaxPages <= 0 {
		c.Remote.ScanMaxPages = def.Remote.ScanMaxPages
	}
	if c.Flight.WaitTimeout <= 0 {
		c.Flight.WaitTimeout = def.Flight.WaitTimeout
	}
	if c.Flight.PollInterval <= 0 {
		c.Flight.PollInterval = def.Flight.PollInterval
	}
	if c.Flight.LockTTL <= 0 {
		c.Flight.LockTTL = def.Flight.LockTTL
	}
	if c.Warmup.Interval <= 0 {
		c.Warmup.Interval = def.Warmup.Interval
	}
	if c.Warmup.TopN <= 0 {
		c.Warmup.TopN = def.Warmup.TopN
	}
	if c.Warmup.MaxConcurrent <= 0 {
		c.Warmup.MaxConcurrent = def.Warmup.MaxConcurrent
	}
	if c.Warmup.MaxTracked <= 0 {
		c.Warmup.MaxTracked = def.Warmup.MaxTracked
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	for name, tc := range c.Tiers {
		if _, ok := types.ParseTier(name); !ok {
			return errors.Newf(errors.ErrCodeConfigValidation, "unknown tier %q", name)
		}
		if tc.MaxEntries <= 0 {
			return errors.Newf(errors.ErrCodeConfigValidation,
				"tier %q: max_entries must be positive", name)
		}
		if tc.TTL <= 0 {
			return errors.Newf(errors.ErrCodeConfigValidation,
				"tier %q: ttl must be positive", name)
		}
		switch tc.Eviction {
		case types.EvictLRU, types.EvictLFU, types.EvictTTL:
		default:
			return errors.Newf(errors.ErrCodeConfigValidation,
				"tier %q: unknown eviction strategy %q", name, tc.Eviction)
		}
	}

	switch c.Remote.WriteStrategy {
	case "through", "back":
	default:
		return errors.Newf(errors.ErrCodeConfigValidation,
			"unknown write strategy %q", c.Remote.WriteStrategy)
	}

	if c.Remote.Enabled && c.Remote.Addr == "" {
		return errors.New(errors.ErrCodeConfigValidation,
			"remote enabled but no addr configured")
	}

	if c.Flight.PollInterval >= c.Flight.WaitTimeout {
		return errors.New(errors.ErrCodeConfigValidation,
			"flight poll_interval must be shorter than wait_timeout")
	}

	return nil
}

// TierConfigFor returns the config for a tier, falling back to
// defaults when the tier is not configured.
func (c *Config) TierConfigFor(tier types.Tier) types.TierConfig {
	if tc, ok := c.Tiers[tier.String()]; ok {
		return tc
	}
	return Default().Tiers[tier.String()]
}
