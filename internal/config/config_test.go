package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if len(cfg.Tiers) != 4 {
		t.Errorf("expected 4 tiers, got %d", len(cfg.Tiers))
	}
}

func TestApplyDefaultsBackfill(t *testing.T) {
	cfg := &Config{
		Tiers: map[string]types.TierConfig{
			"hot": {MaxEntries: 10},
		},
	}
	cfg.ApplyDefaults()

	if cfg.Tiers["hot"].Eviction != types.EvictLRU {
		t.Errorf("eviction should default to lru, got %s", cfg.Tiers["hot"].Eviction)
	}
	if cfg.Tiers["hot"].TTL <= 0 {
		t.Error("ttl should be backfilled")
	}
	if cfg.Remote.ShardCount != 4 {
		t.Errorf("shard count should default to 4, got %d", cfg.Remote.ShardCount)
	}
	if cfg.Flight.PollInterval != 500*time.Millisecond {
		t.Errorf("poll interval default wrong: %v", cfg.Flight.PollInterval)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown tier name", func(c *Config) {
			c.Tiers["blazing"] = types.TierConfig{MaxEntries: 1, TTL: time.Minute, Eviction: types.EvictLRU}
		}},
		{"zero max entries", func(c *Config) {
			c.Tiers["hot"] = types.TierConfig{MaxEntries: 0, TTL: time.Minute, Eviction: types.EvictLRU}
		}},
		{"zero ttl", func(c *Config) {
			c.Tiers["hot"] = types.TierConfig{MaxEntries: 5, TTL: 0, Eviction: types.EvictLRU}
		}},
		{"bad eviction", func(c *Config) {
			c.Tiers["hot"] = types.TierConfig{MaxEntries: 5, TTL: time.Minute, Eviction: "random"}
		}},
		{"bad write strategy", func(c *Config) {
			c.Remote.WriteStrategy = "sideways"
		}},
		{"remote enabled without addr", func(c *Config) {
			c.Remote.Enabled = true
			c.Remote.Addr = ""
		}},
		{"poll >= wait", func(c *Config) {
			c.Flight.PollInterval = c.Flight.WaitTimeout
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if errors.CodeOf(err) != errors.ErrCodeConfigValidation {
				t.Errorf("expected CONFIG_VALIDATION, got %v", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := `
tiers:
  hot:
    max_entries: 100
    ttl: 1m
    eviction: lru
  archive:
    max_entries: 500
    ttl: 12h
    eviction: ttl
codec:
  compression_threshold: 2048
remote:
  enabled: true
  addr: "redis-primary:6379"
  shard_count: 8
  write_strategy: back
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tiers["hot"].MaxEntries != 100 {
		t.Errorf("hot max_entries = %d", cfg.Tiers["hot"].MaxEntries)
	}
	if cfg.Codec.CompressionThreshold != 2048 {
		t.Errorf("compression threshold = %d", cfg.Codec.CompressionThreshold)
	}
	if cfg.Remote.ShardCount != 8 {
		t.Errorf("shard count = %d", cfg.Remote.ShardCount)
	}
	if cfg.Remote.WriteStrategy != "back" {
		t.Errorf("write strategy = %s", cfg.Remote.WriteStrategy)
	}
	// Unset sections are backfilled.
	if cfg.Flight.WaitTimeout != 10*time.Second {
		t.Errorf("flight wait timeout = %v", cfg.Flight.WaitTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/engine.yaml")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.CodeOf(err) != errors.ErrCodeConfigLoad {
		t.Errorf("expected CONFIG_LOAD, got %v", err)
	}
}

func TestTierConfigFor(t *testing.T) {
	cfg := Default()
	tc := cfg.TierConfigFor(types.TierHot)
	if tc.MaxEntries != 2000 {
		t.Errorf("hot max entries = %d", tc.MaxEntries)
	}

	delete(cfg.Tiers, "cold")
	tc = cfg.TierConfigFor(types.TierCold)
	if tc.MaxEntries == 0 {
		t.Error("missing tier should fall back to defaults")
	}
}
