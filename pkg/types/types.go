package types

import (
	"time"
)

// Tier identifies a local cache level. Lower values are faster and
// walked first on Get.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
	TierArchive
)

// String returns the tier name used in config files, metrics labels
// and logs.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	case TierArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// ParseTier converts a tier name back to its Tier value.
func ParseTier(name string) (Tier, bool) {
	switch name {
	case "hot":
		return TierHot, true
	case "warm":
		return TierWarm, true
	case "cold":
		return TierCold, true
	case "archive":
		return TierArchive, true
	default:
		return TierArchive, false
	}
}

// AllTiers lists every tier fastest first, the order Get walks them.
var AllTiers = []Tier{TierHot, TierWarm, TierCold, TierArchive}

// EvictionStrategy selects how a tier frees space at capacity.
type EvictionStrategy string

const (
	// EvictLRU removes the entry with the oldest last access time.
	EvictLRU EvictionStrategy = "lru"
	// EvictLFU removes the entry with the lowest access count.
	EvictLFU EvictionStrategy = "lfu"
	// EvictTTL removes the entry closest to expiry.
	EvictTTL EvictionStrategy = "ttl"
)

// Entry is a cached value together with its bookkeeping. An Entry is
// exclusively owned by the tier store holding it; access stats are
// mutated on every Get.
type Entry struct {
	Key          string
	Value        []byte
	Compressed   bool
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	TTL          time.Duration
	Tier         Tier
	Tags         []string
}

// Expired reports whether the entry is logically absent at the given
// instant. TTL-expired entries read as misses even before a sweep
// physically removes them.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// TierConfig describes one local tier. Immutable after startup.
type TierConfig struct {
	MaxEntries int              `yaml:"max_entries"`
	TTL        time.Duration    `yaml:"ttl"`
	Eviction   EvictionStrategy `yaml:"eviction"`
}

// TierStats is a point-in-time view of one tier store.
type TierStats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

// MetricsSnapshot is an immutable point-in-time view of the engine's
// counters, returned by the facade's Stats.
type MetricsSnapshot struct {
	Hits               uint64               `json:"hits"`
	Misses             uint64               `json:"misses"`
	RemoteHits         uint64               `json:"remote_hits"`
	Evictions          uint64               `json:"evictions"`
	Invalidations      uint64               `json:"invalidations"`
	CorruptPurges      uint64               `json:"corrupt_purges"`
	ComputeCalls       uint64               `json:"compute_calls"`
	ComputeDeduped     uint64               `json:"compute_deduped"`
	WarmupLoads        uint64               `json:"warmup_loads"`
	WritebackDrops     uint64               `json:"writeback_drops"`
	BackendUnavailable bool                 `json:"backend_unavailable"`
	HitRate            float64              `json:"hit_rate"`
	Tiers              map[string]TierStats `json:"tiers"`
	TakenAt            time.Time            `json:"taken_at"`
}
