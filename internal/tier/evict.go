package tier

import (
	"sync/atomic"

	"github.com/tiercache/tiercache/pkg/types"
)

// victimFn picks the key to evict when the tier is at capacity. It is
// called with the store's write lock held.
type victimFn func(items map[string]*item) string

// victimFor maps an eviction strategy to its victim selector.
func victimFor(strategy types.EvictionStrategy) victimFn {
	switch strategy {
	case types.EvictLFU:
		return lfuVictim
	case types.EvictTTL:
		return ttlVictim
	default:
		return lruVictim
	}
}

// lruVictim picks the entry with the oldest last access time.
func lruVictim(items map[string]*item) string {
	var victim string
	var oldest int64
	for key, it := range items {
		last := atomic.LoadInt64(&it.lastAccessNano)
		if victim == "" || last < oldest {
			victim = key
			oldest = last
		}
	}
	return victim
}

// lfuVictim picks the entry with the lowest access count, breaking
// ties by last access time so a cold newcomer loses to a cold
// veteran.
func lfuVictim(items map[string]*item) string {
	var victim string
	var lowest int64
	var oldest int64
	for key, it := range items {
		count := atomic.LoadInt64(&it.accessCount)
		last := atomic.LoadInt64(&it.lastAccessNano)
		if victim == "" || count < lowest || (count == lowest && last < oldest) {
			victim = key
			lowest = count
			oldest = last
		}
	}
	return victim
}

// ttlVictim picks the entry nearest to expiry.
func ttlVictim(items map[string]*item) string {
	var victim string
	var nearest int64
	for key, it := range items {
		exp := it.expiry().UnixNano()
		if victim == "" || exp < nearest {
			victim = key
			nearest = exp
		}
	}
	return victim
}
