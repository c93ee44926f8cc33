// Package tier implements the bounded in-process stores that make up
// the local cache levels.
package tier

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiercache/tiercache/pkg/types"
)

// item is the store's internal representation of one cached entry.
// Access stats are atomics so the read path never takes the write
// lock.
type item struct {
	key        string
	value      []byte
	compressed bool
	createdAt  time.Time
	ttl        time.Duration
	tier       types.Tier
	tags       []string

	lastAccessNano int64
	accessCount    int64
}

func (it *item) expired(now time.Time) bool {
	if it.ttl <= 0 {
		return false
	}
	return now.Sub(it.createdAt) > it.ttl
}

func (it *item) expiry() time.Time {
	return it.createdAt.Add(it.ttl)
}

// Store is one local cache tier: a bounded map with a pluggable
// eviction strategy. Gets take only the read lock; entry access stats
// are updated atomically.
type Store struct {
	mu     sync.RWMutex
	tier   types.Tier
	config types.TierConfig
	items  map[string]*item
	victim victimFn

	// onRemove fires for removals the store decides on its own:
	// capacity eviction and expiry sweep. Facade-driven Delete does
	// not fire it. Called outside the store lock.
	onRemove func(key string, expired bool)

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// NewStore creates a tier store. The eviction strategy comes from the
// tier config; unknown strategies fall back to LRU.
func NewStore(tier types.Tier, config types.TierConfig) *Store {
	return &Store{
		tier:   tier,
		config: config,
		items:  make(map[string]*item, config.MaxEntries),
		victim: victimFor(config.Eviction),
	}
}

// OnRemove registers a callback for evictions and sweep removals.
// Must be called before the store is shared; the callback must not
// call back into the store.
func (s *Store) OnRemove(fn func(key string, expired bool)) {
	s.onRemove = fn
}

// Get returns the entry for key. TTL-expired entries read as misses
// even before a sweep removes them. The returned Entry is a snapshot;
// its Value slice is owned by the store.
func (s *Store) Get(key string) (*types.Entry, bool) {
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()

	now := time.Now()
	if !ok || it.expired(now) {
		if ok {
			atomic.AddUint64(&s.expired, 1)
		}
		atomic.AddUint64(&s.misses, 1)
		return nil, false
	}

	atomic.StoreInt64(&it.lastAccessNano, now.UnixNano())
	count := atomic.AddInt64(&it.accessCount, 1)
	atomic.AddUint64(&s.hits, 1)

	return &types.Entry{
		Key:          it.key,
		Value:        it.value,
		Compressed:   it.compressed,
		CreatedAt:    it.createdAt,
		LastAccessed: now,
		AccessCount:  count,
		TTL:          it.ttl,
		Tier:         it.tier,
		Tags:         it.tags,
	}, true
}

// Peek returns the entry for key without touching hit/miss stats or
// access bookkeeping. Expired entries read as absent.
func (s *Store) Peek(key string) (*types.Entry, bool) {
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()

	now := time.Now()
	if !ok || it.expired(now) {
		return nil, false
	}
	return &types.Entry{
		Key:          it.key,
		Value:        it.value,
		Compressed:   it.compressed,
		CreatedAt:    it.createdAt,
		LastAccessed: time.Unix(0, atomic.LoadInt64(&it.lastAccessNano)),
		AccessCount:  atomic.LoadInt64(&it.accessCount),
		TTL:          it.ttl,
		Tier:         it.tier,
		Tags:         it.tags,
	}, true
}

// AccessCount returns the recorded access count for key without
// touching hit/miss stats. Used by the classifier for promotion
// decisions.
func (s *Store) AccessCount(key string) int64 {
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&it.accessCount)
}

// Put inserts or overwrites an entry, evicting per strategy when the
// tier is at capacity. Capacity eviction is never an error, only a
// counter.
func (s *Store) Put(key string, entry *types.Entry) {
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = s.config.TTL
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	newItem := &item{
		key:            key,
		value:          entry.Value,
		compressed:     entry.Compressed,
		createdAt:      createdAt,
		ttl:            ttl,
		tier:           s.tier,
		tags:           entry.Tags,
		lastAccessNano: createdAt.UnixNano(),
		accessCount:    entry.AccessCount,
	}

	var evicted string

	s.mu.Lock()
	if _, exists := s.items[key]; !exists && len(s.items) >= s.config.MaxEntries {
		if victim := s.victim(s.items); victim != "" {
			delete(s.items, victim)
			atomic.AddUint64(&s.evictions, 1)
			evicted = victim
		}
	}
	s.items[key] = newItem
	s.mu.Unlock()

	if evicted != "" && s.onRemove != nil {
		s.onRemove(evicted, false)
	}
}

// Delete removes an entry. Returns whether the key was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Keys returns a snapshot of all keys currently in the tier,
// including logically expired ones not yet swept.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of physically present entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Sweep removes TTL-expired entries. Candidates are collected under
// the read lock and removed one by one so concurrent Get/Put are
// never blocked for the whole pass.
func (s *Store) Sweep() int {
	now := time.Now()

	s.mu.RLock()
	var stale []string
	for key, it := range s.items {
		if it.expired(now) {
			stale = append(stale, key)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, key := range stale {
		s.mu.Lock()
		it, ok := s.items[key]
		if ok && it.expired(now) {
			delete(s.items, key)
			removed++
		} else {
			ok = false
		}
		s.mu.Unlock()

		if ok && s.onRemove != nil {
			s.onRemove(key, true)
		}
	}

	if removed > 0 {
		atomic.AddUint64(&s.expired, uint64(removed))
	}
	return removed
}

// Stats returns a point-in-time view of the tier.
func (s *Store) Stats() types.TierStats {
	s.mu.RLock()
	entries := len(s.items)
	s.mu.RUnlock()

	return types.TierStats{
		Entries:   entries,
		Capacity:  s.config.MaxEntries,
		Hits:      atomic.LoadUint64(&s.hits),
		Misses:    atomic.LoadUint64(&s.misses),
		Evictions: atomic.LoadUint64(&s.evictions),
		Expired:   atomic.LoadUint64(&s.expired),
	}
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*item, s.config.MaxEntries)
}

// Tier returns which level this store serves.
func (s *Store) Tier() types.Tier {
	return s.tier
}
