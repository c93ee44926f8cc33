// Package warmup tracks miss patterns and proactively reloads the
// most-missed keys on a schedule.
package warmup

import (
	"sort"
	"strings"
	"sync"
)

// Tracker counts cache misses per key so the scheduler can rank
// reload candidates. The tracked set is capped; once full, new keys
// are ignored until a reset, which keeps the footprint bounded during
// a key-space scan.
type Tracker struct {
	mu         sync.Mutex
	counts     map[string]int
	maxTracked int
}

// NewTracker creates a tracker capped at maxTracked distinct keys.
func NewTracker(maxTracked int) *Tracker {
	if maxTracked <= 0 {
		maxTracked = 4096
	}
	return &Tracker{
		counts:     make(map[string]int),
		maxTracked: maxTracked,
	}
}

// RecordMiss notes a miss for key.
func (t *Tracker) RecordMiss(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.counts[key]; !ok && len(t.counts) >= t.maxTracked {
		return
	}
	t.counts[key]++
}

// Count returns the recorded misses for key.
func (t *Tracker) Count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key]
}

// TopN returns the n most-missed keys, most frequent first. Ties
// break by key for deterministic output.
func (t *Tracker) TopN(n int) []string {
	t.mu.Lock()
	keys := make([]string, 0, len(t.counts))
	for k := range t.counts {
		keys = append(keys, k)
	}
	counts := make(map[string]int, len(keys))
	for _, k := range keys {
		counts[k] = t.counts[k]
	}
	t.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if n < len(keys) {
		keys = keys[:n]
	}
	return keys
}

// Reset clears all counts. Called after each warmup cycle so rankings
// reflect recent traffic rather than all-time totals.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[string]int)
}

// Namespace extracts the key's namespace, the segment before the
// first colon. Keys without a colon form their own namespace.
func Namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
