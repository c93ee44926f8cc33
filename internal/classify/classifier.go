// Package classify decides which local tier a key belongs to.
package classify

import (
	"strings"

	"github.com/tiercache/tiercache/pkg/types"
)

// Priority is the configured importance of a key, derived from
// pattern tables.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Classifier maps keys to tiers. ClassifyForWrite is pure and
// side-effect-free; all state is the immutable pattern tables built
// at startup.
type Classifier struct {
	critical []pattern
	high     []pattern
	medium   []pattern
}

// pattern matches a key by substring, or by prefix when the
// configured pattern ends with '*'.
type pattern struct {
	text   string
	prefix bool
}

func compile(raw []string) []pattern {
	patterns := make([]pattern, 0, len(raw))
	for _, p := range raw {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			patterns = append(patterns, pattern{text: strings.TrimSuffix(p, "*"), prefix: true})
		} else {
			patterns = append(patterns, pattern{text: p})
		}
	}
	return patterns
}

func (p pattern) matches(key string) bool {
	if p.prefix {
		return strings.HasPrefix(key, p.text)
	}
	return strings.Contains(key, p.text)
}

// New builds a classifier from the priority pattern tables.
func New(critical, high, medium []string) *Classifier {
	return &Classifier{
		critical: compile(critical),
		high:     compile(high),
		medium:   compile(medium),
	}
}

// PriorityOf returns the configured priority for a key.
func (c *Classifier) PriorityOf(key string) Priority {
	for _, p := range c.critical {
		if p.matches(key) {
			return PriorityCritical
		}
	}
	for _, p := range c.high {
		if p.matches(key) {
			return PriorityHigh
		}
	}
	for _, p := range c.medium {
		if p.matches(key) {
			return PriorityMedium
		}
	}
	return PriorityNone
}

// ClassifyForWrite picks the tier for a write. Decision order: access
// frequency first, then configured priority; keys with neither land
// in Archive. Callers may override the result with an explicit tier
// option.
func (c *Classifier) ClassifyForWrite(key string, sizeBytes int, recentAccessCount int64) types.Tier {
	priority := c.PriorityOf(key)

	switch {
	case recentAccessCount > 10 || priority == PriorityCritical:
		return types.TierHot
	case recentAccessCount > 3 || priority == PriorityHigh:
		return types.TierWarm
	case recentAccessCount > 0 || priority == PriorityMedium:
		return types.TierCold
	default:
		return types.TierArchive
	}
}
