package cache

import (
	"time"

	"github.com/tiercache/tiercache/pkg/types"
)

type setOptions struct {
	ttl     time.Duration
	tier    types.Tier
	tierSet bool
	tags    []string
}

// SetOption customizes a single Set call.
type SetOption func(*setOptions)

// WithTTL overrides the tier's default TTL for this entry.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

// WithTier pins the entry to a tier, bypassing classification.
func WithTier(t types.Tier) SetOption {
	return func(o *setOptions) {
		o.tier = t
		o.tierSet = true
	}
}

// WithTags attaches tag-group membership for InvalidateByTag.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) {
		o.tags = tags
	}
}
