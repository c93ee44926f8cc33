/*
Package cache provides a multi-level caching engine with four local
tiers, an optional shared Redis accelerator, stampede protection and
tag-based invalidation.

# Overview

Values enter through Set or GetOrCompute and are placed into one of
four local tiers (hot, warm, cold, archive) by a pattern- and
frequency-based classifier. Reads walk the tiers fastest first, fall
back to the remote backend, and promote entries that earn hotter
placement. Every external failure degrades: a corrupt entry reads as
a miss, an unreachable backend turns the engine local-only.

# Usage

	cfg := config.Default()
	c, err := cache.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	value, err := c.GetOrCompute(ctx, "tour:42", loadTour)

	c.Set(ctx, "tour:42", payload, cache.WithTags("tours"))
	c.InvalidateByTag(ctx, "tours")

# Consistency

The engine is best-effort by design. Local writes are synchronous and
immediately visible in-process; remote writes follow the configured
write strategy and may lag or be dropped under pressure. Callers that
need read-your-write semantics across processes should not rely on
the remote tier.
*/
package cache
