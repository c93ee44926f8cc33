/*
Package types provides the core interfaces, data structures, and type
definitions shared across the TierCache engine.

# Architecture

The engine is layered behind a single facade:

	caller → Facade → [TierStore hot..archive] → RemoteBackend → compute

Each local tier is an independent bounded store with its own eviction
strategy. The remote backend is a shared accelerator that may be
unavailable at any time; nothing above it may depend on its
availability for correctness.

# Interfaces

  - TierStore: one bounded in-process cache level
  - RemoteBackend: best-effort networked KV accelerator
  - Codec: value encoding with conditional compression
  - Loader: source-of-truth fetch used by warmup

# Thread Safety

All interfaces in this package must be implemented thread-safe. Entry
values returned by TierStore.Get are owned by the store; callers copy
Value before mutating it.
*/
package types
