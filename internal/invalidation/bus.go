// Package invalidation tracks tag membership and fans invalidation
// events out to subscribers. Local purges stay synchronous in the
// facade; only subscriber notification is asynchronous.
package invalidation

import (
	"path"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/logging"
)

// EventType says what an invalidation targeted.
type EventType int

const (
	EventKey EventType = iota
	EventPattern
	EventTag
)

func (t EventType) String() string {
	switch t {
	case EventKey:
		return "key"
	case EventPattern:
		return "pattern"
	case EventTag:
		return "tag"
	default:
		return "unknown"
	}
}

// Event is one invalidation notification. Key is set for key events,
// Pattern for pattern events, Tag for tag events. Keys carries the
// concrete keys that were purged, when known.
type Event struct {
	Type    EventType
	Key     string
	Pattern string
	Tag     string
	Keys    []string
	At      time.Time
}

// Handler receives events. Handlers run on the bus dispatcher
// goroutine; a slow handler delays later deliveries, a panicking one
// is recovered and logged.
type Handler func(Event)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus owns tag membership bookkeeping and asynchronous subscriber
// delivery. Its locks are independent of the tier stores so publishing
// never contends with the hot read path.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	byTag  map[string]map[string]struct{}
	byKey  map[string][]string
	subs   []subscription
	nextID uint64
	closed bool

	events    chan Event
	done      chan struct{}
	published uint64
}

// New creates a bus with a single dispatcher goroutine.
func New(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		logger: logging.Component(logger, "invalidation"),
		byTag:  make(map[string]map[string]struct{}),
		byKey:  make(map[string][]string),
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Track records a key's tag membership. Called on every Set; replaces
// any previous membership for the key.
func (b *Bus) Track(key string, tags []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.untrackLocked(key)
	if len(tags) == 0 {
		return
	}
	b.byKey[key] = tags
	for _, tag := range tags {
		set, ok := b.byTag[tag]
		if !ok {
			set = make(map[string]struct{})
			b.byTag[tag] = set
		}
		set[key] = struct{}{}
	}
}

// Untrack drops a key from all tag groups. Called when a key is
// deleted or evicted.
func (b *Bus) Untrack(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.untrackLocked(key)
}

func (b *Bus) untrackLocked(key string) {
	tags, ok := b.byKey[key]
	if !ok {
		return
	}
	delete(b.byKey, key)
	for _, tag := range tags {
		if set, ok := b.byTag[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(b.byTag, tag)
			}
		}
	}
}

// KeysByTag returns the current members of a tag group. An unknown tag
// yields an empty slice, not an error.
func (b *Bus) KeysByTag(tag string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set, ok := b.byTag[tag]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// TrackedKeys returns every key with tag membership. Used by
// pattern invalidation to find matching keys outside the tiers.
func (b *Bus) TrackedKeys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.byKey))
	for k := range b.byKey {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe registers a handler for events matching pattern. The
// pattern is matched with path.Match against event keys, and compared
// literally against event patterns and tags. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues an event for asynchronous delivery. When the buffer
// is full the event is dropped: subscribers are an audit surface, the
// purge itself already happened synchronously. Publishing to a closed
// bus is a no-op.
//
// The read lock is held across the send so Close cannot close the
// channel between the closed check and the send.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.events <- ev:
		atomic.AddUint64(&b.published, 1)
	default:
		b.logger.Warn("event buffer full, dropping invalidation event",
			zap.Stringer("type", ev.Type),
			zap.String("key", ev.Key),
		)
	}
}

// Published returns the number of events accepted for delivery.
func (b *Bus) Published() uint64 {
	return atomic.LoadUint64(&b.published)
}

// Close stops the dispatcher after draining queued events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.events)
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)

	for ev := range b.events {
		b.mu.RLock()
		subs := make([]subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.RUnlock()

		for _, sub := range subs {
			if !matches(sub.pattern, ev) {
				continue
			}
			b.deliver(sub, ev)
		}
	}
}

func (b *Bus) deliver(sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("invalidation handler panicked",
				zap.String("pattern", sub.pattern),
				zap.Any("panic", r),
			)
		}
	}()
	sub.handler(ev)
}

// matches decides subscription interest. A malformed glob never
// matches rather than erroring.
func matches(pattern string, ev Event) bool {
	switch ev.Type {
	case EventKey:
		ok, err := path.Match(pattern, ev.Key)
		return err == nil && ok
	case EventPattern:
		return pattern == ev.Pattern
	case EventTag:
		return pattern == ev.Tag
	default:
		return false
	}
}
