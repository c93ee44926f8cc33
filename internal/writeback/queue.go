// Package writeback implements the asynchronous remote write path.
// Writes are queued and land after a small jitter delay so bursts
// spread out instead of stampeding the backend.
package writeback

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/pkg/types"
)

// pending is one queued remote write.
type pending struct {
	key   string
	value []byte
	ttl   time.Duration
}

// Queue buffers asynchronous writes toward the remote backend. When
// the buffer is full the write is dropped and counted: blocking the
// caller would defeat the point of write-back, and the local tier
// already holds the value.
type Queue struct {
	backend types.RemoteBackend
	logger  *zap.Logger
	jitter  time.Duration

	ch    chan pending
	drops uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts a write-back queue with one background worker.
func New(backend types.RemoteBackend, buffer int, jitter time.Duration, logger *zap.Logger) *Queue {
	q := &Queue{
		backend: backend,
		logger:  logging.Component(logger, "writeback"),
		jitter:  jitter,
		ch:      make(chan pending, buffer),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Enqueue schedules an asynchronous remote write. Returns false when
// the write was dropped under pressure.
func (q *Queue) Enqueue(key string, value []byte, ttl time.Duration) bool {
	select {
	case q.ch <- pending{key: key, value: value, ttl: ttl}:
		return true
	default:
		atomic.AddUint64(&q.drops, 1)
		return false
	}
}

// Drops returns how many writes were dropped under pressure.
func (q *Queue) Drops() uint64 {
	return atomic.LoadUint64(&q.drops)
}

// Close stops accepting writes and drains the queue.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.ch)
	})
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for req := range q.ch {
		if q.jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(q.jitter))))
		}

		// Remote failures are non-fatal by contract; the entry is
		// already in a local tier.
		if err := q.backend.SetEx(context.Background(), req.key, req.value, req.ttl); err != nil {
			q.logger.Warn("write-back failed",
				zap.String("key", req.key),
				zap.Error(err),
			)
		}
	}
}
