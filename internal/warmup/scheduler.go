package warmup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tiercache/tiercache/internal/logging"
	"github.com/tiercache/tiercache/pkg/types"
)

// StoreFunc writes a warmed value back into the cache.
type StoreFunc func(ctx context.Context, key string, value []byte) error

// Config controls the warmup cycle.
type Config struct {
	Interval      time.Duration
	TopN          int
	MaxConcurrent int64
}

// Scheduler periodically reloads the most-missed keys using loaders
// registered per namespace. A key whose namespace has no loader is
// skipped; a key whose load fails is logged and skipped without
// affecting the rest of the cycle.
type Scheduler struct {
	config  Config
	tracker *Tracker
	store   StoreFunc
	logger  *zap.Logger

	mu      sync.RWMutex
	loaders map[string]types.Loader

	loaded uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a scheduler. Start must be called to begin cycles.
func New(cfg Config, tracker *Tracker, store StoreFunc, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 20
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Scheduler{
		config:  cfg,
		tracker: tracker,
		store:   store,
		logger:  logging.Component(logger, "warmup"),
		loaders: make(map[string]types.Loader),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// RegisterLoader binds a loader to a key namespace. Registering the
// same namespace again replaces the previous loader.
func (s *Scheduler) RegisterLoader(namespace string, loader types.Loader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaders[namespace] = loader
}

func (s *Scheduler) loaderFor(key string) (types.Loader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loader, ok := s.loaders[Namespace(key)]
	return loader, ok
}

// Start launches the background cycle loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

// Stop halts the loop and waits for an in-progress cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.startOnce.Do(func() {
		close(s.doneCh)
	})
	<-s.doneCh
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			loaded := s.RunCycle(context.Background())
			if loaded > 0 {
				s.logger.Info("warmup cycle complete", zap.Int("loaded", loaded))
			}
		}
	}
}

// RunCycle performs one warmup pass over the current miss ranking and
// returns how many keys were loaded. Exported so tests and operators
// can trigger a pass without waiting for the interval.
func (s *Scheduler) RunCycle(ctx context.Context) int {
	candidates := s.tracker.TopN(s.config.TopN)
	s.tracker.Reset()
	if len(candidates) == 0 {
		return 0
	}

	sem := semaphore.NewWeighted(s.config.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	loaded := 0

	for _, key := range candidates {
		loader, ok := s.loaderFor(key)
		if !ok {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(key string, loader types.Loader) {
			defer wg.Done()
			defer sem.Release(1)

			value, err := loader(ctx, key)
			if err != nil {
				s.logger.Warn("warmup load failed",
					zap.String("key", key),
					zap.Error(err),
				)
				return
			}
			if err := s.store(ctx, key, value); err != nil {
				s.logger.Warn("warmup store failed",
					zap.String("key", key),
					zap.Error(err),
				)
				return
			}
			mu.Lock()
			loaded++
			mu.Unlock()
		}(key, loader)
	}
	wg.Wait()
	return loaded
}
