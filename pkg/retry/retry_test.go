package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"testing"
	"time"

	"github.com/tiercache/tiercache/pkg/errors"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	r := New(DefaultConfig())
	calls := 0
	err := r.Do(func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesRetryableError(t *testing.T) {
	r := New(Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	})

	calls := 0
	err := r.Do(func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrCodeBackendTimeout, "slow")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	r := New(Config{MaxAttempts: 5, InitialDelay: time.Millisecond})

	calls := 0
	err := r.Do(func() error {
		calls++
		return errors.New(errors.ErrCodeSerialization, "bad value")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-retryable error should not be retried, got %d calls", calls)
	}
}

func TestDoDoesNotRetryPlainErrors(t *testing.T) {
	r := New(Config{MaxAttempts: 4, InitialDelay: time.Millisecond})

	calls := 0
	err := r.Do(func() error {
		calls++
		return fmt.Errorf("plain failure")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("plain errors should not be retried, got %d calls", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := New(Config{MaxAttempts: 3, InitialDelay: time.Millisecond})

	calls := 0
	err := r.Do(func() error {
		calls++
		return errors.New(errors.ErrCodeBackendUnavailable, "down")
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if errors.CodeOf(err) != errors.ErrCodeRetryExhausted {
		t.Errorf("expected RETRY_EXHAUSTED, got %v", err)
	}
	// Original cause stays reachable.
	if !stderr.Is(err, errors.New(errors.ErrCodeBackendUnavailable, "down")) {
		t.Error("exhausted error should wrap the last failure")
	}
}

func TestDoWithContextCancellation(t *testing.T) {
	r := New(Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.DoWithContext(ctx, func(ctx context.Context) error {
		calls++
		return errors.New(errors.ErrCodeBackendTimeout, "slow")
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !stderr.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if calls >= 10 {
		t.Errorf("cancellation should stop retries early, got %d calls", calls)
	}
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	r := New(Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		},
	})

	_ = r.Do(func() error {
		return errors.New(errors.ErrCodeBackendTimeout, "slow")
	})
	if len(attempts) != 2 {
		t.Errorf("expected 2 retry callbacks, got %d", len(attempts))
	}
}

func TestCalculateDelayCapped(t *testing.T) {
	r := New(Config{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	})

	if d := r.calculateDelay(1); d != 100*time.Millisecond {
		t.Errorf("attempt 1 delay = %v", d)
	}
	if d := r.calculateDelay(2); d != 200*time.Millisecond {
		t.Errorf("attempt 2 delay = %v", d)
	}
	if d := r.calculateDelay(5); d != 300*time.Millisecond {
		t.Errorf("attempt 5 delay should be capped at max, got %v", d)
	}
}
