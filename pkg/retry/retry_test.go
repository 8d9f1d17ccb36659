package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/objectfs/vfs/pkg/errors"
)

func fastConfig() Config {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 5 * time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New(errors.KindNetworkFailure, "connection reset")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NeverRetriedKinds(t *testing.T) {
	tests := []errors.Kind{
		errors.KindAuthenticationFailure,
		errors.KindNotFound,
		errors.KindPermissionDenied,
		errors.KindCancelled,
	}

	for _, kind := range tests {
		t.Run(string(kind), func(t *testing.T) {
			config := fastConfig()
			config.RetryableKinds = append(config.RetryableKinds, kind)
			retryer := New(config)

			attempts := 0
			err := retryer.Do(context.Background(), func(context.Context) error {
				attempts++
				// Even a retryable flag must not cause a retry for these kinds.
				return errors.New(kind, "permanent").WithRetryable(true)
			})

			if !errors.IsKind(err, kind) {
				t.Errorf("Expected %v, got %v", kind, err)
			}
			if attempts != 1 {
				t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
			}
		})
	}
}

func TestRetryer_TransientIOFailure(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.FromFTPReply(450, "file busy")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New(errors.KindNetworkFailure, "network error")
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if e := errors.As(err); e.Context["attempts"] != "3" {
		t.Errorf("Expected attempts context to be 3, got %q", e.Context["attempts"])
	}
}

func TestRetryer_ForeignErrorNotRetried(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return fmt.Errorf("plain failure")
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 50 * time.Millisecond
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := retryer.Do(ctx, func(context.Context) error {
		attempts++
		return errors.New(errors.KindNetworkFailure, "network error")
	})

	if !errors.IsKind(err, errors.KindCancelled) {
		t.Errorf("Expected cancelled error, got %v", err)
	}
	if attempts >= 10 {
		t.Errorf("Should have stopped early due to cancellation, got %d attempts", attempts)
	}
}

func TestRetryer_CancelledBeforeStart(t *testing.T) {
	retryer := New(fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := retryer.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})

	if called {
		t.Error("fn should not run on a cancelled context")
	}
	if !errors.IsKind(err, errors.KindCancelled) {
		t.Errorf("Expected cancelled error, got %v", err)
	}
}

func TestRetryer_CalculateDelay(t *testing.T) {
	config := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
	retryer := New(config)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second},
		{6, 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			if got := retryer.calculateDelay(tt.attempt); got != tt.want {
				t.Errorf("Attempt %d: expected delay %v, got %v", tt.attempt, tt.want, got)
			}
		})
	}
}

func TestRetryer_Jitter(t *testing.T) {
	config := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
	retryer := New(config)

	for i := 0; i < 20; i++ {
		delay := retryer.calculateDelay(1)
		if delay < 80*time.Millisecond || delay > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%% of 100ms", delay)
		}
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var callbacks []int
	retryer := New(fastConfig()).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		callbacks = append(callbacks, attempt)
	})

	_ = retryer.Do(context.Background(), func(context.Context) error {
		return errors.New(errors.KindNetworkFailure, "network error")
	})

	if len(callbacks) != 2 {
		t.Fatalf("Expected 2 callbacks, got %d", len(callbacks))
	}
	if callbacks[0] != 1 || callbacks[1] != 2 {
		t.Errorf("Expected callbacks for attempts 1 and 2, got %v", callbacks)
	}
}

func TestDoValue(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	got, err := DoValue(context.Background(), retryer, func(context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New(errors.KindNetworkFailure, "dropped")
		}
		return "listing", nil
	})

	if err != nil {
		t.Fatalf("DoValue() error = %v", err)
	}
	if got != "listing" {
		t.Errorf("DoValue() = %q, want %q", got, "listing")
	}
}

func TestWithModifiers(t *testing.T) {
	base := New(fastConfig())

	if got := base.WithMaxAttempts(7).Config().MaxAttempts; got != 7 {
		t.Errorf("WithMaxAttempts: got %d", got)
	}
	if got := base.WithInitialDelay(time.Second).Config().InitialDelay; got != time.Second {
		t.Errorf("WithInitialDelay: got %v", got)
	}
	if base.Config().MaxAttempts != 3 {
		t.Error("modifiers must not change the original Retryer")
	}
}
