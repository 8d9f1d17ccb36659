package circuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/vfs/pkg/errors"
)

func failing(kind errors.Kind) func(context.Context) error {
	return func(context.Context) error { return errors.New(kind, "boom") }
}

func ok(context.Context) error { return nil }

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	b := New("test", Config{}, nil)
	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 4; i++ {
		_ = b.Do(context.Background(), failing(errors.KindNetworkFailure))
	}
	assert.Equal(t, StateClosed, b.State())
	_ = b.Do(context.Background(), failing(errors.KindNetworkFailure))
	assert.Equal(t, StateOpen, b.State())
}

func TestIsHealthy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"network", errors.New(errors.KindNetworkFailure, "reset"), false},
		{"eof", errors.New(errors.KindUnexpectedEOF, "short"), false},
		{"not found", errors.New(errors.KindNotFound, "gone"), true},
		{"permission", errors.New(errors.KindPermissionDenied, "no"), true},
		{"cancelled", errors.New(errors.KindCancelled, "stop"), true},
		{"retryable io", errors.New(errors.KindIOFailure, "busy").WithRetryable(true), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHealthy(tt.err))
		})
	}
}

func TestBreaker_TripsAndRecovers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string
	b := New("cloud:acct", Config{
		FailureThreshold: 2,
		Timeout:          50 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+">"+to.String())
		},
	}, nil)
	ctx := context.Background()

	assert.True(t, errors.IsKind(b.Do(ctx, failing(errors.KindNetworkFailure)), errors.KindNetworkFailure))
	require.Error(t, b.Do(ctx, failing(errors.KindNetworkFailure)))
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errors.IsKind(err, errors.KindNetworkFailure))
	assert.False(t, errors.IsRetryable(err))
	assert.Equal(t, "cloud:acct", errors.As(err).Component)

	require.Eventually(t, func() bool { return b.State() == StateHalfOpen }, time.Second, 10*time.Millisecond)
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, StateClosed, b.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreaker_HealthyErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	b := New("s3:bucket", Config{FailureThreshold: 1}, nil)
	for i := 0; i < 10; i++ {
		err := b.Do(context.Background(), failing(errors.KindNotFound))
		assert.True(t, errors.IsKind(err, errors.KindNotFound))
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(10), b.Counts().TotalSuccesses)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := New("x", Config{FailureThreshold: 1, Timeout: 30 * time.Millisecond}, nil)
	ctx := context.Background()
	require.Error(t, b.Do(ctx, failing(errors.KindNetworkFailure)))
	require.Eventually(t, func() bool { return b.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

	require.Error(t, b.Do(ctx, failing(errors.KindNetworkFailure)))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_Nil(t *testing.T) {
	t.Parallel()

	var b *Breaker
	require.NoError(t, b.Do(context.Background(), ok))
	assert.True(t, errors.IsKind(b.Do(context.Background(), failing(errors.KindIOFailure)), errors.KindIOFailure))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
}
