package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func quick(attempts int) Config {
	return Config{
		Attempts: attempts,
		Backoff:  Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffDefaultsAndJitter(t *testing.T) {
	assert.Equal(t, DefaultInitial, Backoff{}.Delay(0))
	assert.Equal(t, DefaultMax, Backoff{}.Delay(100))

	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: true}
	for i := 0; i < 20; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 250*time.Millisecond)
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	var seen []int
	err := Do(context.Background(), quick(3), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quick(3), func(int) error {
		calls++
		return errBoom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestDoPermanentStopsAtOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), quick(5), func(int) error {
		calls++
		return Permanent(errBoom)
	})
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)

	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(errBoom))
}

func TestDoSingleAttemptWhenUnset(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{}, func(int) error {
		calls++
		return errBoom
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRejectsInvalidBackoff(t *testing.T) {
	called := false
	err := Do(context.Background(), Config{
		Attempts: 2,
		Backoff:  Backoff{Initial: time.Second, Max: time.Millisecond},
	}, func(int) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestDoStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{Attempts: 10, Backoff: Backoff{Initial: time.Hour, Max: time.Hour}}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(int) error { return errBoom })
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDoWaitsOnClock(t *testing.T) {
	mock := clock.NewMock()
	start := mock.Now()
	cfg := Config{
		Attempts: 3,
		Backoff:  Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2},
		Clock:    mock,
	}

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), cfg, func(int) error {
			calls.Add(1)
			return errBoom
		})
	}()

	require.Eventually(t, func() bool {
		select {
		case err := <-done:
			done <- err
			return true
		default:
			mock.Add(500 * time.Millisecond)
			return false
		}
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, int32(3), calls.Load())
	// 1s before the second call, 2s before the third.
	assert.GreaterOrEqual(t, mock.Now().Sub(start), 3*time.Second)
	assert.Error(t, <-done)
}
