package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("nope")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastError(t *testing.T) {
	policy := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	boom := errors.New("boom")
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestDoCancellationWinsOverRetries(t *testing.T) {
	policy := Policy{MaxAttempts: 10, BaseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	attempted := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func() error {
			close(attempted)
			return errors.New("nope")
		})
	}()

	// Cancel while Do sleeps out the backoff after the first attempt.
	<-attempted
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoCancelledBeforeFirstAttempt(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := policy.Do(ctx, func() error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestDoResult(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	value, err := DoResult(context.Background(), policy, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("nope")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestDelayIsBoundedByMaxDelay(t *testing.T) {
	policy := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 2 * time.Second}

	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, policy.delay(i), 2*time.Second)
	}
}

func TestDelayJitterStaysWithinFraction(t *testing.T) {
	policy := Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Second, Jitter: 0.5}

	for i := 0; i < 100; i++ {
		d := policy.delay(0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
