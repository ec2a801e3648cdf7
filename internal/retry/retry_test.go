package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	base := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(base)
	})
	assert.Same(t, base, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errTransient
	})
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, 5, time.Hour, func() error {
		calls++
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestJitter_StaysWithinQuarter(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		j := jitter(d)
		assert.GreaterOrEqual(t, j, 75*time.Millisecond)
		assert.LessOrEqual(t, j, 125*time.Millisecond)
	}
	assert.Zero(t, jitter(0))
}

func TestPolicy_MaxDelayCapsBackoff(t *testing.T) {
	p := Policy{Attempts: 4, BaseDelay: 2 * time.Millisecond, MaxDelay: 4 * time.Millisecond}
	start := time.Now()
	_ = p.Do(context.Background(), func() error { return errTransient })
	// 2ms + 4ms + 4ms before jitter; uncapped would be 14ms.
	assert.Less(t, time.Since(start), time.Second)
}
