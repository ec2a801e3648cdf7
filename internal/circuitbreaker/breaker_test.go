package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, cooldown)
	b.now = c.now
	return b, c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	const key = "hooks.example.com"

	assert.True(t, b.Allow(key))
	b.RecordFailure(key)
	b.RecordFailure(key)
	assert.True(t, b.Allow(key), "below threshold")

	b.RecordFailure(key)
	assert.False(t, b.Allow(key))
	assert.Equal(t, StateOpen, b.State(key))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	const key = "hooks.example.com"

	b.RecordFailure(key)
	b.RecordSuccess(key)
	b.RecordFailure(key)
	assert.Equal(t, StateClosed, b.State(key))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, c := newTestBreaker(1, time.Minute)
	const key = "hooks.example.com"

	b.RecordFailure(key)
	require.False(t, b.Allow(key))

	c.advance(time.Minute)
	assert.True(t, b.Allow(key), "first caller after cooldown is the probe")
	assert.Equal(t, StateHalfOpen, b.State(key))
	assert.False(t, b.Allow(key), "only one probe at a time")

	t.Run("failed probe reopens", func(t *testing.T) {
		b.RecordFailure(key)
		assert.Equal(t, StateOpen, b.State(key))
		assert.False(t, b.Allow(key))
	})

	t.Run("successful probe closes", func(t *testing.T) {
		c.advance(time.Minute)
		require.True(t, b.Allow(key))
		b.RecordSuccess(key)
		assert.Equal(t, StateClosed, b.State(key))
		assert.True(t, b.Allow(key))
	})
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("a.example.com")
	assert.False(t, b.Allow("a.example.com"))
	assert.True(t, b.Allow("b.example.com"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	const key = "hooks.example.com"
	boom := errors.New("boom")

	calls := 0
	fail := func() error { calls++; return boom }

	assert.ErrorIs(t, b.Do(key, fail), boom)
	assert.ErrorIs(t, b.Do(key, fail), boom)
	assert.ErrorIs(t, b.Do(key, fail), ErrOpen)
	assert.Equal(t, 2, calls, "open circuit skips the call")
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
}

func TestBreaker_Concurrent(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.RecordFailure("k")
			} else {
				b.RecordSuccess("k")
			}
			b.Allow("k")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
