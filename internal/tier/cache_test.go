package tier

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_ReturnsSameReference(t *testing.T) {
	c := NewMemoryCache[*ResolvedTier](0)
	v := &ResolvedTier{TeamID: "team_1"}
	c.Set("team_1", v)

	got, ok := c.Get("team_1")
	require.True(t, ok)
	assert.Same(t, v, got)

	c.Invalidate("team_1")
	_, ok = c.Get("team_1")
	assert.False(t, ok)
}

func TestMemoryCache_TTL(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache[int](time.Minute).WithClock(func() time.Time { return now })
	c.Set("k", 7)

	now = now.Add(59 * time.Second)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	now = now.Add(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestMemoryCache_SetIfCurrent(t *testing.T) {
	c := NewMemoryCache[int](0)

	gen := c.Generation("team_1")
	assert.True(t, c.SetIfCurrent("team_1", 1, gen))
	v, ok := c.Get("team_1")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	gen = c.Generation("team_1")
	c.Invalidate("team_1")
	assert.False(t, c.SetIfCurrent("team_1", 2, gen))
	_, ok = c.Get("team_1")
	assert.False(t, ok)

	other := c.Generation("team_2")
	c.Invalidate("team_1")
	assert.True(t, c.SetIfCurrent("team_2", 3, other), "invalidating one key leaves others current")

	gen = c.Generation("team_2")
	c.Clear()
	assert.False(t, c.SetIfCurrent("team_2", 4, gen))
	assert.Greater(t, c.Generation("team_1"), uint64(0))
}

func TestMemoryCache_Clear(t *testing.T) {
	c := NewMemoryCache[int](0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

// fakePubSub fans published payloads out to every subscriber in-process.
type fakePubSub struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{subs: make(map[string][]chan []byte)}
}

func (f *fakePubSub) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[channel] {
		ch <- payload
	}
	return nil
}

func (f *fakePubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subs[channel]
		for i, c := range subs {
			if c == ch {
				f.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (f *fakePubSub) subscribers(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[channel])
}

func TestBroadcaster_InvalidatesPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ps := newFakePubSub()

	localA := NewMemoryCache[int](0)
	localB := NewMemoryCache[int](0)
	a := NewBroadcaster[int](localA, ps, TeamInvalidationChannel, logger)
	b := NewBroadcaster[int](localB, ps, TeamInvalidationChannel, logger)

	go func() { _ = a.Listen(ctx) }()
	go func() { _ = b.Listen(ctx) }()
	require.Eventually(t, func() bool { return ps.subscribers(TeamInvalidationChannel) == 2 },
		time.Second, 5*time.Millisecond)

	a.Set("team_1", 1)
	b.Set("team_1", 1)
	b.Set("team_2", 2)

	a.Invalidate("team_1")
	require.Eventually(t, func() bool {
		_, ok := b.Get("team_1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	_, ok := b.Get("team_2")
	assert.True(t, ok)

	a.Clear()
	require.Eventually(t, func() bool { return localB.Len() == 0 }, time.Second, 5*time.Millisecond)
}
