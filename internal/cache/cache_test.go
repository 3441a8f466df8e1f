package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewTTLCacheWithClock[string, int](func() time.Time { return now })

	c.Set("a", 1, time.Minute)

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry at exactly expires_at should miss")

	assert.Equal(t, 1, c.Cleanup(now))
	assert.Equal(t, 0, c.Len())
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewTTLCacheWithClock[string, string](func() time.Time { return now })

	c.Set("pinned", "v", 0)
	now = now.Add(1000 * time.Hour)

	_, ok := c.Get("pinned")
	assert.True(t, ok)
	assert.Equal(t, 0, c.Cleanup(now))
}

func TestMemoryInstanceKeysPatternAndPaging(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("geo:berlin", 1, time.Hour)
	c.Set("geo:bern", 2, time.Hour)
	c.Set("quota:42", 3, time.Hour)

	inst := NewMemoryInstance(c, time.Hour)

	keys, total, err := inst.Keys(context.Background(), "geo:*", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"geo:berlin", "geo:bern"}, keys)

	keys, total, err = inst.Keys(context.Background(), "", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"geo:bern", "quota:42"}, keys)
}

func TestRegistryCleanupAll(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	first := NewTTLCacheWithClock[string, int](clock)
	second := NewTTLCacheWithClock[string, int](clock)
	first.Set("x", 1, time.Minute)
	second.Set("y", 2, time.Minute)
	second.Set("z", 3, time.Hour)

	reg := NewRegistry()
	reg.Register("first", NewMemoryInstance(first, time.Minute))
	reg.Register("second", NewMemoryInstance(second, time.Minute))

	now = now.Add(2 * time.Minute)
	removed, err := reg.CleanupAll(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownCache)
}

func TestReadThroughRefreshAndFallback(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	fail := false
	rt := NewReadThrough(time.Minute, func(context.Context) (int, error) {
		calls++
		if fail {
			return 0, errors.New("upstream down")
		}
		return calls, nil
	})

	got, err := rt.Get(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	// Within TTL: no refetch.
	got, err = rt.Get(context.Background(), base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, 1, calls)

	// Past TTL with a failing fetch: previous value survives.
	fail = true
	got, err = rt.Get(context.Background(), base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, 2, calls)
}

func TestNeedsRefreshIsPure(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, NeedsRefresh(now, time.Time{}, time.Minute))
	assert.False(t, NeedsRefresh(now, now.Add(-30*time.Second), time.Minute))
	assert.True(t, NeedsRefresh(now, now.Add(-time.Minute), time.Minute))
}
