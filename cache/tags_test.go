package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTagged(t *testing.T, c *Cache) {
	t.Helper()
	require.NoError(t, c.Set("ab", 1, SetOptions{Tags: []string{"a", "b"}}))
	require.NoError(t, c.Set("a", 2, SetOptions{Tags: []string{"a"}}))
	require.NoError(t, c.Set("b", 3, SetOptions{Tags: []string{"b"}}))
	require.NoError(t, c.Set("plain", 4, SetOptions{}))
}

func TestFindByTagsAll(t *testing.T) {
	c, _ := newTestCache(t)
	seedTagged(t, c)
	assert.Equal(t, []string{"ab"}, c.FindByTags([]string{"a", "b"}, MatchAll, nil))
	assert.Equal(t, []string{"a", "ab"}, c.FindByTags([]string{"a"}, MatchAll, nil))
}

func TestFindByTagsAny(t *testing.T) {
	c, _ := newTestCache(t)
	seedTagged(t, c)
	assert.Equal(t, []string{"a", "ab", "b"}, c.FindByTags([]string{"a", "b"}, MatchAny, nil))
	assert.Empty(t, c.FindByTags(nil, MatchAny, nil))
}

func TestFindByTagsNone(t *testing.T) {
	c, _ := newTestCache(t)
	seedTagged(t, c)
	assert.Equal(t, []string{"plain"}, c.FindByTags([]string{"a", "b"}, MatchNone, nil))
	assert.Equal(t, []string{"b", "plain"}, c.FindByTags([]string{"a"}, MatchNone, nil))
}

func TestFindByTagsFilter(t *testing.T) {
	c, _ := newTestCache(t)
	seedTagged(t, c)
	got := c.FindByTags([]string{"a"}, MatchAny, func(key string) bool {
		return strings.HasPrefix(key, "ab")
	})
	assert.Equal(t, []string{"ab"}, got)
}

func TestClearByTags(t *testing.T) {
	c, _ := newTestCache(t)
	seedTagged(t, c)

	var cleared []string
	c.Sub(func(ev Event) {
		if ev.Kind == EventClear {
			cleared = append(cleared, ev.Key)
		}
	})

	n := c.ClearByTags([]string{"a"}, MatchAny, nil)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "ab"}, cleared)
	assert.False(t, c.Has("a"))
	assert.False(t, c.Has("ab"))
	assert.True(t, c.Has("b"))
}

func TestTagIndexConsistencyAfterClear(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Set("k", 1, SetOptions{Tags: []string{"a"}}))
	c.Clear("k")

	c.mu.Lock()
	_, exists := c.tagIdx["a"]
	c.mu.Unlock()
	assert.False(t, exists, "empty tag buckets must be dropped")
}

func TestTagIndexSurvivesGC(t *testing.T) {
	c, clk := newTestCache(t)
	require.NoError(t, c.Set("k", 1, SetOptions{TTL: 10 * time.Millisecond, Tags: []string{"a"}}))
	clk.Advance(time.Second)
	c.GC()
	assert.Empty(t, c.FindByTags([]string{"a"}, MatchAny, nil))
}
