package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	src, clk := newTestCache(t)
	require.NoError(t, src.Set("k", "hello", SetOptions{TTL: time.Hour, StaleTTL: time.Hour, Tags: []string{"greetings"}}))

	snap, err := src.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)
	require.Contains(t, snap.Records, "k")

	dst := New(withClock(clk.Now))
	t.Cleanup(dst.Close)
	require.NoError(t, dst.Restore(snap))

	st, ok := dst.GetState("k")
	require.True(t, ok)
	assert.False(t, st.Stale)
	assert.Equal(t, "hello", st.Value)
	assert.Equal(t, []string{"k"}, dst.FindByTags([]string{"greetings"}, MatchAny, nil))
}

func TestSnapshotSkipsExpired(t *testing.T) {
	src, clk := newTestCache(t)
	require.NoError(t, src.Set("dead", 1, SetOptions{TTL: 10 * time.Millisecond}))
	require.NoError(t, src.Set("alive", 2, SetOptions{TTL: time.Hour}))
	clk.Advance(time.Second)

	snap, err := src.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, snap.Records, "dead")
	assert.Contains(t, snap.Records, "alive")
}

func TestRestoreDropsExpiredRecords(t *testing.T) {
	src, clk := newTestCache(t)
	require.NoError(t, src.Set("short", 1, SetOptions{TTL: time.Minute}))
	require.NoError(t, src.Set("long", 2, SetOptions{TTL: time.Hour}))
	snap, err := src.Snapshot()
	require.NoError(t, err)

	// The snapshot sat on disk past the short record's expiry.
	clk.Advance(30 * time.Minute)
	dst := New(withClock(clk.Now))
	t.Cleanup(dst.Close)
	require.NoError(t, dst.Restore(snap))

	assert.False(t, dst.Has("short"))
	assert.True(t, dst.Has("long"))
}

func TestRestoreReschedulesGC(t *testing.T) {
	src, _ := newTestCache(t)
	require.NoError(t, src.Set("k", 1, SetOptions{TTL: time.Hour}))
	snap, err := src.Snapshot()
	require.NoError(t, err)

	dst, _ := newTestCache(t)
	require.NoError(t, dst.Restore(snap))
	dst.mu.Lock()
	armed := dst.gcTimer != nil
	dst.mu.Unlock()
	assert.True(t, armed, "finite-expiry survivor must re-arm the GC")
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	c, _ := newTestCache(t)
	err := c.Restore(&Snapshot{Version: 99})
	assert.Error(t, err)
	assert.Error(t, c.Restore(nil))
}

func TestRestoredValueStaysColdUntilRead(t *testing.T) {
	src, clk := newTestCache(t)
	require.NoError(t, src.Set("k", "v", SetOptions{TTL: time.Hour}))
	snap, err := src.Snapshot()
	require.NoError(t, err)

	dst := New(withClock(clk.Now))
	t.Cleanup(dst.Close)
	require.NoError(t, dst.Restore(snap))

	dst.mu.Lock()
	assert.False(t, dst.entries["k"].hot)
	dst.mu.Unlock()

	val, ok := dst.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", val)
}
