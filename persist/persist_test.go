package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodalab/refetch/cache"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	src := cache.New()
	defer src.Close()
	require.NoError(t, src.Set("user:1", "alice", cache.SetOptions{TTL: time.Hour, Tags: []string{"users"}}))
	require.NoError(t, src.Set("user:2", "bob", cache.SetOptions{TTL: time.Hour, StaleTTL: time.Hour, Tags: []string{"users", "admins"}}))
	require.NoError(t, src.Set("pinned", "forever", cache.SetOptions{TTL: -1}))

	snap, err := src.Snapshot()
	require.NoError(t, err)

	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, snap))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)

	dst := cache.New()
	defer dst.Close()
	require.NoError(t, dst.Restore(loaded))

	v, ok := dst.Get("user:1")
	require.True(t, ok)
	assert.Equal(t, "alice", v)
	v, ok = dst.Get("pinned")
	require.True(t, ok)
	assert.Equal(t, "forever", v)

	assert.Equal(t, []string{"user:1", "user:2"}, dst.FindByTags([]string{"users"}, cache.MatchAny, nil))
	assert.Equal(t, []string{"user:2"}, dst.FindByTags([]string{"admins"}, cache.MatchAny, nil))
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	src := cache.New()
	defer src.Close()
	require.NoError(t, src.Set("old", 1, cache.SetOptions{TTL: time.Hour}))
	first, err := src.Snapshot()
	require.NoError(t, err)

	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, first))

	require.True(t, src.Clear("old"))
	require.NoError(t, src.Set("new", 2, cache.SetOptions{TTL: time.Hour}))
	second, err := src.Snapshot()
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, second))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Records, 1)
	_, ok := loaded.Records["new"]
	assert.True(t, ok, "a save fully replaces the previous snapshot")
}

func TestSaveNilSnapshot(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Save(context.Background(), nil))
}

func TestLoadEmptyStore(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cache.SnapshotVersion, loaded.Version)
	assert.Empty(t, loaded.Records)
}

func TestExpiredRecordsDroppedOnRestore(t *testing.T) {
	snap := &cache.Snapshot{
		Version: cache.SnapshotVersion,
		Records: map[string]cache.SnapshotRecord{
			"gone": {
				Value:     []byte{0xc0}, // msgpack nil
				ExpiresAt: time.Now().Add(-time.Minute),
				StaleAt:   time.Now().Add(-2 * time.Minute),
				TTL:       time.Minute,
			},
		},
	}

	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, snap))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Records, 1, "the store round-trips expired records untouched")

	dst := cache.New()
	defer dst.Close()
	require.NoError(t, dst.Restore(loaded))
	assert.Zero(t, dst.Len(), "expiry filtering happens on restore")
}
