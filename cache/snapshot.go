package cache

import (
	"time"

	"github.com/cockroachdb/errors"
)

// SnapshotVersion is the only snapshot format version understood by
// Restore.
const SnapshotVersion = 1

// Snapshot is the persistable form of the cache contents. Values are
// always cold (serialized); restoring decodes them lazily on first read.
type Snapshot struct {
	Version int                       `msgpack:"version"`
	Records map[string]SnapshotRecord `msgpack:"records"`
}

// SnapshotRecord is one persisted entry. Zero ExpiresAt/StaleAt mean the
// entry never expires / never goes stale.
type SnapshotRecord struct {
	Value     []byte        `msgpack:"value"`
	ExpiresAt time.Time     `msgpack:"expiresAt,omitempty"`
	StaleAt   time.Time     `msgpack:"staleAt,omitempty"`
	TTL       time.Duration `msgpack:"ttl"`
	StaleTTL  time.Duration `msgpack:"staleTTL,omitempty"`
	Tags      []string      `msgpack:"tags,omitempty"`
}

// Snapshot captures all live entries in the persisted snapshot format.
// Entries already past their full expiry are skipped. Hot values are
// encoded with the entry's serializer, falling back to the cache default.
func (c *Cache) Snapshot() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.clock()
	snap := &Snapshot{
		Version: SnapshotVersion,
		Records: make(map[string]SnapshotRecord, len(c.entries)),
	}
	for key, e := range c.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			continue
		}
		cold := e.cold
		if e.hot {
			s := e.serializer
			if s == nil {
				s = c.cfg.serializer
			}
			data, err := s.Marshal(e.value)
			if err != nil {
				return nil, errors.Wrapf(err, "snapshot key %q", key)
			}
			cold = data
		}
		tags := make([]string, 0, len(e.tags))
		for tag := range e.tags {
			tags = append(tags, tag)
		}
		snap.Records[key] = SnapshotRecord{
			Value:     cold,
			ExpiresAt: e.expiresAt,
			StaleAt:   e.staleAt,
			TTL:       e.ttl,
			StaleTTL:  e.staleTTL,
			Tags:      tags,
		}
	}
	return snap, nil
}

// Restore rehydrates entries from a snapshot, replacing any existing
// entries for the same keys. Records already past their expiry are
// dropped; if any survivor carries a finite expiry the GC is rescheduled.
// Restored values stay cold until first read. No events are emitted.
func (c *Cache) Restore(snap *Snapshot) error {
	if snap == nil {
		return errors.New("cache: nil snapshot")
	}
	if snap.Version != SnapshotVersion {
		return errors.Newf("cache: unsupported snapshot version %d", snap.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.clock()
	for key, rec := range snap.Records {
		if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
			continue
		}
		if !rec.StaleAt.IsZero() && !rec.ExpiresAt.IsZero() && rec.StaleAt.After(rec.ExpiresAt) {
			c.fail("snapshot key %q: staleAt after expiresAt", key)
			continue
		}
		e := &entry{
			cold:      rec.Value,
			expiresAt: rec.ExpiresAt,
			staleAt:   rec.StaleAt,
			ttl:       rec.TTL,
			staleTTL:  rec.StaleTTL,
			tags:      make(map[string]struct{}, len(rec.Tags)),
		}
		for _, tag := range rec.Tags {
			e.tags[tag] = struct{}{}
		}
		if old, ok := c.entries[key]; ok {
			c.untagLocked(key, old)
		}
		c.entries[key] = e
		c.tagLocked(key, e)
		if !e.expiresAt.IsZero() {
			c.scheduleGCLocked(e.expiresAt)
		}
	}
	return nil
}
