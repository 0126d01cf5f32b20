package cache

import "time"

// GCStats reports the outcome of one garbage collection sweep.
type GCStats struct {
	// Cleaned is the number of entries removed.
	Cleaned int
	// Awaiting is the number of entries with a finite expiry still in the
	// cache, including locked entries already past their expiry.
	Awaiting int
}

// GC runs one sweep: every unlocked entry past its full expiry is removed.
// Locked entries survive regardless of age. While entries with a finite
// expiry remain, the next sweep is scheduled automatically.
func (c *Cache) GC() GCStats {
	c.mu.Lock()
	stats := c.gcLocked()
	c.mu.Unlock()
	return stats
}

func (c *Cache) gcLocked() GCStats {
	now := c.cfg.clock()
	var stats GCStats
	var next time.Time
	for key, e := range c.entries {
		if e.expiresAt.IsZero() {
			continue
		}
		if !now.Before(e.expiresAt) {
			if c.locks[key] > 0 {
				// Pinned; Unlock reschedules once the last reference drops.
				stats.Awaiting++
				continue
			}
			c.untagLocked(key, e)
			delete(c.entries, key)
			stats.Cleaned++
			continue
		}
		stats.Awaiting++
		if next.IsZero() || e.expiresAt.Before(next) {
			next = e.expiresAt
		}
	}
	if !next.IsZero() {
		c.scheduleGCLocked(next)
	}
	if stats.Cleaned > 0 {
		c.cfg.logger.Debug().Int("cleaned", stats.Cleaned).Int("awaiting", stats.Awaiting).Msg("cache gc sweep")
	}
	return stats
}

// scheduleGCLocked arms the sweep timer for the given deadline. Scheduling
// is idempotent: an earlier pending sweep wins, a later one is pulled in.
// The configured GC interval is the floor between now and the sweep.
func (c *Cache) scheduleGCLocked(at time.Time) {
	if c.closed {
		return
	}
	now := c.cfg.clock()
	floor := now.Add(c.cfg.gcInterval)
	if at.Before(floor) {
		at = floor
	}
	if c.gcTimer != nil {
		if !c.gcAt.After(at) {
			return // already scheduled at or before the requested time
		}
		c.gcTimer.Stop()
	}
	c.gcAt = at
	c.gcTimer = time.AfterFunc(at.Sub(now), c.onGCTimer)
}

func (c *Cache) onGCTimer() {
	c.mu.Lock()
	c.gcTimer = nil
	c.gcAt = time.Time{}
	c.gcLocked()
	c.mu.Unlock()
}
