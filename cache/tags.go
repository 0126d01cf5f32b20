package cache

import "sort"

// TagMatch selects how a set of tags is matched against entry tags.
type TagMatch int

const (
	// MatchAll selects keys carrying every given tag.
	MatchAll TagMatch = iota
	// MatchAny selects keys carrying at least one given tag.
	MatchAny
	// MatchNone selects keys carrying none of the given tags. This scans
	// the entire key space and is correspondingly slower.
	MatchNone
)

func (m TagMatch) String() string {
	switch m {
	case MatchAll:
		return "all"
	case MatchAny:
		return "any"
	case MatchNone:
		return "none"
	default:
		return "unknown"
	}
}

// Filter optionally narrows a tag match to specific keys.
type Filter func(key string) bool

// tagLocked adds key to the tag index for every tag on e. The index and
// entry tags must stay mutually consistent; a duplicate insert means they
// diverged.
func (c *Cache) tagLocked(key string, e *entry) {
	for tag := range e.tags {
		keys, ok := c.tagIdx[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tagIdx[tag] = keys
		}
		if _, dup := keys[key]; dup {
			c.fail("duplicate tag index insert: key %q tag %q", key, tag)
			continue
		}
		keys[key] = struct{}{}
	}
}

// untagLocked removes key from the tag index for every tag on e.
func (c *Cache) untagLocked(key string, e *entry) {
	for tag := range e.tags {
		keys, ok := c.tagIdx[tag]
		if !ok {
			c.fail("missing tag index bucket: key %q tag %q", key, tag)
			continue
		}
		if _, present := keys[key]; !present {
			c.fail("missing tag index entry: key %q tag %q", key, tag)
			continue
		}
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.tagIdx, tag)
		}
	}
}

// FindByTags returns the keys whose entry tags satisfy the match, sorted
// for determinism. An optional filter narrows the result after tag
// matching. MatchAll with no tags matches every key; MatchAny with no tags
// matches nothing.
func (c *Cache) FindByTags(tags []string, match TagMatch, filter Filter) []string {
	c.mu.Lock()
	keys := c.findByTagsLocked(tags, match, filter)
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (c *Cache) findByTagsLocked(tags []string, match TagMatch, filter Filter) []string {
	var out []string
	switch match {
	case MatchAll:
		if len(tags) == 0 {
			for key := range c.entries {
				if filter == nil || filter(key) {
					out = append(out, key)
				}
			}
			return out
		}
		// Intersect starting from the smallest bucket.
		smallest := tags[0]
		for _, tag := range tags[1:] {
			if len(c.tagIdx[tag]) < len(c.tagIdx[smallest]) {
				smallest = tag
			}
		}
	candidates:
		for key := range c.tagIdx[smallest] {
			for _, tag := range tags {
				if _, ok := c.tagIdx[tag][key]; !ok {
					continue candidates
				}
			}
			if filter == nil || filter(key) {
				out = append(out, key)
			}
		}
	case MatchAny:
		seen := make(map[string]struct{})
		for _, tag := range tags {
			for key := range c.tagIdx[tag] {
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				if filter == nil || filter(key) {
					out = append(out, key)
				}
			}
		}
	case MatchNone:
		// Complement over the whole key space.
	entries:
		for key := range c.entries {
			for _, tag := range tags {
				if _, ok := c.tagIdx[tag][key]; ok {
					continue entries
				}
			}
			if filter == nil || filter(key) {
				out = append(out, key)
			}
		}
	default:
		c.fail("unknown tag match %d", match)
	}
	return out
}

// ClearByTags force-removes every entry matching the tag predicate and
// emits a Clear event per removed key. Returns the number of removed
// entries.
func (c *Cache) ClearByTags(tags []string, match TagMatch, filter Filter) int {
	c.mu.Lock()
	keys := c.findByTagsLocked(tags, match, filter)
	sort.Strings(keys)
	for _, key := range keys {
		e := c.entries[key]
		c.untagLocked(key, e)
		delete(c.entries, key)
		c.pending = append(c.pending, Event{Key: key, Kind: EventClear})
	}
	evs := c.takeEventsLocked()
	c.mu.Unlock()
	c.emit(evs)
	return len(keys)
}
