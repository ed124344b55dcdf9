package remediate

import (
	"sync"
	"time"
)

// recordKey identifies one (media, player) pair.
type recordKey struct {
	mediaID  string
	playerID string
}

// Cache holds in-flight and cooldown ProcessingRecords. It is shared by the
// polling scheduler, the event ingestor and the periodic sweep task; every
// operation takes the whole-map lock, which is plenty at the expected scale
// of tens of concurrent sessions.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	records map[recordKey]*ProcessingRecord
}

// NewCache creates a cache whose records expire ttl after creation.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		records: make(map[recordKey]*ProcessingRecord),
	}
}

// Put stores a record for its (media, player) pair, replacing any prior one.
func (c *Cache) Put(record *ProcessingRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[recordKey{record.MediaID, record.PlayerID}] = record
}

// Get returns the record for a pair if present and unexpired. An expired
// record is evicted and reported as a miss.
func (c *Cache) Get(mediaID, playerID string) (*ProcessingRecord, bool) {
	key := recordKey{mediaID, playerID}

	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[key]
	if !ok {
		return nil, false
	}
	if time.Since(record.CreatedAt) > c.ttl {
		delete(c.records, key)
		return nil, false
	}
	return record, true
}

// Clear removes the record for a pair, if any.
func (c *Cache) Clear(mediaID, playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, recordKey{mediaID, playerID})
}

// HasAnyForMedia reports whether any unexpired record, for any player, shares
// the given media id. Polling uses this to avoid acting twice on the same
// title across distinct playback sessions.
func (c *Cache) HasAnyForMedia(mediaID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for key, record := range c.records {
		if key.mediaID == mediaID && time.Since(record.CreatedAt) <= c.ttl {
			return true
		}
	}
	return false
}

// Sweep removes records that are both absent from liveKeys (the set of
// currently-live session keys) and older than the cache TTL. Records tied to
// a still-live session are kept so a slow restart is not forgotten early.
func (c *Cache) Sweep(liveKeys map[string]struct{}) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, record := range c.records {
		if _, live := liveKeys[record.OriginalSessionKey]; live {
			continue
		}
		if now.Sub(record.CreatedAt) > c.ttl {
			delete(c.records, key)
		}
	}
}

// Len returns the number of stored records, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
