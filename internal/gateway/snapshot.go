package gateway

import (
	"sync"

	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
)

// SnapshotCache keeps the most recent update per (instrument, kind) so a
// late joiner sees the current state immediately instead of waiting for the
// next tick. Entries are only ever overwritten, never removed: a subscriber
// arriving after every earlier subscriber left still gets the last known
// state while the feed re-attaches. Size is bounded by the number of
// distinct instruments ever subscribed.
type SnapshotCache struct {
	mu      sync.RWMutex
	entries map[topic]models.Update
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		entries: make(map[topic]models.Update),
	}
}

// Put stores an update as the latest state for its topic.
func (c *SnapshotCache) Put(u models.Update) {
	c.mu.Lock()
	c.entries[topic{ProductID: u.ProductID, Kind: u.Kind}] = u
	c.mu.Unlock()
}

// Get returns the latest cached update for a topic, if any.
func (c *SnapshotCache) Get(productID string, kind models.UpdateKind) (models.Update, bool) {
	c.mu.RLock()
	entry, ok := c.entries[topic{ProductID: productID, Kind: kind}]
	c.mu.RUnlock()
	return entry, ok
}

// Len returns the number of cached topics.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
