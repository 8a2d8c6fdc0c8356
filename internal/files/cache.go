package files

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pavel-fokin/file-vault/internal/metrics"
)

// listCache keeps each owner's active files.
//
// Invalidations are stamped from one sequence. A reader that misses gets the
// current sequence and may only store its snapshot if the owner has not been
// invalidated since. Owners without a stamp fall back to floor, so the stamp
// map can be dropped wholesale once it grows past its limit.
type listCache struct {
	mu    sync.Mutex
	lru   *expirable.LRU[string, []*File]
	seq   uint64
	floor uint64
	gens  map[string]uint64
	limit int
}

func newListCache(size int, ttl time.Duration) *listCache {
	if size <= 0 {
		return nil
	}
	return &listCache{
		lru:   expirable.NewLRU[string, []*File](size, nil, ttl),
		gens:  make(map[string]uint64),
		limit: 4 * size,
	}
}

// get returns the cached list and the token to pass to put on a miss.
func (c *listCache) get(owner string) ([]*File, uint64, bool) {
	if c == nil {
		return nil, 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if list, ok := c.lru.Get(owner); ok {
		metrics.ListCacheHitsTotal.Inc()
		return list, c.seq, true
	}
	metrics.ListCacheMissesTotal.Inc()
	return nil, c.seq, false
}

func (c *listCache) put(owner string, token uint64, list []*File) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stamp, ok := c.gens[owner]
	if !ok {
		stamp = c.floor
	}
	if stamp > token {
		return
	}
	c.lru.Add(owner, list)
}

func (c *listCache) invalidate(owner string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if len(c.gens) >= c.limit {
		clear(c.gens)
		c.floor = c.seq
	}
	c.gens[owner] = c.seq
	c.lru.Remove(owner)
}
