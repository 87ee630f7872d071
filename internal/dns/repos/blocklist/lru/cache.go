// Package lru holds recent block-list decisions in front of the store.
package lru

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/repos/blocklist"
)

// decisionCache is an LRU-backed implementation of blocklist.DecisionCache.
type decisionCache struct {
	lru       *lru.Cache[string, domain.BlockDecision]
	capacity  int
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a DecisionCache with the given capacity. If size <= 0, a
// disabled cache is returned that always misses.
func New(size int) (blocklist.DecisionCache, error) {
	if size <= 0 {
		return disabledCache{}, nil
	}
	dc := &decisionCache{capacity: size}
	// the eviction callback also observes Purge
	cache, err := lru.NewWithEvict(size, func(string, domain.BlockDecision) {
		dc.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	dc.lru = cache
	return dc, nil
}

func (c *decisionCache) Get(name string) (domain.BlockDecision, bool) {
	if d, ok := c.lru.Get(name); ok {
		c.hits.Add(1)
		return d, true
	}
	c.misses.Add(1)
	return domain.BlockDecision{}, false
}

func (c *decisionCache) Put(name string, d domain.BlockDecision) { c.lru.Add(name, d) }

func (c *decisionCache) Len() int { return c.lru.Len() }

func (c *decisionCache) Purge() { c.lru.Purge() }

func (c *decisionCache) Stats() blocklist.CacheStats {
	return blocklist.CacheStats{
		Capacity:  c.capacity,
		Size:      c.lru.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

type disabledCache struct{}

func (disabledCache) Get(string) (domain.BlockDecision, bool) { return domain.BlockDecision{}, false }
func (disabledCache) Put(string, domain.BlockDecision)        {}
func (disabledCache) Len() int                                { return 0 }
func (disabledCache) Purge()                                  {}
func (disabledCache) Stats() blocklist.CacheStats             { return blocklist.CacheStats{} }

var _ blocklist.DecisionCache = (*decisionCache)(nil)
var _ blocklist.DecisionCache = disabledCache{}
