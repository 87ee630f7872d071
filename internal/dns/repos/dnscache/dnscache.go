package dnscache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-proxy/internal/dns/common/clock"
	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/services/resolver"
)

var (
	ErrInvalidSize = errors.New("cache size must be positive")
	ErrInvalidTTL  = errors.New("cache min TTL exceeds max TTL")
)

// Options configures the response cache.
type Options struct {
	Size int
	// MinTTL and MaxTTL clamp the TTL derived from a response. Zero disables a bound.
	MinTTL time.Duration
	MaxTTL time.Duration
	// NegativeTTL is used for NXDOMAIN/NODATA answers that carry no SOA.
	// Zero means such answers are not cached.
	NegativeTTL time.Duration
	Clock       clock.Clock
}

// entry is a stored response. msg never carries OPT records or a transaction ID.
type entry struct {
	msg      domain.Message
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.storedAt.Add(e.ttl))
}

// dnsCache is an in-memory TTL-aware response cache using an LRU strategy.
// Reads go straight to the LRU; mutations that depend on a prior read are
// serialized by mu so an expired entry is never removed after being replaced.
type dnsCache struct {
	lru   *lru.Cache[string, *entry]
	mu    sync.Mutex
	opts  Options
	clock clock.Clock
}

// New returns a response cache holding at most opts.Size entries.
func New(opts Options) (*dnsCache, error) {
	if opts.Size <= 0 {
		return nil, ErrInvalidSize
	}
	if opts.MaxTTL > 0 && opts.MinTTL > opts.MaxTTL {
		return nil, ErrInvalidTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	cache, err := lru.New[string, *entry](opts.Size)
	if err != nil {
		return nil, err
	}
	return &dnsCache{lru: cache, opts: opts, clock: opts.Clock}, nil
}

// Get returns the cached response for key with TTLs reduced by the time spent
// in the cache. Expired entries are removed and reported as a miss.
func (c *dnsCache) Get(key string) (domain.Message, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return domain.Message{}, false
	}
	now := c.clock.Now()
	if e.expired(now) {
		c.removeIfSame(key, e)
		return domain.Message{}, false
	}
	return age(e, now), true
}

// Set stores msg under key for ttl. A non-positive ttl is ignored.
func (c *dnsCache) Set(key string, msg domain.Message, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	stored := msg.WithoutOPT().Clone()
	stored.Header.ID = 0
	stored.Header.Truncated = false
	c.mu.Lock()
	c.lru.Add(key, &entry{msg: stored, storedAt: c.clock.Now(), ttl: ttl})
	c.mu.Unlock()
}

// Store derives the TTL for msg from the cache policy and stores it if the
// response is cacheable. It returns the TTL used.
func (c *dnsCache) Store(key string, msg domain.Message) (time.Duration, bool) {
	ttl, ok := c.TTLFor(msg)
	if !ok {
		return 0, false
	}
	c.Set(key, msg, ttl)
	return ttl, true
}

// TTLFor applies the caching policy: positive answers live for their lowest
// record TTL, negative answers for the SOA-derived negative TTL (RFC 2308),
// both clamped to [MinTTL, MaxTTL]. Truncated answers and error rcodes other
// than NXDOMAIN are never cached.
func (c *dnsCache) TTLFor(msg domain.Message) (time.Duration, bool) {
	if msg.Header.Truncated {
		return 0, false
	}
	if rc := msg.Header.RCode; rc != domain.RCodeNoError && rc != domain.RCodeNXDomain {
		return 0, false
	}
	var ttl time.Duration
	if msg.IsNegative() {
		if secs, ok := msg.NegativeTTL(); ok {
			ttl = time.Duration(secs) * time.Second
		} else if c.opts.NegativeTTL > 0 {
			ttl = c.opts.NegativeTTL
		} else {
			return 0, false
		}
	} else {
		secs, ok := msg.MinAnswerTTL()
		if !ok {
			return 0, false
		}
		ttl = time.Duration(secs) * time.Second
	}
	if ttl < c.opts.MinTTL {
		ttl = c.opts.MinTTL
	}
	if c.opts.MaxTTL > 0 && ttl > c.opts.MaxTTL {
		ttl = c.opts.MaxTTL
	}
	return ttl, ttl > 0
}

// Len returns the number of cached responses, including expired ones not yet swept.
func (c *dnsCache) Len() int {
	return c.lru.Len()
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *dnsCache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && e.expired(now) && c.removeIfSame(key, e) {
			removed++
		}
	}
	return removed
}

// Run sweeps the cache every interval until ctx is cancelled.
func (c *dnsCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *dnsCache) removeIfSame(key string, e *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Peek(key); ok && cur == e {
		c.lru.Remove(key)
		return true
	}
	return false
}

// age returns a copy of the stored message with TTLs reduced by the elapsed time.
func age(e *entry, now time.Time) domain.Message {
	elapsed := uint32(now.Sub(e.storedAt) / time.Second)
	remaining := uint32((e.ttl - now.Sub(e.storedAt)) / time.Second)
	msg := e.msg.Clone()
	for _, section := range [][]domain.ResourceRecord{msg.Answers, msg.Authority, msg.Additional} {
		for i := range section {
			ttl := uint32(0)
			if section[i].TTL > elapsed {
				ttl = section[i].TTL - elapsed
			}
			section[i].TTL = min(ttl, remaining)
		}
	}
	return msg
}

var _ resolver.Cache = (*dnsCache)(nil)
