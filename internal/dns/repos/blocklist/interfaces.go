package blocklist

import "github.com/haukened/rr-proxy/internal/dns/domain"

// BloomFilter is the minimal interface the repository needs from Bloom filters.
type BloomFilter interface {
	Add(key []byte)
	MightContain(key []byte) bool
}

// BloomFactory builds filters sized for a dataset.
type BloomFactory interface {
	New(capacity uint64, fpRate float64) BloomFilter
}

// DecisionCache caches block decisions by canonical name with basic metrics.
type DecisionCache interface {
	Get(name string) (domain.BlockDecision, bool)
	Put(name string, d domain.BlockDecision)
	Len() int
	Purge()
	Stats() CacheStats
}

// Store is the persistent block-list index.
type Store interface {
	// GetFirstMatch returns the most specific rule covering name: an exact
	// entry first, then suffix entries from the longest anchor to the shortest.
	GetFirstMatch(name string) (domain.BlockRule, bool, error)
	// RebuildAll atomically replaces the stored rule set.
	RebuildAll(rules []domain.BlockRule, version uint64, updatedUnix int64) error
	Stats() (StoreStats, error)
	Close() error
}

// Repository is the composition layer that wires bloom → cache → store.
type Repository interface {
	Decide(name string) domain.BlockDecision
	UpdateAll(rules []domain.BlockRule, version uint64, updatedUnix int64) error
	Stats() RepoStats
}

// CacheStats reports lightweight cache metrics.
// All fields are best-effort snapshots and may be updated concurrently.
type CacheStats struct {
	Capacity  int    // configured capacity (0 for disabled cache)
	Size      int    // current number of entries
	Hits      uint64 // total cache hits since construction
	Misses    uint64 // total cache misses since construction
	Evictions uint64 // total evictions since construction
}

// StoreStats reports lightweight store metrics and metadata.
type StoreStats struct {
	Version     uint64 // snapshot version (0 if unknown)
	UpdatedUnix int64  // last updated unix time (0 if unknown)
	ExactKeys   uint64
	SuffixKeys  uint64
}

// RepoStats exposes repository-level counters and underlying stats.
type RepoStats struct {
	Cache      CacheStats
	Store      StoreStats
	BloomSkips uint64 // lookups answered by the bloom filter alone
}
