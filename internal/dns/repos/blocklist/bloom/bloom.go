// Package bloom provides the block-list prefilter backed by bits-and-blooms.
package bloom

import (
	"math"
	"sync"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/rr-proxy/internal/dns/repos/blocklist"
)

const defaultFPRate = 0.01

// Factory implements blocklist.BloomFactory using Size for filter dimensions.
type Factory struct{}

// NewFactory returns a BloomFactory that sizes filters from capacity and FP rate.
func NewFactory() blocklist.BloomFactory { return Factory{} }

// New constructs a filter sized for capacity entries at the target
// false-positive rate.
func (Factory) New(capacity uint64, fpRate float64) blocklist.BloomFilter {
	m, k := Size(capacity, fpRate)
	return &filter{bf: bitsbloom.New(uint(m), uint(k))}
}

// filter serializes writers; readers share the lock so a filter can be
// populated while it is already serving lookups.
type filter struct {
	mu sync.RWMutex
	bf *bitsbloom.BloomFilter
}

func (f *filter) Add(key []byte) {
	f.mu.Lock()
	f.bf.Add(key)
	f.mu.Unlock()
}

func (f *filter) MightContain(key []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Test(key)
}

// Size returns the bit count m and hash count k for n entries at false
// positive rate p:
//
//	m = - (n * ln p) / (ln 2)^2
//	k = (m / n) * ln 2
//
// n = 0 is treated as 1 and p outside (0,1) falls back to 1%.
func Size(n uint64, p float64) (uint64, uint8) {
	if n == 0 {
		n = 1
	}
	if !(p > 0 && p < 1) {
		p = defaultFPRate
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := uint8(math.Max(1, math.Round((float64(m)/float64(n))*math.Ln2)))
	return m, k
}
