package blocklist

import (
	"sync"
	"sync/atomic"

	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/common/utils"
	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// repository implements the Repository interface by composing a Store,
// a Bloom filter (via factory), and a DecisionCache. It applies a bloom → cache → store pipeline
// on reads and performs atomic snapshot updates on writes.
type repository struct {
	mu         sync.RWMutex
	store      Store
	cache      DecisionCache
	bloom      BloomFilter
	factory    BloomFactory
	fpRate     float64
	logger     log.Logger
	bloomSkips atomic.Uint64
}

// NewRepository constructs a Repository.
// fpRate is the target false-positive rate for the Bloom filter when rebuilding.
func NewRepository(store Store, cache DecisionCache, factory BloomFactory, fpRate float64, logger log.Logger) Repository {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &repository{store: store, cache: cache, factory: factory, fpRate: fpRate, logger: logger}
}

// Decide returns a BlockDecision for the provided domain name.
// Policy: on internal errors, prefer Allow (not blocked).
func (r *repository) Decide(name string) domain.BlockDecision {
	cn := utils.CanonicalDNSName(name)
	if cn == "" {
		return domain.EmptyDecision()
	}
	// 1) checkBloom: early-allow if definitively negative
	if !r.checkBloom(cn) {
		r.bloomSkips.Add(1)
		return domain.EmptyDecision()
	}
	// 2) checkCache
	if d, ok := r.checkCache(cn); ok {
		return d
	}
	// 3) checkStore
	dec := r.checkStore(cn)
	// 4) updateCache
	r.updateCache(cn, dec)
	return dec
}

// UpdateAll performs an atomic snapshot update across store, bloom, and cache.
func (r *repository) UpdateAll(rules []domain.BlockRule, version uint64, updatedUnix int64) error {
	// 1) Rebuild the persistent store first.
	if err := r.store.RebuildAll(rules, version, updatedUnix); err != nil {
		return err
	}

	// 2) Build a fresh Bloom filter sized for the dataset.
	bf := r.factory.New(uint64(len(rules)), r.fpRate)
	for _, ru := range rules {
		bf.Add(bloomKey(ru.Name, ru.Kind))
	}

	// 3) Swap bloom and purge decision cache under lock.
	r.mu.Lock()
	r.bloom = bf
	r.cache.Purge()
	r.mu.Unlock()

	r.logger.Info(map[string]any{
		"rules":   len(rules),
		"version": version,
	}, "Blocklist updated")
	return nil
}

func (r *repository) Stats() RepoStats {
	st, err := r.store.Stats()
	if err != nil {
		r.logger.Warn(map[string]any{"error": err.Error()}, "Blocklist store stats unavailable")
	}
	return RepoStats{Cache: r.cache.Stats(), Store: st, BloomSkips: r.bloomSkips.Load()}
}

// bloomKey must agree with checkBloom: exact names as-is, suffix anchors
// reversed and tagged so they never collide with an exact name.
func bloomKey(name string, kind domain.BlockRuleKind) []byte {
	if kind == domain.BlockRuleSuffix {
		return []byte("~" + ReverseName(name))
	}
	return []byte(name)
}

// checkBloom returns true if we should consult the store (maybe-positive),
// or false if we can early-allow (definitely negative). If no bloom is loaded,
// returns true to allow authoritative checking.
func (r *repository) checkBloom(cn string) bool {
	r.mu.RLock()
	bf := r.bloom
	r.mu.RUnlock()
	if bf == nil {
		return true
	}
	if bf.MightContain(bloomKey(cn, domain.BlockRuleExact)) {
		return true
	}
	// most-specific → apex
	for _, a := range anchors(cn) {
		if bf.MightContain(bloomKey(a, domain.BlockRuleSuffix)) {
			return true
		}
	}
	return false
}

func (r *repository) checkCache(cn string) (domain.BlockDecision, bool) {
	r.mu.RLock()
	d, ok := r.cache.Get(cn)
	r.mu.RUnlock()
	return d, ok
}

// checkStore consults the authoritative store and materializes a decision.
// On any error or miss, returns Allow (EmptyDecision).
func (r *repository) checkStore(cn string) domain.BlockDecision {
	rule, ok, err := r.store.GetFirstMatch(cn)
	if err != nil {
		r.logger.Warn(map[string]any{"name": cn, "error": err.Error()}, "Blocklist store lookup failed")
		return domain.EmptyDecision()
	}
	if !ok {
		return domain.EmptyDecision()
	}
	return domain.BlockDecision{Blocked: true, MatchedRule: rule.Name, Source: rule.Source, Kind: rule.Kind}
}

func (r *repository) updateCache(cn string, dec domain.BlockDecision) {
	r.mu.RLock()
	r.cache.Put(cn, dec)
	r.mu.RUnlock()
}
