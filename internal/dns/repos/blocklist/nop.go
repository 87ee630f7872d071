package blocklist

import "github.com/haukened/rr-proxy/internal/dns/domain"

// NoopRepository blocks nothing. It stands in when no block lists are configured.
type NoopRepository struct{}

func (NoopRepository) Decide(string) domain.BlockDecision { return domain.EmptyDecision() }

func (NoopRepository) UpdateAll([]domain.BlockRule, uint64, int64) error { return nil }

func (NoopRepository) Stats() RepoStats { return RepoStats{} }

var _ Repository = NoopRepository{}
