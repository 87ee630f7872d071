package dnscache

import (
	"time"

	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/services/resolver"
)

// nopCache is used when caching is disabled. Every lookup misses.
type nopCache struct{}

// NewDisabled returns a cache that stores nothing.
func NewDisabled() resolver.Cache { return nopCache{} }

func (nopCache) Get(string) (domain.Message, bool) { return domain.Message{}, false }

func (nopCache) Store(string, domain.Message) (time.Duration, bool) { return 0, false }

func (nopCache) Len() int { return 0 }
