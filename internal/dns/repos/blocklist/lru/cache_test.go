package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-proxy/internal/dns/domain"
)

func blocked(name string) domain.BlockDecision {
	return domain.BlockDecision{Blocked: true, MatchedRule: name, Source: "test", Kind: domain.BlockRuleExact}
}

func TestDecisionCache_GetPutStats(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	_, ok := c.Get("a.example")
	assert.False(t, ok)

	c.Put("a.example", blocked("a.example"))
	d, ok := c.Get("a.example")
	require.True(t, ok)
	assert.Equal(t, blocked("a.example"), d)

	st := c.Stats()
	assert.Equal(t, 2, st.Capacity)
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestDecisionCache_EvictionAndPurge(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	c.Put("a.example", blocked("a.example"))
	c.Put("b.example", domain.EmptyDecision())
	c.Put("c.example", blocked("c.example"))
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a.example")
	assert.False(t, ok, "least recently used entry evicted")
	assert.Equal(t, uint64(1), c.Stats().Evictions)

	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(3), c.Stats().Evictions, "purge counts as eviction")
}

func TestDecisionCache_Disabled(t *testing.T) {
	for _, size := range []int{0, -1} {
		c, err := New(size)
		require.NoError(t, err)
		c.Put("a.example", blocked("a.example"))
		_, ok := c.Get("a.example")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
		c.Purge()
		assert.Equal(t, 0, c.Stats().Capacity)
	}
}

func BenchmarkDecisionCache_GetHit(b *testing.B) {
	c, _ := New(1024)
	c.Put("hit.example", blocked("hit.example"))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Get("hit.example")
	}
}
