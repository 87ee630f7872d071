package resolver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-proxy/internal/dns/common/rrdata"
	"github.com/haukened/rr-proxy/internal/dns/common/utils"
	"github.com/haukened/rr-proxy/internal/dns/domain"
)

type fakeUpstream struct {
	mu      sync.Mutex
	calls   []domain.Query
	answer  func(q domain.Query) (domain.Message, error)
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeUpstream) Forward(ctx context.Context, q domain.Query) (domain.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		}
	}
	if f.answer != nil {
		return f.answer(q)
	}
	return answerFor(q, 1), nil
}

func (f *fakeUpstream) Calls() []domain.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Query(nil), f.calls...)
}

func answerFor(q domain.Query, last byte) domain.Message {
	return domain.Message{
		Header:    domain.Header{ID: q.ID, Response: true, RecursionAvailable: true},
		Questions: []domain.Question{q.Question},
		Answers: []domain.ResourceRecord{{
			Name: utils.CanonicalDNSName(q.Name), Type: domain.RRTypeA, Class: domain.RRClassIN, TTL: 300,
			Data: []byte{192, 0, 2, last},
		}},
	}
}

type mapCache struct {
	mu sync.Mutex
	m  map[string]domain.Message
}

func newMapCache() *mapCache { return &mapCache{m: map[string]domain.Message{}} }

func (c *mapCache) Get(key string) (domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.m[key]
	return m.Clone(), ok
}

func (c *mapCache) Store(key string, msg domain.Message) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = msg.WithoutOPT().Clone()
	return time.Minute, true
}

func (c *mapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// ruleMap decides by exact canonical name.
type ruleMap map[string]domain.Decision

func (r ruleMap) Evaluate(q domain.Query) domain.Decision {
	if d, ok := r[utils.CanonicalDNSName(q.Name)]; ok {
		return d
	}
	return domain.AllowDecision()
}

func rewrite(target string) domain.Decision {
	return domain.Decision{Action: domain.RuleActionRewrite, Target: target, Rule: "rewrite " + target}
}

var block = domain.Decision{Action: domain.RuleActionBlock, Rule: "blocked", Source: "rules"}

func query(name string, t domain.RRType) domain.Query {
	return domain.Query{
		ID:               0x1234,
		Question:         domain.Question{Name: name, Type: t, Class: domain.RRClassIN},
		RecursionDesired: true,
		ClientAddr:       &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5300},
	}
}

func newTestResolver(t *testing.T, opts ResolverOptions) *Resolver {
	t.Helper()
	r, err := NewResolver(opts)
	require.NoError(t, err)
	return r
}

func cnameTarget(t *testing.T, rr domain.ResourceRecord) string {
	t.Helper()
	require.Equal(t, domain.RRTypeCNAME, rr.Type)
	name, _, err := rrdata.DecodeDomainName(rr.Data)
	require.NoError(t, err)
	return name
}

func TestNewResolver_Validation(t *testing.T) {
	up := &fakeUpstream{}
	tests := []struct {
		name string
		opts ResolverOptions
	}{
		{"no upstream", ResolverOptions{}},
		{"unknown strategy", ResolverOptions{Upstream: up, BlockStrategy: "drop"}},
		{"sinkhole without targets", ResolverOptions{Upstream: up, BlockStrategy: BlockSinkhole}},
		{"bad sinkhole target", ResolverOptions{Upstream: up, BlockStrategy: BlockSinkhole, SinkholeTargets: []string{"nowhere"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestResolver_HandleQuery_CacheMissThenHit(t *testing.T) {
	up := &fakeUpstream{}
	cache := newMapCache()
	r := newTestResolver(t, ResolverOptions{Upstream: up, Cache: cache})

	q := query("WWW.Example.com", domain.RRTypeA)
	resp, err := r.HandleQuery(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), resp.Header.ID)
	assert.True(t, resp.Header.Response)
	assert.True(t, resp.Header.RecursionDesired)
	assert.Equal(t, domain.RCodeNoError, resp.Header.RCode)
	assert.Equal(t, []domain.Question{q.Question}, resp.Questions, "question echoed as asked")
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, 1, cache.Len())

	q.ID = 0x9999
	resp, err = r.HandleQuery(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x9999), resp.Header.ID)
	require.Len(t, resp.Answers, 1)
	assert.Len(t, up.Calls(), 1, "second query served from cache")
}

func TestResolver_HandleQuery_Block(t *testing.T) {
	tests := []struct {
		name     string
		strategy BlockStrategy
		qtype    domain.RRType
		rcode    domain.RCode
		answers  [][]byte
	}{
		{"nxdomain", BlockNXDomain, domain.RRTypeA, domain.RCodeNXDomain, nil},
		{"default is nxdomain", "", domain.RRTypeA, domain.RCodeNXDomain, nil},
		{"refused", BlockRefused, domain.RRTypeA, domain.RCodeRefused, nil},
		{"sinkhole A", BlockSinkhole, domain.RRTypeA, domain.RCodeNoError, [][]byte{{0, 0, 0, 0}}},
		{"sinkhole AAAA", BlockSinkhole, domain.RRTypeAAAA, domain.RCodeNoError, [][]byte{make([]byte, 16)}},
		{"sinkhole other type is nodata", BlockSinkhole, domain.RRTypeMX, domain.RCodeNoError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{}
			r := newTestResolver(t, ResolverOptions{
				Upstream:        up,
				Rules:           ruleMap{"ads.example": block},
				BlockStrategy:   tt.strategy,
				SinkholeTargets: []string{"0.0.0.0", "::"},
				SinkholeTTL:     42,
			})
			resp, err := r.HandleQuery(context.Background(), query("ads.example", tt.qtype))
			require.NoError(t, err)
			assert.Equal(t, tt.rcode, resp.Header.RCode)
			require.Len(t, resp.Answers, len(tt.answers))
			for i, want := range tt.answers {
				assert.Equal(t, want, resp.Answers[i].Data)
				assert.Equal(t, tt.qtype, resp.Answers[i].Type)
				assert.Equal(t, uint32(42), resp.Answers[i].TTL)
			}
			assert.Empty(t, up.Calls(), "blocked queries never reach upstream")
		})
	}
}

func TestResolver_HandleQuery_RewriteChain(t *testing.T) {
	up := &fakeUpstream{}
	r := newTestResolver(t, ResolverOptions{
		Upstream: up,
		Rules: ruleMap{
			"a.example": rewrite("b.example"),
			"b.example": rewrite("c.example"),
		},
		RewriteTTL: 30,
	})

	resp, err := r.HandleQuery(context.Background(), query("a.example", domain.RRTypeA))
	require.NoError(t, err)
	require.Len(t, resp.Answers, 3)
	assert.Equal(t, "a.example", resp.Answers[0].Name)
	assert.Equal(t, "b.example", cnameTarget(t, resp.Answers[0]))
	assert.Equal(t, uint32(30), resp.Answers[0].TTL)
	assert.Equal(t, "b.example", resp.Answers[1].Name)
	assert.Equal(t, "c.example", cnameTarget(t, resp.Answers[1]))
	assert.Equal(t, domain.RRTypeA, resp.Answers[2].Type)
	assert.Equal(t, "a.example", resp.Questions[0].Name, "original question echoed")

	calls := up.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "c.example", calls[0].Name)
}

func TestResolver_HandleQuery_RewriteIntoBlock(t *testing.T) {
	up := &fakeUpstream{}
	r := newTestResolver(t, ResolverOptions{
		Upstream: up,
		Rules: ruleMap{
			"alias.example": rewrite("ads.example"),
			"ads.example":   block,
		},
	})

	resp, err := r.HandleQuery(context.Background(), query("alias.example", domain.RRTypeA))
	require.NoError(t, err)
	assert.Equal(t, domain.RCodeNXDomain, resp.Header.RCode)
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, "ads.example", cnameTarget(t, resp.Answers[0]))
	assert.Empty(t, up.Calls())
}

func TestResolver_HandleQuery_RewriteLoops(t *testing.T) {
	tests := []struct {
		name  string
		rules ruleMap
		max   int
	}{
		{"cycle", ruleMap{"a.example": rewrite("b.example"), "b.example": rewrite("a.example")}, 8},
		{"self", ruleMap{"a.example": rewrite("a.example")}, 8},
		{"depth", ruleMap{
			"a.example": rewrite("b.example"),
			"b.example": rewrite("c.example"),
			"c.example": rewrite("d.example"),
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{}
			r := newTestResolver(t, ResolverOptions{Upstream: up, Rules: tt.rules, MaxRewrites: tt.max})

			resp, err := r.HandleQuery(context.Background(), query("a.example", domain.RRTypeA))
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrRewriteLoopDetected))
			assert.Equal(t, domain.RCodeServFail, resp.Header.RCode)
			assert.True(t, resp.Header.Response)
			assert.Empty(t, resp.Answers)
			assert.Empty(t, up.Calls())
		})
	}
}

func TestResolver_HandleQuery_UpstreamFailureIsServfail(t *testing.T) {
	up := &fakeUpstream{answer: func(domain.Query) (domain.Message, error) {
		return domain.Message{}, domain.ErrUpstreamUnreachable
	}}
	cache := newMapCache()
	r := newTestResolver(t, ResolverOptions{Upstream: up, Cache: cache})

	resp, err := r.HandleQuery(context.Background(), query("example.com", domain.RRTypeA))
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnreachable))
	assert.Equal(t, domain.RCodeServFail, resp.Header.RCode)
	assert.Equal(t, uint16(0x1234), resp.Header.ID)
	assert.Equal(t, 0, cache.Len())
}

func TestResolver_HandleQuery_DeadlineAbandonsButFillsCache(t *testing.T) {
	up := &fakeUpstream{gate: make(chan struct{})}
	cache := newMapCache()
	r := newTestResolver(t, ResolverOptions{Upstream: up, Cache: cache, QueryTimeout: 20 * time.Millisecond})

	resp, err := r.HandleQuery(context.Background(), query("slow.example", domain.RRTypeA))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.False(t, resp.Header.Response, "abandoned query yields nothing to send")

	close(up.gate)
	assert.Eventually(t, func() bool { return cache.Len() == 1 }, time.Second, 5*time.Millisecond,
		"detached upstream request still populates the cache")
}

func TestResolver_HandleQuery_CoalescesConcurrentMisses(t *testing.T) {
	up := &fakeUpstream{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	r := newTestResolver(t, ResolverOptions{Upstream: up, Cache: newMapCache()})

	const n = 10
	var wg sync.WaitGroup
	results := make([]domain.Message, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := query("hot.example", domain.RRTypeA)
			q.ID = uint16(i)
			results[i], errs[i] = r.HandleQuery(context.Background(), q)
		}(i)
	}
	<-up.started
	time.Sleep(50 * time.Millisecond)
	close(up.gate)
	wg.Wait()

	assert.Len(t, up.Calls(), 1)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, uint16(i), results[i].Header.ID, "each caller gets its own ID")
		assert.Len(t, results[i].Answers, 1)
	}
}

func TestResolver_HandleQuery_EDNS(t *testing.T) {
	up := &fakeUpstream{answer: func(q domain.Query) (domain.Message, error) {
		m := answerFor(q, 5)
		m.Additional = []domain.ResourceRecord{
			{Name: "ns.example", Type: domain.RRTypeA, Class: domain.RRClassIN, TTL: 60, Data: []byte{192, 0, 2, 53}},
			domain.EDNS{UDPSize: 4096}.Record(),
		}
		return m, nil
	}}
	r := newTestResolver(t, ResolverOptions{Upstream: up, UDPSize: 1232})

	t.Run("client without EDNS", func(t *testing.T) {
		resp, err := r.HandleQuery(context.Background(), query("plain.example", domain.RRTypeA))
		require.NoError(t, err)
		_, ok := resp.EDNS()
		assert.False(t, ok)
		assert.Len(t, resp.Additional, 1, "upstream OPT not relayed")
	})

	t.Run("client with EDNS", func(t *testing.T) {
		q := query("edns.example", domain.RRTypeA)
		q.EDNS = &domain.EDNS{UDPSize: 4096, DNSSECOK: true}
		resp, err := r.HandleQuery(context.Background(), q)
		require.NoError(t, err)
		e, ok := resp.EDNS()
		require.True(t, ok)
		assert.Equal(t, uint16(1232), e.UDPSize)
		assert.True(t, e.DNSSECOK)
		assert.Len(t, resp.Additional, 2)
	})
}
