// Package resolver orchestrates query handling: rule evaluation, rewrite
// chaining, cache lookup, coalesced upstream forwarding and reply synthesis.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/common/rrdata"
	"github.com/haukened/rr-proxy/internal/dns/common/utils"
	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// BlockStrategy selects the reply sent for blocked queries.
type BlockStrategy string

const (
	BlockNXDomain BlockStrategy = "nxdomain"
	BlockRefused  BlockStrategy = "refused"
	BlockSinkhole BlockStrategy = "sinkhole"
)

const (
	defaultMaxRewrites     = 8
	defaultRewriteTTL      = 60
	defaultSinkholeTTL     = 300
	defaultUpstreamTimeout = 5 * time.Second

	tracerName = "github.com/haukened/rr-proxy/internal/dns/services/resolver"
)

type Resolver struct {
	rules           RuleEngine
	cache           Cache
	upstream        UpstreamClient
	logger          log.Logger
	tracer          trace.Tracer
	group           singleflight.Group
	queryTimeout    time.Duration
	upstreamTimeout time.Duration
	maxRewrites     int
	rewriteTTL      uint32
	udpSize         uint16
	blockStrategy   BlockStrategy
	sinkholeTTL     uint32
	sinkholeV4      [][]byte
	sinkholeV6      [][]byte
}

type ResolverOptions struct {
	Rules    RuleEngine
	Cache    Cache
	Upstream UpstreamClient
	Logger   log.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// QueryTimeout bounds the whole handling of one query; zero means the
	// caller's context alone decides.
	QueryTimeout time.Duration
	// UpstreamTimeout bounds an upstream fetch once it is detached from the
	// query that started it.
	UpstreamTimeout time.Duration
	MaxRewrites     int
	RewriteTTL      uint32
	// UDPSize is the payload size advertised in EDNS replies.
	UDPSize uint16

	BlockStrategy   BlockStrategy
	SinkholeTargets []string
	SinkholeTTL     uint32
}

// NewResolver validates opts and builds a Resolver. A nil Rules allows every
// query and a nil Cache disables caching.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Upstream == nil {
		return nil, errors.New("upstream client is required")
	}
	r := &Resolver{
		rules:           opts.Rules,
		cache:           opts.Cache,
		upstream:        opts.Upstream,
		logger:          opts.Logger,
		queryTimeout:    opts.QueryTimeout,
		upstreamTimeout: opts.UpstreamTimeout,
		maxRewrites:     opts.MaxRewrites,
		rewriteTTL:      opts.RewriteTTL,
		udpSize:         opts.UDPSize,
		blockStrategy:   opts.BlockStrategy,
		sinkholeTTL:     opts.SinkholeTTL,
	}
	if r.rules == nil {
		r.rules = allowAll{}
	}
	if r.cache == nil {
		r.cache = noCache{}
	}
	if r.logger == nil {
		r.logger = log.NewNoopLogger()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	r.tracer = tp.Tracer(tracerName)
	if r.upstreamTimeout <= 0 {
		r.upstreamTimeout = defaultUpstreamTimeout
	}
	if r.maxRewrites <= 0 {
		r.maxRewrites = defaultMaxRewrites
	}
	if r.rewriteTTL == 0 {
		r.rewriteTTL = defaultRewriteTTL
	}
	if r.udpSize < domain.DefaultUDPSize {
		r.udpSize = domain.DefaultUDPSize
	}
	if r.sinkholeTTL == 0 {
		r.sinkholeTTL = defaultSinkholeTTL
	}

	switch r.blockStrategy {
	case "":
		r.blockStrategy = BlockNXDomain
	case BlockNXDomain, BlockRefused:
	case BlockSinkhole:
		if len(opts.SinkholeTargets) == 0 {
			return nil, errors.New("sinkhole strategy requires at least one target address")
		}
	default:
		return nil, fmt.Errorf("unknown block strategy %q", r.blockStrategy)
	}
	for _, t := range opts.SinkholeTargets {
		if v4, err := rrdata.Encode(domain.RRTypeA, t); err == nil {
			r.sinkholeV4 = append(r.sinkholeV4, v4)
			continue
		}
		v6, err := rrdata.Encode(domain.RRTypeAAAA, t)
		if err != nil {
			return nil, fmt.Errorf("invalid sinkhole target %q: %w", t, err)
		}
		r.sinkholeV6 = append(r.sinkholeV6, v6)
	}
	return r, nil
}

// HandleQuery answers q. DNS-level failures (upstream errors, rewrite loops)
// produce a SERVFAIL reply together with the cause. A query whose deadline
// expires is abandoned: the returned message is empty and must not be sent.
func (r *Resolver) HandleQuery(ctx context.Context, q domain.Query) (domain.Message, error) {
	ctx, span := r.tracer.Start(ctx, "handle_request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("dns.question.name", q.Name),
			attribute.String("dns.question.type", q.Type.String()),
			attribute.String("client.address", q.Client()),
		))
	defer span.End()

	if r.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
	}

	resp, err := r.resolve(ctx, q)
	if err == nil {
		span.SetAttributes(attribute.String("dns.response.code", resp.Header.RCode.String()))
		return resp, nil
	}
	span.RecordError(err)
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "query abandoned")
		r.logger.Debug(map[string]any{
			"query":  q.Question.String(),
			"client": q.Client(),
			"error":  err.Error(),
		}, "Query abandoned at deadline")
		return domain.Message{}, fmt.Errorf("%w: query abandoned: %w", domain.ErrTimeout, ctx.Err())
	}
	fields := map[string]any{
		"query":  q.Question.String(),
		"client": q.Client(),
		"error":  err.Error(),
	}
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("dns.response.code", domain.RCodeServFail.String()))
	if errors.Is(err, domain.ErrRewriteLoopDetected) {
		r.logger.Error(fields, "Rewrite chain failed")
	} else {
		r.logger.Warn(fields, "Upstream resolution failed")
	}
	return domain.NewReply(q, domain.RCodeServFail, r.udpSize), err
}

func (r *Resolver) resolve(ctx context.Context, q domain.Query) (domain.Message, error) {
	chain := newRewriteChain(q)
	for {
		d := r.rules.Evaluate(chain.current)
		switch d.Action {
		case domain.RuleActionBlock:
			trace.SpanFromContext(ctx).AddEvent("blocked", trace.WithAttributes(
				attribute.String("rule", d.Rule),
				attribute.String("source", d.Source),
			))
			return r.blocked(q, chain, d), nil
		case domain.RuleActionRewrite:
			if err := r.follow(chain, d); err != nil {
				return domain.Message{}, err
			}
			continue
		}
		break
	}

	ans, err := r.lookup(ctx, chain.current)
	if err != nil {
		return domain.Message{}, err
	}
	return r.assemble(q, chain.cnames, ans), nil
}

// lookup answers q from the cache, or from the upstream with concurrent
// misses for the same key sharing one upstream request. The request runs
// detached from ctx so an abandoned query still fills the cache.
func (r *Resolver) lookup(ctx context.Context, q domain.Query) (domain.Message, error) {
	key := q.CacheKey()
	span := trace.SpanFromContext(ctx)
	if msg, ok := r.cache.Get(key); ok {
		span.SetAttributes(attribute.Bool("dns.cache.hit", true))
		r.logger.Debug(map[string]any{"key": key}, "Cache hit")
		return msg, nil
	}
	span.SetAttributes(attribute.Bool("dns.cache.hit", false))

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(detached, r.upstreamTimeout)
		defer cancel()
		msg, err := r.upstream.Forward(fctx, q)
		if err != nil {
			return nil, err
		}
		if ttl, ok := r.cache.Store(key, msg); ok {
			r.logger.Debug(map[string]any{"key": key, "ttl": ttl.String()}, "Answer cached")
		}
		return msg, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Message{}, res.Err
		}
		if res.Shared {
			r.logger.Debug(map[string]any{"key": key}, "Coalesced upstream request")
		}
		return res.Val.(domain.Message).Clone(), nil
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}

// assemble builds the client reply from an upstream or cached answer,
// prefixing any synthesized rewrite CNAMEs.
func (r *Resolver) assemble(q domain.Query, cnames []domain.ResourceRecord, ans domain.Message) domain.Message {
	out := domain.NewReply(q, ans.Header.RCode, r.udpSize)
	out.Header.AuthenticData = ans.Header.AuthenticData
	out.Answers = append(slices.Clone(cnames), ans.Answers...)
	out.Authority = ans.Authority
	out.Additional = append(ans.WithoutOPT().Additional, out.Additional...)
	return out
}

// blocked synthesizes the reply for a blocked query without contacting upstream.
func (r *Resolver) blocked(q domain.Query, chain *rewriteChain, d domain.Decision) domain.Message {
	r.logger.Info(map[string]any{
		"query":    q.Question.String(),
		"name":     chain.current.Name,
		"client":   q.Client(),
		"rule":     d.Rule,
		"source":   d.Source,
		"strategy": string(r.blockStrategy),
	}, "Query blocked")

	switch r.blockStrategy {
	case BlockRefused:
		return domain.NewReply(q, domain.RCodeRefused, r.udpSize)
	case BlockSinkhole:
		out := domain.NewReply(q, domain.RCodeNoError, r.udpSize)
		out.Answers = slices.Clone(chain.cnames)
		var addrs [][]byte
		switch chain.current.Type {
		case domain.RRTypeA:
			addrs = r.sinkholeV4
		case domain.RRTypeAAAA:
			addrs = r.sinkholeV6
		}
		for _, a := range addrs {
			out.Answers = append(out.Answers, domain.ResourceRecord{
				Name:  utils.CanonicalDNSName(chain.current.Name),
				Type:  chain.current.Type,
				Class: chain.current.Class,
				TTL:   r.sinkholeTTL,
				Data:  a,
			})
		}
		return out
	}
	out := domain.NewReply(q, domain.RCodeNXDomain, r.udpSize)
	out.Answers = slices.Clone(chain.cnames)
	return out
}

type allowAll struct{}

func (allowAll) Evaluate(domain.Query) domain.Decision { return domain.AllowDecision() }

type noCache struct{}

func (noCache) Get(string) (domain.Message, bool)                  { return domain.Message{}, false }
func (noCache) Store(string, domain.Message) (time.Duration, bool) { return 0, false }
func (noCache) Len() int                                           { return 0 }

var _ DNSResponder = (*Resolver)(nil)
