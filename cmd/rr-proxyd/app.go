package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/config"
	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/gateways/transport"
	"github.com/haukened/rr-proxy/internal/dns/gateways/upstream"
	"github.com/haukened/rr-proxy/internal/dns/gateways/wire"
	"github.com/haukened/rr-proxy/internal/dns/repos/blocklist"
	"github.com/haukened/rr-proxy/internal/dns/repos/blocklist/bloom"
	"github.com/haukened/rr-proxy/internal/dns/repos/blocklist/bolt"
	"github.com/haukened/rr-proxy/internal/dns/repos/blocklist/lru"
	"github.com/haukened/rr-proxy/internal/dns/repos/dnscache"
	"github.com/haukened/rr-proxy/internal/dns/repos/rules"
	"github.com/haukened/rr-proxy/internal/dns/services/resolver"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	blocklistFPRate        = 0.01
)

// sweeper is implemented by caches that can evict expired entries in the background.
type sweeper interface {
	Run(ctx context.Context, interval time.Duration)
}

// enabled reports whether the configuration turns on a listener network.
func enabled(cfg *config.AppConfig, network transport.TransportType) bool {
	switch network {
	case transport.TransportUDP:
		return cfg.Listen.UDP
	case transport.TransportTCP:
		return cfg.Listen.TCP
	}
	return false
}

type listener struct {
	network transport.TransportType
	server  resolver.ServerTransport
}

// Application holds all the components of the proxy
type Application struct {
	config    *config.AppConfig
	listeners []listener
	resolver  *resolver.Resolver
	upstream  *upstream.Pool
	cache     resolver.Cache
	blocklist blocklist.Repository
	sweeper   sweeper
	closers   []io.Closer
}

// buildApplication constructs all components and wires them together. Spans
// from the resolver and the upstream pool go to tp.
func buildApplication(cfg *config.AppConfig, tp trace.TracerProvider) (*Application, error) {
	logger := log.GetLogger()
	codec := wire.NewCodec(logger)
	app := &Application{config: cfg}

	// Build repository layer
	cache, err := app.buildCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build response cache: %w", err)
	}
	app.cache = cache
	engine, err := app.buildRules(cfg, logger)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to build rules: %w", err)
	}

	// Build gateway layer
	pool, err := upstream.NewPool(upstream.Options{
		Servers:          cfg.Upstream.Servers,
		Strategy:         upstream.Strategy(cfg.Upstream.Strategy),
		Timeout:          cfg.Upstream.Timeout,
		AttemptTimeout:   cfg.Upstream.AttemptTimeout,
		FailureThreshold: cfg.Upstream.FailureThreshold,
		Cooldown:         cfg.Upstream.Cooldown,
		QPS:              cfg.Upstream.QPS,
		UDPSize:          uint16(cfg.Upstream.UDPSize),
		Codec:            codec,
		Logger:           logger,
		TracerProvider:   tp,
	})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to create upstream pool: %w", err)
	}
	app.upstream = pool
	log.Info(map[string]any{
		"servers":  cfg.Upstream.Servers,
		"strategy": cfg.Upstream.Strategy,
		"timeout":  cfg.Upstream.Timeout.String(),
	}, "Upstream DNS pool configured")

	// Build service layer
	app.resolver, err = resolver.NewResolver(resolver.ResolverOptions{
		Rules:           engine,
		Cache:           cache,
		Upstream:        pool,
		Logger:          logger,
		QueryTimeout:    cfg.Listen.QueryTimeout,
		UpstreamTimeout: cfg.Upstream.Timeout,
		MaxRewrites:     cfg.Rules.MaxRewrites,
		RewriteTTL:      cfg.Rules.RewriteTTL,
		UDPSize:         uint16(cfg.Listen.MaxUDPSize),
		BlockStrategy:   resolver.BlockStrategy(cfg.Blocklist.Strategy),
		SinkholeTargets: cfg.Blocklist.Sinkhole.Targets,
		SinkholeTTL:     cfg.Blocklist.Sinkhole.TTL,
		TracerProvider:  tp,
	})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	// Build transport layer
	for _, addr := range cfg.Listen.Addresses {
		for _, network := range transport.GetSupportedTransports() {
			if !enabled(cfg, network) {
				continue
			}
			t, err := transport.NewTransport(network, transport.Options{
				Address:     addr,
				Codec:       codec,
				Logger:      logger,
				MaxUDPSize:  cfg.Listen.MaxUDPSize,
				Workers:     cfg.Listen.Workers,
				IdleTimeout: cfg.Listen.TCPIdleTimeout,
				RateLimit:   cfg.Listen.RateLimit,
				RateBurst:   cfg.Listen.RateBurst,
			})
			if err != nil {
				app.close()
				return nil, err
			}
			app.listeners = append(app.listeners, listener{network: network, server: t})
		}
	}

	return app, nil
}

func (app *Application) buildCache(cfg *config.AppConfig) (resolver.Cache, error) {
	if !cfg.Cache.Enabled {
		log.Info(map[string]any{"disabled": true}, "DNS response caching disabled")
		return dnscache.NewDisabled(), nil
	}
	c, err := dnscache.New(dnscache.Options{
		Size:        cfg.Cache.Size,
		MinTTL:      cfg.Cache.MinTTL,
		MaxTTL:      cfg.Cache.MaxTTL,
		NegativeTTL: cfg.Cache.NegativeTTL,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Cache.SweepInterval > 0 {
		app.sweeper = c
	}
	log.Info(map[string]any{
		"type":    "LRU",
		"size":    cfg.Cache.Size,
		"max_ttl": cfg.Cache.MaxTTL.String(),
	}, "DNS response cache configured")
	return c, nil
}

// buildRules loads the explicit rule list and, when a list directory is
// configured, indexes the block lists into the bolt store.
func (app *Application) buildRules(cfg *config.AppConfig, logger log.Logger) (*rules.Engine, error) {
	var ruleList []domain.Rule
	if cfg.Rules.File != "" {
		var err error
		ruleList, err = rules.LoadFile(cfg.Rules.File)
		if err != nil {
			return nil, err
		}
		log.Info(map[string]any{
			"file":  cfg.Rules.File,
			"rules": len(ruleList),
		}, "Rules loaded")
	}

	repo, err := app.buildBlocklist(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.blocklist = repo
	return rules.NewEngine(ruleList, repo, logger), nil
}

func (app *Application) buildBlocklist(cfg *config.AppConfig, logger log.Logger) (blocklist.Repository, error) {
	if cfg.Blocklist.Directory == "" {
		return blocklist.NoopRepository{}, nil
	}

	now := time.Now()
	entries, err := blocklist.LoadDir(cfg.Blocklist.Directory, logger, now)
	if err != nil {
		return nil, err
	}
	store, err := bolt.New(cfg.Blocklist.DB)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, store)

	decisions, err := lru.New(cfg.Blocklist.CacheSize)
	if err != nil {
		return nil, err
	}
	repo := blocklist.NewRepository(store, decisions, bloom.NewFactory(), blocklistFPRate, logger)
	if err := repo.UpdateAll(entries, uint64(now.Unix()), now.Unix()); err != nil {
		return nil, fmt.Errorf("failed to index block lists: %w", err)
	}
	return repo, nil
}

// Run starts every listener and blocks until ctx is cancelled. A listener
// that fails to bind aborts startup.
func (app *Application) Run(ctx context.Context) error {
	for i, l := range app.listeners {
		if err := l.server.Start(ctx, app.resolver); err != nil {
			for _, started := range app.listeners[:i] {
				_ = started.server.Stop()
			}
			app.close()
			return fmt.Errorf("failed to start %s transport: %w", l.network, err)
		}
		log.Info(map[string]any{
			"address":   l.server.Address(),
			"transport": string(l.network),
		}, "DNS server started")
	}

	if app.sweeper != nil {
		go app.sweeper.Run(ctx, app.config.Cache.SweepInterval)
	}

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info(nil, "Shutdown initiated")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, l := range app.listeners {
			if err := l.server.Stop(); err != nil {
				log.Warn(map[string]any{
					"transport": string(l.network),
					"error":     err.Error(),
				}, "Error during transport shutdown")
			}
		}
		app.logUpstreamStatus()
		app.logStats()
		app.close()
	}()

	select {
	case <-done:
		log.Info(nil, "Graceful shutdown completed")
		return nil
	case <-time.After(defaultShutdownTimeout):
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout.String()}, "Shutdown timeout exceeded")
		return errors.New("shutdown timeout")
	}
}

// addresses returns the bound addresses of the listeners of one network.
func (app *Application) addresses(network transport.TransportType) []string {
	var out []string
	for _, l := range app.listeners {
		if l.network == network {
			out = append(out, l.server.Address())
		}
	}
	return out
}

func (app *Application) logUpstreamStatus() {
	if app.upstream == nil {
		return
	}
	for _, s := range app.upstream.Status() {
		log.Info(map[string]any{
			"target":   s.Target.String(),
			"health":   s.Health.String(),
			"failures": s.Failures,
		}, "Upstream status")
	}
}

// logStats reports cache and block list counters. Call it before close.
func (app *Application) logStats() {
	if app.cache != nil {
		log.Info(map[string]any{"entries": app.cache.Len()}, "DNS response cache stats")
	}
	if app.blocklist == nil {
		return
	}
	st := app.blocklist.Stats()
	log.Info(map[string]any{
		"version":          st.Store.Version,
		"exact_keys":       st.Store.ExactKeys,
		"suffix_keys":      st.Store.SuffixKeys,
		"bloom_skips":      st.BloomSkips,
		"decision_hits":    st.Cache.Hits,
		"decision_misses":  st.Cache.Misses,
		"decision_entries": st.Cache.Size,
	}, "Blocklist stats")
}

func (app *Application) close() {
	for _, c := range app.closers {
		if err := c.Close(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error closing store")
		}
	}
	app.closers = nil
}
