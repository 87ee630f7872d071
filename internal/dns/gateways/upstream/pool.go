package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/haukened/rr-proxy/internal/dns/common/clock"
	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/gateways/wire"
	"github.com/haukened/rr-proxy/internal/dns/services/resolver"
)

// Error message constants for consistent error handling
const (
	errNoServersProvided = "no upstream DNS servers provided"
	errCodecRequired     = "DNS codec is required"
	errAllServersFailed  = "all %d upstream servers failed"
	errFailedToConnect   = "failed to connect: %w"
	errEncodeFailed      = "encode failed: %w"
	errWriteFailed       = "write failed: %w"
	errReadFailed        = "read failed: %w"
)

const tracerName = "github.com/haukened/rr-proxy/internal/dns/gateways/upstream"

// Strategy selects the order in which targets are tried.
type Strategy string

const (
	// StrategyPriority always starts with the first configured target.
	StrategyPriority Strategy = "priority"
	// StrategyRoundRobin rotates the starting target on every query.
	StrategyRoundRobin Strategy = "round_robin"
)

// DialFunc defines a function type for establishing a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options defines configuration parameters for the upstream pool.
type Options struct {
	Servers  []string
	Strategy Strategy
	// Timeout bounds a Forward call whose context has no deadline.
	Timeout time.Duration
	// AttemptTimeout bounds a single exchange with one target.
	AttemptTimeout time.Duration
	// FailureThreshold consecutive failures mark a target unhealthy for Cooldown.
	FailureThreshold int
	Cooldown         time.Duration
	// QPS caps queries per second to each target; zero disables the limit.
	QPS float64
	// UDPSize is the EDNS payload size advertised upstream; zero sends no OPT.
	UDPSize uint16

	// options to inject for testing purposes
	Codec  wire.DNSCodec
	Dial   DialFunc
	Clock          clock.Clock
	Logger         log.Logger
	NewID          func() uint16
	TracerProvider trace.TracerProvider
}

type target struct {
	domain.UpstreamTarget
	breaker *breaker
	limiter *rate.Limiter
}

// Pool forwards queries to a set of upstream resolvers with failover and
// per-target circuit breaking.
type Pool struct {
	targets        []*target
	strategy       Strategy
	timeout        time.Duration
	attemptTimeout time.Duration
	udpSize        uint16
	codec          wire.DNSCodec
	dial           DialFunc
	logger         log.Logger
	tracer         trace.Tracer
	newID          func() uint16
	next           atomic.Uint32
}

// TargetStatus is a point-in-time view of one target's breaker.
type TargetStatus struct {
	Target      domain.UpstreamTarget
	Health      domain.Health
	Failures    int
	LastFailure time.Time
}

// NewPool validates opts and builds a Pool. Unset options fall back to a 5s
// overall timeout, 2s per attempt, 3 failures and a 30s cooldown.
func NewPool(opts Options) (*Pool, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New(errNoServersProvided)
	}
	if opts.Codec == nil {
		return nil, errors.New(errCodecRequired)
	}
	switch opts.Strategy {
	case "":
		opts.Strategy = StrategyPriority
	case StrategyPriority, StrategyRoundRobin:
	default:
		return nil, fmt.Errorf("unknown upstream strategy %q", opts.Strategy)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.NewID == nil {
		opts.NewID = func() uint16 { return uint16(rand.Uint32()) }
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	p := &Pool{
		strategy:       opts.Strategy,
		timeout:        opts.Timeout,
		attemptTimeout: opts.AttemptTimeout,
		udpSize:        opts.UDPSize,
		codec:          opts.Codec,
		dial:           opts.Dial,
		logger:         opts.Logger,
		tracer:         opts.TracerProvider.Tracer(tracerName),
		newID:          opts.NewID,
	}
	for _, s := range opts.Servers {
		ut, err := domain.ParseUpstreamTarget(s)
		if err != nil {
			return nil, err
		}
		t := &target{
			UpstreamTarget: ut,
			breaker:        newBreaker(opts.FailureThreshold, opts.Cooldown, opts.Clock),
		}
		if opts.QPS > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(opts.QPS), max(1, int(opts.QPS)))
		}
		p.targets = append(p.targets, t)
	}
	return p, nil
}

// ensureContextDeadline ensures the context has a deadline, adding the pool's default timeout if needed.
func (p *Pool) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, p.timeout)
	}
	return ctx, func() {}
}

// order returns the targets in the sequence this query should try them.
func (p *Pool) order() []*target {
	if p.strategy != StrategyRoundRobin || len(p.targets) < 2 {
		return p.targets
	}
	start := int((p.next.Add(1) - 1) % uint32(len(p.targets)))
	out := make([]*target, 0, len(p.targets))
	out = append(out, p.targets[start:]...)
	return append(out, p.targets[:start]...)
}

// Forward sends q to the first admitted target and fails over to the next on
// error until one answers, every target has been tried, or ctx expires.
func (p *Pool) Forward(ctx context.Context, q domain.Query) (domain.Message, error) {
	ctx, span := p.tracer.Start(ctx, "upstream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dns.question.name", q.Name),
			attribute.String("dns.question.type", q.Type.String()),
		))
	defer span.End()

	resp, err := p.forward(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (p *Pool) forward(ctx context.Context, q domain.Query) (domain.Message, error) {
	span := trace.SpanFromContext(ctx)
	ctx, cancel := p.ensureContextDeadline(ctx)
	defer cancel()

	var (
		errs      []string
		lastErr   error
		attempted int
	)
	for _, t := range p.order() {
		if ctx.Err() != nil {
			break
		}
		admitted, trial := t.breaker.allow()
		if !admitted {
			continue
		}
		if t.limiter != nil && !t.limiter.Allow() {
			t.breaker.release(trial)
			continue
		}
		attempted++

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, p.attemptTimeout)
		resp, err := p.exchange(attemptCtx, t, q)
		cancelAttempt()
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.String("server.address", t.String()),
			attribute.Bool("success", err == nil),
		))
		if err == nil {
			span.SetAttributes(
				attribute.String("server.address", t.String()),
				attribute.Int("dns.upstream.attempts", attempted),
			)
			if prev := t.breaker.success(); prev != domain.Healthy {
				p.logger.Info(map[string]any{"server": t.String(), "previous": prev.String()}, "Upstream recovered")
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			// the caller's deadline, not the target, ended this attempt
			t.breaker.release(trial)
			lastErr = err
			break
		}

		state := t.breaker.failure(trial)
		fields := map[string]any{
			"server": t.String(),
			"query":  q.Question.String(),
			"error":  err.Error(),
			"health": state.String(),
		}
		if state == domain.Unhealthy {
			p.logger.Warn(fields, "Upstream marked unhealthy")
		} else {
			p.logger.Debug(fields, "Upstream attempt failed")
		}
		errs = append(errs, fmt.Sprintf("%s: %v", t.String(), err))
		lastErr = err
	}

	switch {
	case ctx.Err() != nil:
		return domain.Message{}, fmt.Errorf("%w: no answer before deadline", domain.ErrTimeout)
	case attempted == 0:
		return domain.Message{}, fmt.Errorf("%w: all %d targets unavailable", domain.ErrUpstreamUnreachable, len(p.targets))
	}
	return domain.Message{}, fmt.Errorf(errAllServersFailed+" [%s]: %w", attempted, strings.Join(errs, "; "), lastErr)
}

// Status returns a snapshot of every target's breaker state.
func (p *Pool) Status() []TargetStatus {
	out := make([]TargetStatus, 0, len(p.targets))
	for _, t := range p.targets {
		h, n, last := t.breaker.snapshot()
		out = append(out, TargetStatus{Target: t.UpstreamTarget, Health: h, Failures: n, LastFailure: last})
	}
	return out
}

var _ resolver.UpstreamClient = (*Pool)(nil)
