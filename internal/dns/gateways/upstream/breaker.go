package upstream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/rr-proxy/internal/dns/common/clock"
	"github.com/haukened/rr-proxy/internal/dns/domain"
)

// breaker is a per-target circuit breaker.
//
//	Healthy  --failure--> Degraded --N consecutive failures--> Unhealthy
//	Unhealthy --cooldown elapsed--> one trial admitted
//	any state --success--> Healthy
//
// The failure counter is atomic so status snapshots never block queries;
// state transitions are serialized by mu.
type breaker struct {
	threshold int32
	cooldown  time.Duration
	clock     clock.Clock

	failures atomic.Int32

	mu          sync.Mutex
	state       domain.Health
	lastFailure time.Time
	inTrial     bool
}

func newBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &breaker{threshold: int32(threshold), cooldown: cooldown, clock: clk}
}

// allow reports whether a request may be sent and whether that admission is
// the trial. An unhealthy target admits a single trial once the cooldown has
// elapsed; further requests are refused until the trial reports back.
func (b *breaker) allow() (admitted, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != domain.Unhealthy {
		return true, false
	}
	if b.inTrial || b.clock.Now().Before(b.lastFailure.Add(b.cooldown)) {
		return false, false
	}
	b.inTrial = true
	return true, true
}

// success closes the breaker. It returns the state it left.
func (b *breaker) success() domain.Health {
	b.failures.Store(0)
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.state
	b.state = domain.Healthy
	b.inTrial = false
	return prev
}

// failure records a failed exchange and returns the resulting state. Only
// the trial's own failure frees the trial slot.
func (b *breaker) failure(trial bool) domain.Health {
	n := b.failures.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.clock.Now()
	if trial {
		b.inTrial = false
	}
	if n >= b.threshold {
		b.state = domain.Unhealthy
	} else {
		b.state = domain.Degraded
	}
	return b.state
}

// release gives back an admission that ended without a verdict, e.g. when
// the caller's deadline expired or the target was rate limited. Releasing a
// non-trial admission leaves an in-flight trial alone.
func (b *breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.inTrial = false
	b.mu.Unlock()
}

func (b *breaker) snapshot() (domain.Health, int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, int(b.failures.Load()), b.lastFailure
}
