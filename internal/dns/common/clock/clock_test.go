package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

func TestRealClock_Now(t *testing.T) {
	before := time.Now()
	now := RealClock{}.Now()
	after := time.Now()

	assert.False(t, now.Before(before))
	assert.False(t, now.After(after))
}

func TestMockClock_Advance(t *testing.T) {
	c := &MockClock{CurrentTime: epoch}
	assert.Equal(t, epoch, c.Now())
	assert.Equal(t, c.Now(), c.Now(), "time stands still until advanced")

	steps := []struct {
		name string
		d    time.Duration
		want time.Time
	}{
		{"zero", 0, epoch},
		{"one hour", time.Hour, epoch.Add(time.Hour)},
		{"backwards", -30 * time.Minute, epoch.Add(30 * time.Minute)},
		{"microsecond", time.Microsecond, epoch.Add(30*time.Minute + time.Microsecond)},
	}
	for _, s := range steps {
		t.Run(s.name, func(t *testing.T) {
			c.Advance(s.d)
			assert.Equal(t, s.want, c.Now())
		})
	}
}

// Cache entries and breaker cooldowns compare a stored deadline against Now,
// and tests rewind the clock with Set to check several points in time.
func TestMockClock_DeadlineChecks(t *testing.T) {
	c := &MockClock{CurrentTime: epoch}
	deadline := c.Now().Add(300 * time.Second)

	points := []struct {
		name    string
		offset  time.Duration
		expired bool
	}{
		{"fresh", 0, false},
		{"just before", 299 * time.Second, false},
		{"at deadline", 300 * time.Second, true},
		{"after", 301 * time.Second, true},
	}
	for _, p := range points {
		t.Run(p.name, func(t *testing.T) {
			c.Set(epoch)
			c.Advance(p.offset)
			assert.Equal(t, p.expired, !c.Now().Before(deadline))
		})
	}
}

func TestMockClock_ConcurrentAdvance(t *testing.T) {
	c := &MockClock{CurrentTime: epoch}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, epoch.Add(50*time.Second), c.Now())
}

func TestClock_InterfaceCompliance(t *testing.T) {
	var _ Clock = RealClock{}
	var _ Clock = &MockClock{}
}
