package guard

import (
	"sync"
	"time"

	"github.com/AfshinJalili/artvault/services/abuse/internal/clock"
)

// Breaker stops detectors from hitting an unavailable store. While open every
// hook fails open without a round-trip. After the cool-down it is half-open:
// the first failure reopens it, the first success closes it.
type Breaker struct {
	mu          sync.Mutex
	clock       clock.Clock
	failures    int
	threshold   int
	openedUntil time.Time
	cooldown    time.Duration
	halfOpen    bool
}

func NewBreaker(threshold int, cooldown time.Duration, c clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if c == nil {
		c = clock.System{}
	}
	return &Breaker{
		clock:     c,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedUntil.IsZero() {
		return true
	}
	if b.clock.Now().After(b.openedUntil) {
		b.openedUntil = time.Time{}
		b.failures = 0
		b.halfOpen = true
		return true
	}
	return false
}

// Open reports whether detectors are currently being skipped.
func (b *Breaker) Open() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openedUntil.IsZero() && !b.clock.Now().After(b.openedUntil)
}

func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedUntil = time.Time{}
	b.halfOpen = false
}

func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.halfOpen || b.failures >= b.threshold {
		b.openedUntil = b.clock.Now().Add(b.cooldown)
		b.halfOpen = false
	}
}
