package proxy

import (
	"sync"
	"time"
)

// breaker tracks consecutive connection failures for one backend target:
// - Open the circuit after N consecutive failures; while open, fail fast.
// - After the cool-down, let a single probe request through (half-open).
// - A successful probe closes the circuit; a failed probe reopens it.
type breaker struct {
	mu               sync.Mutex
	state            circuitState
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	probing          bool

	now func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
)

func newBreaker(failureThreshold int, cooldown time.Duration) *breaker {
	return &breaker{
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Allow reports whether a request may be sent to the target.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == circuitClosed {
		return true
	}
	if b.probing || b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.probing = true
	return true
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = circuitClosed
	b.failureCount = 0
	b.probing = false
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	if b.state == circuitOpen {
		// Failed probe: restart the cool-down.
		b.openedAt = b.now()
		b.probing = false
		return
	}
	if b.failureCount >= b.failureThreshold {
		b.state = circuitOpen
		b.openedAt = b.now()
	}
}

// breakerSet keys breakers by backend target address.
type breakerSet struct {
	mu               sync.Mutex
	breakers         map[string]*breaker
	failureThreshold int
	cooldown         time.Duration
}

func newBreakerSet(failureThreshold int, cooldown time.Duration) *breakerSet {
	return &breakerSet{
		breakers:         make(map[string]*breaker),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

func (s *breakerSet) ForTarget(target string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[target]
	if !ok {
		b = newBreaker(s.failureThreshold, s.cooldown)
		s.breakers[target] = b
	}
	return b
}
