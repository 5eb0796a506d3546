package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type BreakerSuite struct {
	suite.Suite
	clock time.Time
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

func (s *BreakerSuite) newBreaker(threshold int, cooldown time.Duration) *breaker {
	s.clock = time.Unix(1000, 0)
	b := newBreaker(threshold, cooldown)
	b.now = func() time.Time { return s.clock }
	return b
}

func (s *BreakerSuite) advance(d time.Duration) {
	s.clock = s.clock.Add(d)
}

func (s *BreakerSuite) TestStateTransitions() {
	s.Run("stays closed below the failure threshold", func() {
		b := s.newBreaker(3, time.Minute)
		b.RecordFailure()
		b.RecordFailure()
		s.True(b.Allow())
	})

	s.Run("success resets the failure count", func() {
		b := s.newBreaker(3, time.Minute)
		b.RecordFailure()
		b.RecordFailure()
		b.RecordSuccess()
		b.RecordFailure()
		b.RecordFailure()
		s.True(b.Allow())
	})

	s.Run("opens at the threshold and fails fast", func() {
		b := s.newBreaker(2, time.Minute)
		b.RecordFailure()
		b.RecordFailure()
		s.False(b.Allow())
	})

	s.Run("allows a single probe after the cooldown", func() {
		b := s.newBreaker(1, time.Minute)
		b.RecordFailure()
		s.False(b.Allow())

		s.advance(2 * time.Minute)
		s.True(b.Allow(), "first caller after cooldown probes")
		s.False(b.Allow(), "only one probe at a time")
	})

	s.Run("successful probe closes the circuit", func() {
		b := s.newBreaker(1, time.Minute)
		b.RecordFailure()
		s.advance(2 * time.Minute)
		s.True(b.Allow())
		b.RecordSuccess()
		s.True(b.Allow())
		s.True(b.Allow())
	})

	s.Run("failed probe restarts the cooldown", func() {
		b := s.newBreaker(1, time.Minute)
		b.RecordFailure()
		s.advance(2 * time.Minute)
		s.True(b.Allow())
		b.RecordFailure()

		s.False(b.Allow())
		s.advance(30 * time.Second)
		s.False(b.Allow())
		s.advance(31 * time.Second)
		s.True(b.Allow())
	})
}

func (s *BreakerSuite) TestBreakerSet() {
	set := newBreakerSet(1, time.Minute)
	a := set.ForTarget("http://reports:8080")
	b := set.ForTarget("http://users:8080")

	a.RecordFailure()
	s.False(a.Allow())
	s.True(b.Allow(), "targets trip independently")
	s.Same(a, set.ForTarget("http://reports:8080"))
}
