// Package backoff holds exponential retry state advanced by a single
// scheduling loop.
package backoff

import "time"

// Policy doubles the delay from Base on every failure, capped at Max.
// MaxAttempts is the visible-retry cap; zero means never stall.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy is used when a config leaves the queue section empty.
var DefaultPolicy = Policy{
	Base:        time.Second,
	Max:         30 * time.Second,
	MaxAttempts: 5,
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// State tracks one retry sequence.
type State struct {
	Attempt   int
	NextDelay time.Duration
}

// Fail records a failed attempt and returns the delay before the next one.
// stalled is true once the policy's attempt cap is reached.
func (s *State) Fail(p Policy) (delay time.Duration, stalled bool) {
	s.Attempt++
	s.NextDelay = p.Delay(s.Attempt)
	return s.NextDelay, p.MaxAttempts > 0 && s.Attempt >= p.MaxAttempts
}

// Reset starts a fresh sequence.
func (s *State) Reset() {
	s.Attempt = 0
	s.NextDelay = 0
}
