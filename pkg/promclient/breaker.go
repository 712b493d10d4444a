package promclient

import "time"

// BreakerState is a snapshot of the circuit breaker
type BreakerState struct {
	Open                bool      `json:"open"`
	OpenSince           time.Time `json:"open_since,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// breaker counts consecutive failed attempts. It has no lock of its own and
// is only touched under Client.mu together with the pool.
type breaker struct {
	threshold int
	cooldown  time.Duration

	open     bool
	openedAt time.Time
	failures int
}

// allow closes an expired breaker and reports whether a call may proceed.
// closed is true when this call performed the OPEN to CLOSED transition.
func (b *breaker) allow(now time.Time) (ok bool, closed bool) {
	if !b.open {
		return true, false
	}
	if now.Sub(b.openedAt) >= b.cooldown {
		b.open = false
		b.failures = 0
		return true, true
	}
	return false, false
}

// failure records one failed attempt and reports whether it tripped the breaker
func (b *breaker) failure(now time.Time) (tripped bool) {
	b.failures++
	if !b.open && b.failures >= b.threshold {
		b.open = true
		b.openedAt = now
		return true
	}
	return false
}

// success resets the counter and reports whether the breaker was open
func (b *breaker) success() (wasOpen bool) {
	wasOpen = b.open
	b.failures = 0
	b.open = false
	return wasOpen
}

func (b *breaker) state() BreakerState {
	s := BreakerState{Open: b.open, ConsecutiveFailures: b.failures}
	if b.open {
		s.OpenSince = b.openedAt
	}
	return s
}
