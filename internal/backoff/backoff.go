// Package backoff implements the retry policy for the sync dispatcher as a
// pure function of the attempt count. Keeping the timing math free of I/O and
// clocks means the policy is unit-testable without driving the dispatcher
// loop with fakes.
//
// The policy is exponential backoff with full jitter: attempt n sleeps a
// uniformly random duration in [0, min(base*2^(n-1), cap)]. Jitter prevents
// reconnecting clients from retrying in lockstep against a recovering
// backend.
package backoff

import (
	"math/rand"
	"time"
)

// Default policy bounds.
const (
	DefaultBase        = 1 * time.Second
	DefaultCap         = 60 * time.Second
	DefaultMaxAttempts = 5
)

// Policy computes retry delays and the terminal-failure threshold for a
// mutation. The zero value is not usable; construct with Default or fill all
// fields explicitly.
type Policy struct {
	// Base is the upper bound of the first attempt's delay.
	Base time.Duration
	// Cap bounds the exponential growth.
	Cap time.Duration
	// MaxAttempts is the attempt ceiling after which a mutation is terminal.
	MaxAttempts int

	// Rand returns a non-negative pseudo-random number in [0,n). Tests may
	// replace it to make delays deterministic; nil uses math/rand.
	Rand func(n int64) int64
}

// Default returns the standard policy: base 1s, cap 60s, 5 attempts.
func Default() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, MaxAttempts: DefaultMaxAttempts}
}

// NextDelay returns the backoff delay to wait before retrying after the
// given number of completed attempts. Attempts below 1 are treated as 1.
func (p Policy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	ceil := p.Base
	for i := 1; i < attempts; i++ {
		ceil *= 2
		if ceil >= p.Cap {
			ceil = p.Cap
			break
		}
	}
	if ceil > p.Cap {
		ceil = p.Cap
	}
	if ceil <= 0 {
		return 0
	}
	intn := p.Rand
	if intn == nil {
		intn = rand.Int63n
	}
	return time.Duration(intn(int64(ceil)))
}

// Exhausted reports whether the retry budget is spent after the given number
// of completed attempts.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
