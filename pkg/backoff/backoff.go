// Package backoff provides the bounded exponential backoff policy shared by
// the client transport and the session gateway. Both tiers run the identical
// delay schedule — min(base·2^(attempt-1), max) with a hard attempt cap — so
// reconnection behaviour is provable from one implementation.
package backoff

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBudgetExhausted is returned by [Retrier.Wait] once the attempt budget
// is spent. The caller must treat the failure as terminal.
var ErrBudgetExhausted = errors.New("backoff: attempt budget exhausted")

// Default policy parameters.
const (
	DefaultBase        = 1 * time.Second
	DefaultMax         = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// Base is the delay before the first retry. Doubles each attempt.
	// Defaults to 1s if zero.
	Base time.Duration

	// Max caps the per-attempt delay. Defaults to 30s if zero.
	Max time.Duration

	// MaxAttempts is the hard cap on retry attempts. Defaults to 5 if zero.
	MaxAttempts int
}

// withDefaults returns a copy of p with zero fields replaced by defaults.
func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Delay returns the wait before the given 1-based attempt:
// min(Base·2^(attempt-1), Max). Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Retrier tracks retry attempts against a [Policy]. The attempt counter is
// externally observable so the cap is provably enforced rather than implicit
// in call-stack depth.
//
// A Retrier is safe for concurrent use: one reconnection loop drives [Wait]
// while other goroutines read the counter or [Reset] it after a successful
// connect.
type Retrier struct {
	mu      sync.Mutex
	policy  Policy
	attempt int
}

// NewRetrier creates a [Retrier] for the given policy.
func NewRetrier(p Policy) *Retrier {
	return &Retrier{policy: p.withDefaults()}
}

// Attempt returns the number of attempts consumed so far.
func (r *Retrier) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Remaining returns how many attempts are left in the budget.
func (r *Retrier) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy.MaxAttempts - r.attempt
}

// Reset clears the attempt counter. Call after a successful (re)connection.
func (r *Retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
}

// Wait consumes one attempt and blocks for its delay. It returns
// [ErrBudgetExhausted] without waiting when the budget is spent, or the
// context error if ctx is cancelled during the wait. The counter is updated
// atomically; the lock is not held during the wait itself.
func (r *Retrier) Wait(ctx context.Context) error {
	r.mu.Lock()
	if r.attempt >= r.policy.MaxAttempts {
		r.mu.Unlock()
		return ErrBudgetExhausted
	}
	r.attempt++
	delay := r.policy.Delay(r.attempt)
	r.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
