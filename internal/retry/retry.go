// Package retry classifies copy/verify failures and computes the
// backoff delay before the next attempt (C6, spec §4.6).
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/johnnywatts/forker/internal/ferrors"
)

// Policy holds the backoff parameters and the per-target attempt cap
// (I6: cap reached forces FailedPermanent).
type Policy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxAttempts     int
	JitterFraction  float64 // bounded so the pre-jitter sequence stays non-decreasing (I13)
}

// DefaultPolicy mirrors the exponential-backoff defaults of
// backoff.ExponentialBackOff, capped to keep retries from stalling a
// stuck target indefinitely.
func DefaultPolicy() Policy {
	base := backoff.NewExponentialBackOff()
	return Policy{
		InitialInterval: base.InitialInterval,
		Multiplier:      base.Multiplier,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     8,
		JitterFraction:  0.2,
	}
}

// Classify maps err to its retry Kind via the ferrors classification
// table (spec §4.6: "classification rules are table-driven from error
// category").
func Classify(err error) ferrors.Kind {
	return ferrors.KindOf(err)
}

// ShouldQuarantine reports whether kind routes straight to quarantine
// rather than through the retry loop.
func ShouldQuarantine(kind ferrors.Kind) bool {
	return ferrors.Quarantines(kind)
}

// Allow reports whether another attempt may be made given the kind of
// the last failure and the number of attempts already made.
// KindConcurrencyConflict is retried unlimited times and never counted
// against MaxAttempts (spec §4.6/§7: a version CAS race is resolved by
// retrying, not by exhausting the per-target attempt budget).
func (p Policy) Allow(kind ferrors.Kind, attemptsMade int) bool {
	if ferrors.Quarantines(kind) {
		return false
	}
	if !ferrors.Retryable(kind) {
		return false
	}
	if kind == ferrors.KindConcurrencyConflict {
		return true
	}
	return attemptsMade < p.MaxAttempts
}

// NewBackOff constructs a stateful exponential backoff for one retry
// sequence (one per (job, target) pair being retried), configured from
// p's parameters and ready for repeated NextBackOff() calls. Grounded
// on the pack's shardqueue retry loop (mycelian-memory's
// internal/shardqueue/shardexecutor.go), which builds one
// *backoff.ExponentialBackOff per job, calls Reset(), then NextBackOff()
// once per attempt rather than recomputing a delay formula by hand.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.JitterFraction
	// The per-target attempt cap (MaxAttempts, enforced by Allow) governs
	// when retries stop, not wall-clock elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
