// SPDX-License-Identifier: MIT

// Package retry decides whether a failed acquisition attempt should be
// re-enqueued. The policy is a pure function of its inputs; attempt counts
// are owned by the queue manager.
package retry

import "time"

// FailureKind classifies an attempt failure for the policy.
type FailureKind string

const (
	// Transient failures (timeouts, rate limiting, flaky sources) are
	// eligible for another attempt.
	Transient FailureKind = "transient"

	// Fatal failures (malformed source, unwritable destination,
	// unsupported content) are never retried.
	Fatal FailureKind = "fatal"
)

// Verdict is the policy's decision for a single failure.
type Verdict struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the terminal verdict.
var GiveUp = Verdict{}

// Policy computes retry verdicts. The zero value is not usable; construct
// with NewPolicy.
type Policy struct {
	base time.Duration
	max  time.Duration
	rnd  func() float64 // jitter source in [0,1)
}

// NewPolicy returns a policy with exponential backoff starting at base and
// capped at max. rnd supplies full jitter; pass nil to disable jitter
// (deterministic delays, useful in tests).
func NewPolicy(base, max time.Duration, rnd func() float64) Policy {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return Policy{base: base, max: max, rnd: rnd}
}

// Decide returns the verdict for the failure of attempt number attempt
// (1-based). Fatal failures always give up; transient failures retry with
// increasing backoff until attempt reaches maxAttempts.
func (p Policy) Decide(attempt int, kind FailureKind, maxAttempts int) Verdict {
	if kind != Transient {
		return GiveUp
	}
	if attempt >= maxAttempts {
		return GiveUp
	}
	return Verdict{Retry: true, Delay: p.backoff(attempt)}
}

// backoff computes base << (attempt-1), capped at max, with optional full
// jitter.
func (p Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.max {
			d = p.max
			break
		}
	}
	if d > p.max {
		d = p.max
	}
	if p.rnd != nil {
		j := p.rnd()
		if j < 0 {
			j = 0
		}
		if j >= 1 {
			j = 1
		}
		// Full jitter keeps a floor of base so retries never fire
		// immediately.
		d = p.base + time.Duration(float64(d-p.base)*j)
	}
	return d
}
