// Package checkpoint owns failure-recovery state: the per-error-kind
// retry policy table and the persisted resume snapshot written when a
// build terminates with failures.
package checkpoint

import (
	"math/rand"
	"time"

	"forge/internal/errdefs"
)

// RetryPolicy describes backoff for one error kind.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	JitterFraction float64
}

// defaultPolicies maps transient kinds to their backoff schedules.
// Non-transient kinds have no entry: they are never retried.
var defaultPolicies = map[errdefs.Kind]RetryPolicy{
	errdefs.KindIO: {
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       2 * time.Second,
		JitterFraction: 0.2,
	},
	errdefs.KindNetwork: {
		MaxAttempts:    4,
		InitialDelay:   500 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       10 * time.Second,
		JitterFraction: 0.3,
	},
	errdefs.KindCacheLoad: {
		MaxAttempts:    2,
		InitialDelay:   50 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       time.Second,
		JitterFraction: 0.1,
	},
	errdefs.KindProcessTimeout: {
		MaxAttempts:    2,
		InitialDelay:   time.Second,
		Multiplier:     2.0,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	},
}

// Policies is a retry policy table. The zero value retries nothing.
type Policies struct {
	table   map[errdefs.Kind]RetryPolicy
	enabled bool
}

// DefaultPolicies returns the standard table.
func DefaultPolicies(enabled bool) *Policies {
	return &Policies{table: defaultPolicies, enabled: enabled}
}

// For returns the policy for an error's kind and whether retrying is
// permitted at all. Kinds outside the transient category never retry,
// whatever the table says.
func (p *Policies) For(err error) (RetryPolicy, bool) {
	if p == nil || !p.enabled {
		return RetryPolicy{}, false
	}
	kind := errdefs.KindOf(err)
	if !kind.Retryable() {
		return RetryPolicy{}, false
	}
	policy, ok := p.table[kind]
	return policy, ok
}

// Delay computes the backoff before the given attempt (1-based count of
// failures so far), with jitter applied.
func (rp RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(rp.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= rp.Multiplier
	}
	if max := float64(rp.MaxDelay); d > max {
		d = max
	}
	if rp.JitterFraction > 0 {
		jitter := d * rp.JitterFraction
		d = d - jitter/2 + rand.Float64()*jitter
	}
	return time.Duration(d)
}
