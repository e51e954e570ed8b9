package conduit

import "time"

// RetryBuilder builds the RetryPolicy of a task. The executor consults the
// policy when a worker reports a FAILED attempt: while attempts remain, a
// new RETRYING attempt is dispatched with NotBefore set to the backoff.
//
//	conduit.New("ns", "etl").
//		TaskWithRetry("extract", "http", nil, conduit.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy())
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing maxAttempts attempts in total, the first
// one included. Values below 1 mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// WithExponentialBackoff waits initial after the first failure and
// multiplies the wait by multiplier (2 when not positive) after each further
// one, up to limit. A non-positive limit leaves the wait uncapped.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	r.policy.InitialBackoff = initial
	r.policy.BackoffMultiplier = multiplier
	r.policy.MaxBackoff = max(limit, 0)
	return r
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff = delay
	r.policy.BackoffMultiplier = 1
	r.policy.MaxBackoff = 0
	return r
}

// Immediate dispatches retries as soon as the failure is recorded.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.policy.InitialBackoff = 0
	r.policy.BackoffMultiplier = 0
	r.policy.MaxBackoff = 0
	return r
}

// Policy returns a copy of the built policy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// Apply returns def with a copy of the policy attached, for leaves declared
// inside containers.
func (r RetryBuilder) Apply(def TaskDef) TaskDef {
	p := r.policy
	def.Retry = &p
	return def
}
