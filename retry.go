package durabletask

import "time"

// RetryBuilder assembles a RetryPolicy for
// OrchestrationContext.ScheduleTaskWithRetry. Every method returns a
// modified copy.
//
//	policy := durabletask.Retry(5).
//		WithExponentialBackoff(time.Second, 2, time.Minute).
//		WithTimeout(time.Hour).
//		Policy()
type RetryBuilder struct {
	p RetryPolicy
}

// Retry starts a policy allowing at most attempts executions of the task.
// Values below one mean a single attempt.
func Retry(attempts int) RetryBuilder {
	return RetryBuilder{p: RetryPolicy{MaxAttempts: max(attempts, 1)}}
}

// WithExponentialBackoff waits initial before the first retry and
// multiplies the wait by factor after each one, capped at limit when limit
// is positive. A non-positive factor means 2.
func (b RetryBuilder) WithExponentialBackoff(initial time.Duration, factor float64, limit time.Duration) RetryBuilder {
	if factor <= 0 {
		factor = 2.0
	}
	b.p.InitialBackoff, b.p.BackoffMultiplier, b.p.MaxBackoff = initial, factor, limit
	return b
}

// WithConstantBackoff waits delay before every retry.
func (b RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	b.p.InitialBackoff, b.p.BackoffMultiplier, b.p.MaxBackoff = delay, 1.0, 0
	return b
}

// Immediate schedules retries in the same episode as the failure, with no
// durable timer in between.
func (b RetryBuilder) Immediate() RetryBuilder {
	b.p.InitialBackoff, b.p.BackoffMultiplier, b.p.MaxBackoff = 0, 0, 0
	return b
}

// WithTimeout gives up once d of orchestration time has passed since the
// first attempt, even if attempts remain.
func (b RetryBuilder) WithTimeout(d time.Duration) RetryBuilder {
	b.p.RetryTimeout = d
	return b
}

// Handle retries only the failures fn accepts.
func (b RetryBuilder) Handle(fn func(error) bool) RetryBuilder {
	b.p.Handle = fn
	return b
}

func (b RetryBuilder) Policy() RetryPolicy { return b.p }
