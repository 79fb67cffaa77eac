package replay

import (
	"github.com/petrijr/durabletask/pkg/api"
)

// scheduleWithRetry schedules the first attempt now. Each failed attempt
// that the policy allows to retry arms a durable timer, and the timer's
// completion schedules the next attempt. Without a backoff the next
// attempt is scheduled right away. All of this runs while history is
// applied, so the action ids it consumes are the same on every replay.
func (c *orchestrationContext) scheduleWithRetry(name string, policy api.RetryPolicy, input any, o api.TaskOptions) *future {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if _, err := c.converter.Marshal(input); err != nil {
		return c.scheduleTask(name, input, o)
	}

	out := newFuture(c)
	first := c.now
	var attempt func(n int)
	attempt = func(n int) {
		task := c.scheduleTask(name, input, o)
		task.onDone(func() {
			err := task.result.err
			if err == nil {
				out.resolve(task.result.value, nil)
				return
			}
			if n >= maxAttempts || (policy.Handle != nil && !policy.Handle(err)) ||
				(policy.RetryTimeout > 0 && c.now.Sub(first) >= policy.RetryTimeout) {
				out.resolve("", err)
				return
			}
			delay := policy.Delay(n)
			if delay <= 0 {
				attempt(n + 1)
				return
			}
			timer := c.createTimer(c.now.Add(delay))
			timer.onDone(func() {
				attempt(n + 1)
			})
		})
	}
	attempt(1)
	return out
}
