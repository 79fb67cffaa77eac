package api

import (
	"time"
)

// Orchestrator is user orchestration code. It must be deterministic: given
// the same history it has to request the same actions in the same order.
// The returned value becomes the orchestration's result; a returned error
// fails the orchestration.
type Orchestrator func(ctx OrchestrationContext) (any, error)

// OrchestrationContext is what orchestrator code uses to observe its inputs
// and request durable side effects.
//
// Every method that returns a Future only records a request. Awaiting the
// Future suspends the orchestrator until the engine has applied the event
// that resolves it, which may happen in a later episode.
type OrchestrationContext interface {
	InstanceID() string
	ExecutionID() string
	Name() string
	Version() string

	// CurrentTime is the deterministic time of the current episode.
	CurrentTime() time.Time

	// IsReplaying is true while the engine is applying events that were
	// already recorded in a previous episode.
	IsReplaying() bool

	// GetInput decodes the orchestration input into v.
	GetInput(v any) error

	ScheduleTask(name string, input any, opts ...TaskOption) Future
	ScheduleTaskWithRetry(name string, policy RetryPolicy, input any, opts ...TaskOption) Future
	CallSubOrchestrator(name string, input any, opts ...SubOrchestrationOption) Future
	CreateTimer(fireAt time.Time) TimerFuture
	SendEvent(instanceID, eventName string, data any)
	WaitForExternalEvent(eventName string) Future

	// ContinueAsNew completes the current generation and restarts the
	// orchestration with a fresh history. External events received after
	// the call are carried over into the new generation.
	ContinueAsNew(input any)
	ContinueAsNewVersion(version string, input any)

	SetCustomStatus(status any)

	// WhenAny resolves with the index of the first future to complete.
	WhenAny(futures ...Future) Future
	// WhenAll resolves once every future completed, with the first failure
	// in argument order if any failed.
	WhenAll(futures ...Future) Future
}

// Future is the handle to a pending durable result.
type Future interface {
	// Await suspends until the future resolves, then decodes its value into
	// v (which may be nil) or returns its failure.
	Await(v any) error
	IsDone() bool
}

// TimerFuture can be canceled. Cancellation only forgets the in-memory
// await: the timer stays scheduled and its TimerFired event is ignored.
type TimerFuture interface {
	Future
	Cancel()
}

// TaskOptions are the optional attributes of a scheduled activity task.
type TaskOptions struct {
	Version string
	Tags    map[string]string
}

type TaskOption func(*TaskOptions)

func WithTaskVersion(version string) TaskOption {
	return func(o *TaskOptions) { o.Version = version }
}

func WithTaskTags(tags map[string]string) TaskOption {
	return func(o *TaskOptions) { o.Tags = tags }
}

// SubOrchestrationOptions are the optional attributes of a sub-orchestration.
// When InstanceID is empty one is derived from the parent execution id and
// the action id.
type SubOrchestrationOptions struct {
	InstanceID string
	Version    string
	Tags       map[string]string
}

type SubOrchestrationOption func(*SubOrchestrationOptions)

func WithSubInstanceID(id string) SubOrchestrationOption {
	return func(o *SubOrchestrationOptions) { o.InstanceID = id }
}

func WithSubVersion(version string) SubOrchestrationOption {
	return func(o *SubOrchestrationOptions) { o.Version = version }
}

func WithSubTags(tags map[string]string) SubOrchestrationOption {
	return func(o *SubOrchestrationOptions) { o.Tags = tags }
}

// FireAndForgetTag marks a sub-orchestration whose completion is not
// awaited by the parent.
const FireAndForgetTag = "FireAndForget"

// RetryPolicy controls how a task is retried when it fails.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// Delays between attempts are durable timers. InitialBackoff is the delay
// before the first retry; each following delay is multiplied by
// BackoffMultiplier (2.0 when <= 0) and capped at MaxBackoff when > 0.
// Handle, when set, decides whether a given failure is retried at all.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// RetryTimeout stops retrying once this much orchestration time has
	// passed since the first attempt was scheduled. Zero means no limit.
	RetryTimeout time.Duration

	Handle func(error) bool
}

// Delay returns the backoff before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.InitialBackoff <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}
