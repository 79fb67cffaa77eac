package durabletask

import "fmt"

// Typed wraps a strongly-typed orchestrator function. The orchestration
// input is decoded into I before fn runs.
// Example:
//
//	durabletask.Typed(func(ctx durabletask.OrchestrationContext, order Order) (Receipt, error) { ... })
func Typed[I, O any](fn func(OrchestrationContext, I) (O, error)) Orchestrator {
	return func(ctx OrchestrationContext) (any, error) {
		var in I
		if err := ctx.GetInput(&in); err != nil {
			return nil, fmt.Errorf("decode orchestration input as %T: %w", in, err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// Await suspends until f resolves and returns its value decoded as T.
func Await[T any](f Future) (T, error) {
	var v T
	err := f.Await(&v)
	return v, err
}

// CallTask schedules an activity task and waits for its typed result.
func CallTask[T any](ctx OrchestrationContext, name string, input any, opts ...TaskOption) (T, error) {
	return Await[T](ctx.ScheduleTask(name, input, opts...))
}
