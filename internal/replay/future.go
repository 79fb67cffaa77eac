package replay

import (
	"github.com/petrijr/durabletask/pkg/api"
)

// outcome is the single-assignment result slot of a future.
type outcome struct {
	value string
	err   error
}

// future is resolved by the driver while applying history, or by the
// orchestrator itself for cancellations and local failures.
type future struct {
	c      *orchestrationContext
	result *outcome
	then   []func()
}

var _ api.Future = (*future)(nil)

func newFuture(c *orchestrationContext) *future {
	return &future{c: c}
}

func failedFuture(c *orchestrationContext, err error) *future {
	f := newFuture(c)
	f.resolve("", err)
	return f
}

// resolve fills the slot. Later calls are ignored.
func (f *future) resolve(value string, err error) bool {
	if f.result != nil {
		return false
	}
	f.result = &outcome{value: value, err: err}
	callbacks := f.then
	f.then = nil
	for _, fn := range callbacks {
		fn()
	}
	return true
}

// onDone runs fn once the future resolves, immediately if it already has.
func (f *future) onDone(fn func()) {
	if f.result != nil {
		fn()
		return
	}
	f.then = append(f.then, fn)
}

func (f *future) IsDone() bool { return f.result != nil }

func (f *future) Await(v any) error {
	for f.result == nil {
		f.c.suspend(f)
	}
	if f.result.err != nil {
		return f.result.err
	}
	return f.c.converter.Unmarshal(f.result.value, v)
}

// timerFuture is the future of a durable timer.
type timerFuture struct {
	*future
	id int
}

var _ api.TimerFuture = (*timerFuture)(nil)

// Cancel forgets the open await. The timer itself stays scheduled and its
// TimerFired event is later treated as a duplicate.
func (t *timerFuture) Cancel() {
	if t.IsDone() {
		return
	}
	delete(t.c.open, t.id)
	t.resolve("", api.ErrTimerCanceled)
}

// asFuture unwraps the futures handed out by this package.
func asFuture(f api.Future) *future {
	switch x := f.(type) {
	case *future:
		return x
	case *timerFuture:
		return x.future
	}
	return nil
}

// whenAny resolves with the index of the first future to complete. When
// several are already complete the lowest index wins.
func (c *orchestrationContext) whenAny(futures []api.Future) *future {
	out := newFuture(c)
	for i, f := range futures {
		inner := asFuture(f)
		if inner == nil {
			out.resolve("", errForeignFuture)
			return out
		}
		idx := i
		inner.onDone(func() {
			if out.IsDone() {
				return
			}
			v, err := c.converter.Marshal(idx)
			out.resolve(v, err)
		})
		if out.IsDone() {
			break
		}
	}
	return out
}

// whenAll resolves once every future completed. It fails with the first
// failure in argument order.
func (c *orchestrationContext) whenAll(futures []api.Future) *future {
	out := newFuture(c)
	inners := make([]*future, len(futures))
	for i, f := range futures {
		if inners[i] = asFuture(f); inners[i] == nil {
			out.resolve("", errForeignFuture)
			return out
		}
	}

	remaining := len(inners)
	finish := func() {
		for _, inner := range inners {
			if inner.result.err != nil {
				out.resolve("", inner.result.err)
				return
			}
		}
		out.resolve("", nil)
	}
	if remaining == 0 {
		finish()
		return out
	}
	for _, inner := range inners {
		inner.onDone(func() {
			remaining--
			if remaining == 0 {
				finish()
			}
		})
	}
	return out
}
