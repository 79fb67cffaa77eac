// Package replay drives orchestrator code against its recorded history.
//
// Every episode rebuilds the orchestrator's state from scratch: the code
// runs again from the top, each request it makes is numbered in request
// order, and recorded confirmation events are matched against those
// numbers. Requests nobody confirmed yet are the episode's new actions.
package replay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/petrijr/durabletask/pkg/api"
)

// ErrNoExecutionStarted is returned for a history without an
// ExecutionStarted event.
var ErrNoExecutionStarted = errors.New("history has no ExecutionStarted event")

// Episode is the input of one replay: the committed history plus the
// events delivered since.
type Episode struct {
	InstanceID string
	PastEvents []api.HistoryEvent
	NewEvents  []api.HistoryEvent
}

// EpisodeResult holds the actions requested during the episode and not yet
// recorded in history, in request order. Terminal is also part of Actions
// when the orchestration finished.
type EpisodeResult struct {
	Actions      []api.Action
	Terminal     *api.CompleteOrchestrationAction
	CustomStatus string
}

// Executor replays episodes. It holds no per-instance state and may be
// shared between goroutines.
type Executor struct {
	converter api.DataConverter
	observer  api.Observer
}

type Option func(*Executor)

func WithConverter(c api.DataConverter) Option {
	return func(x *Executor) { x.converter = c }
}

func WithObserver(o api.Observer) Option {
	return func(x *Executor) { x.observer = o }
}

func NewExecutor(opts ...Option) *Executor {
	x := &Executor{
		converter: api.JSONConverter{},
		observer:  api.NoopObserver{},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Converter is the DataConverter payloads are marshaled with.
func (x *Executor) Converter() api.DataConverter { return x.converter }

// RunEpisode applies PastEvents then NewEvents to a fresh run of orch.
//
// It fails with a *api.NonDeterminismError when the history does not match
// what the code requests; no events after the mismatch are applied.
func (x *Executor) RunEpisode(ctx context.Context, ep Episode, orch api.Orchestrator) (*EpisodeResult, error) {
	started := findStarted(ep.PastEvents, ep.NewEvents)
	if started == nil {
		return nil, fmt.Errorf("instance %s: %w", ep.InstanceID, ErrNoExecutionStarted)
	}
	instanceID := started.InstanceID
	if instanceID == "" {
		instanceID = ep.InstanceID
	}

	begin := time.Now()
	x.observer.OnEpisodeStarted(ctx, instanceID, started.ExecutionID, len(ep.PastEvents), len(ep.NewEvents))

	c := newOrchestrationContext(withInstanceID(started, instanceID), x.converter)
	c.co = newCoroutine(func() {
		result, err := orch(c)
		c.finish(result, err)
	})

	defer c.co.abandon()

	r := &run{x: x, c: c, instanceID: instanceID, executionID: started.ExecutionID}
	if err := r.applySafely(ctx, ep); err != nil {
		return nil, err
	}

	res := &EpisodeResult{
		Actions:      c.remainingActions(),
		Terminal:     c.terminal,
		CustomStatus: c.customStatus,
	}
	status := api.RuntimeStatusRunning
	if c.terminal != nil {
		status = c.terminal.Status
	}
	x.observer.OnEpisodeCompleted(ctx, instanceID, started.ExecutionID, len(res.Actions), status, time.Since(begin))
	return res, nil
}

func findStarted(lists ...[]api.HistoryEvent) *api.ExecutionStarted {
	for _, events := range lists {
		for _, e := range events {
			if s, ok := e.(*api.ExecutionStarted); ok {
				return s
			}
		}
	}
	return nil
}

func withInstanceID(s *api.ExecutionStarted, id string) *api.ExecutionStarted {
	if s.InstanceID == id {
		return s
	}
	cp := *s
	cp.InstanceID = id
	return &cp
}

// finish runs on the orchestrator goroutine when the code returns.
func (c *orchestrationContext) finish(result any, err error) {
	if err != nil {
		reason, details, fd := failureOf(err, nil)
		c.complete(api.RuntimeStatusFailed, reason, details, fd)
		return
	}
	data, merr := c.converter.Marshal(result)
	if merr != nil {
		reason, details, fd := failureOf(fmt.Errorf("encode orchestration result: %w", merr), nil)
		c.complete(api.RuntimeStatusFailed, reason, details, fd)
		return
	}
	c.complete(api.RuntimeStatusCompleted, data, "", nil)
}

// run is the driver side of one episode.
type run struct {
	x           *Executor
	c           *orchestrationContext
	instanceID  string
	executionID string
	stopped     bool
}

// applySafely is applyAll for code that may panic on the driver goroutine:
// retry policies run there when a failure is applied. Such a panic fails
// the orchestration like a panic in the orchestrator itself.
func (r *run) applySafely(ctx context.Context, ep Episode) (err error) {
	defer func() {
		if p := recover(); p != nil {
			reason, details, fd := failureOf(panicError(p), debug.Stack())
			r.c.complete(api.RuntimeStatusFailed, reason, details, fd)
			err = nil
		}
	}()
	return r.applyAll(ctx, ep)
}

func (r *run) applyAll(ctx context.Context, ep Episode) error {
	for i, events := range [][]api.HistoryEvent{ep.PastEvents, ep.NewEvents} {
		r.c.replaying = i == 0
		for _, e := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.apply(ctx, e); err != nil {
				var nd *api.NonDeterminismError
				if errors.As(err, &nd) {
					r.x.observer.OnNonDeterminism(ctx, r.instanceID, nd)
				}
				return err
			}
			if r.stopped {
				return nil
			}
		}
	}
	return nil
}

// step runs the orchestrator to its next suspend point and turns a panic
// into a failed completion.
func (r *run) step() {
	c := r.c
	c.co.step()
	if err := c.co.panicked(); err != nil {
		reason, details, fd := failureOf(err, c.co.panicStack)
		c.complete(api.RuntimeStatusFailed, reason, details, fd)
	}
}

// resume continues the orchestrator if the future it waits on resolved.
func (r *run) resume() {
	co := r.c.co
	if !co.started || co.finished {
		return
	}
	if w := r.c.waitingOn; w != nil && w.IsDone() {
		r.step()
	}
}

func (r *run) apply(ctx context.Context, e api.HistoryEvent) error {
	c := r.c
	switch ev := e.(type) {
	case *api.OrchestratorStarted:
		c.now = ev.Timestamp
	case *api.ExecutionStarted:
		if !c.co.started {
			r.step()
		}
	case *api.ExecutionTerminated:
		c.complete(api.RuntimeStatusTerminated, ev.Reason, "", nil)
		r.stopped = true

	case *api.TaskScheduled:
		return r.confirm(ev.EventID, ev.Type(), ev.Name, func(a api.Action) string {
			x, ok := a.(*api.ScheduleTaskAction)
			switch {
			case !ok:
				return kindMismatch(ev.Type(), a)
			case x.Name != ev.Name:
				return fmt.Sprintf("task name was %q but is now %q", ev.Name, x.Name)
			case ev.Version != "" && x.Version != ev.Version:
				return fmt.Sprintf("task version was %q but is now %q", ev.Version, x.Version)
			case x.Input != ev.Input:
				return "task input differs from the recorded one"
			}
			return ""
		})
	case *api.TimerCreated:
		return r.confirm(ev.EventID, ev.Type(), "", func(a api.Action) string {
			if _, ok := a.(*api.CreateTimerAction); !ok {
				return kindMismatch(ev.Type(), a)
			}
			return ""
		})
	case *api.SubOrchestrationInstanceCreated:
		return r.confirm(ev.EventID, ev.Type(), ev.Name, func(a api.Action) string {
			x, ok := a.(*api.CreateSubOrchestrationAction)
			switch {
			case !ok:
				return kindMismatch(ev.Type(), a)
			case x.Name != ev.Name:
				return fmt.Sprintf("sub-orchestration name was %q but is now %q", ev.Name, x.Name)
			case ev.Version != "" && x.Version != ev.Version:
				return fmt.Sprintf("sub-orchestration version was %q but is now %q", ev.Version, x.Version)
			case x.Input != ev.Input:
				return "sub-orchestration input differs from the recorded one"
			case x.InstanceID != ev.InstanceID:
				return fmt.Sprintf("sub-orchestration instance was %q but is now %q", ev.InstanceID, x.InstanceID)
			}
			return ""
		})
	case *api.EventSent:
		return r.confirm(ev.EventID, ev.Type(), ev.Name, func(a api.Action) string {
			x, ok := a.(*api.SendEventAction)
			switch {
			case !ok:
				return kindMismatch(ev.Type(), a)
			case x.Name != ev.Name:
				return fmt.Sprintf("event name was %q but is now %q", ev.Name, x.Name)
			case x.Data != ev.Input:
				return "event data differs from the recorded one"
			case x.InstanceID != ev.InstanceID:
				return fmt.Sprintf("event target was %q but is now %q", ev.InstanceID, x.InstanceID)
			}
			return ""
		})

	case *api.TaskCompleted:
		r.complete(ctx, ev.Type(), ev.TaskScheduledID, ev.Result, nil)
	case *api.TaskFailed:
		r.complete(ctx, ev.Type(), ev.TaskScheduledID, "", func(w *openAwait) error {
			return &api.TaskFailedError{
				EventID:         ev.EventID,
				TaskScheduledID: ev.TaskScheduledID,
				Name:            w.name,
				Version:         w.version,
				Reason:          ev.Reason,
				Details:         ev.Details,
				Cause:           ev.FailureDetails,
			}
		})
	case *api.SubOrchestrationInstanceCompleted:
		r.complete(ctx, ev.Type(), ev.TaskScheduledID, ev.Result, nil)
	case *api.SubOrchestrationInstanceFailed:
		r.complete(ctx, ev.Type(), ev.TaskScheduledID, "", func(w *openAwait) error {
			return &api.SubOrchestrationFailedError{
				EventID:         ev.EventID,
				TaskScheduledID: ev.TaskScheduledID,
				Name:            w.name,
				Version:         w.version,
				Reason:          ev.Reason,
				Details:         ev.Details,
				Cause:           ev.FailureDetails,
			}
		})
	case *api.TimerFired:
		r.complete(ctx, ev.Type(), ev.TimerID, "", nil)
	case *api.EventRaised:
		c.raise(ev)
		r.resume()

	case *api.OrchestratorCompleted, *api.ExecutionCompleted, *api.ContinueAsNew,
		*api.ExecutionRewound, *api.GenericEvent:
		// No replay semantics.
	default:
		return fmt.Errorf("unsupported history event %T", e)
	}
	return nil
}

// confirm matches a recorded request against the pending action with the
// same id. check returns a non-empty reason on mismatch.
func (r *run) confirm(id int, t api.EventType, name string, check func(api.Action) string) error {
	mismatch := func(reason string) error {
		return &api.NonDeterminismError{
			InstanceID:  r.instanceID,
			ExecutionID: r.executionID,
			EventID:     id,
			EventType:   t,
			Name:        name,
			Reason:      reason,
		}
	}
	a, ok := r.c.pending[id]
	if !ok {
		return mismatch("recorded request was not made by this replay")
	}
	if reason := check(a); reason != "" {
		return mismatch(reason)
	}
	delete(r.c.pending, id)
	return nil
}

func kindMismatch(t api.EventType, a api.Action) string {
	return fmt.Sprintf("id was recorded as %s but is now %T", t, a)
}

// complete resolves the open await of id with a value or, when failure is
// set, with the error it builds.
func (r *run) complete(ctx context.Context, t api.EventType, id int, value string, failure func(*openAwait) error) {
	w, ok := r.c.takeOpen(id)
	if !ok {
		r.x.observer.OnDuplicateEvent(ctx, r.instanceID, t, id)
		return
	}
	if failure != nil {
		w.f.resolve("", failure(w))
	} else {
		w.f.resolve(value, nil)
	}
	r.resume()
}
