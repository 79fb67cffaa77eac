package replay

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/petrijr/durabletask/pkg/api"
)

var (
	errForeignFuture    = errors.New("future was not created by this orchestration context")
	errNoTargetForEvent = errors.New("send event requires a target instance id")
)

// openAwait is an outstanding request whose completion event has not been
// applied yet.
type openAwait struct {
	name    string
	version string
	f       *future
}

// orchestrationContext is the per-episode state behind api.OrchestrationContext.
// It is rebuilt from history for every episode and touched by one goroutine
// at a time.
type orchestrationContext struct {
	converter api.DataConverter
	co        *coroutine

	started   *api.ExecutionStarted
	now       time.Time
	replaying bool

	nextID  int
	pending map[int]api.Action
	open    map[int]*openAwait

	// External events: waiters and unclaimed payloads per event name.
	waiters  map[string][]*future
	received map[string][]string

	continueAsNew *api.CompleteOrchestrationAction
	terminal      *api.CompleteOrchestrationAction
	customStatus  string

	// waitingOn is the future the orchestrator is suspended on.
	waitingOn *future
}

var _ api.OrchestrationContext = (*orchestrationContext)(nil)

func newOrchestrationContext(started *api.ExecutionStarted, converter api.DataConverter) *orchestrationContext {
	return &orchestrationContext{
		converter: converter,
		started:   started,
		now:       started.Timestamp,
		pending:   make(map[int]api.Action),
		open:      make(map[int]*openAwait),
		waiters:   make(map[string][]*future),
		received:  make(map[string][]string),
	}
}

func (c *orchestrationContext) InstanceID() string     { return c.started.InstanceID }
func (c *orchestrationContext) ExecutionID() string    { return c.started.ExecutionID }
func (c *orchestrationContext) Name() string           { return c.started.Name }
func (c *orchestrationContext) Version() string        { return c.started.Version }
func (c *orchestrationContext) CurrentTime() time.Time { return c.now }
func (c *orchestrationContext) IsReplaying() bool      { return c.replaying }

func (c *orchestrationContext) GetInput(v any) error {
	return c.converter.Unmarshal(c.started.Input, v)
}

// suspend parks the orchestrator until the driver applies the next event.
func (c *orchestrationContext) suspend(f *future) {
	c.waitingOn = f
	c.co.yield()
	c.waitingOn = nil
}

func (c *orchestrationContext) newActionID() int {
	id := c.nextID
	c.nextID++
	return id
}

func (c *orchestrationContext) await(id int, name, version string) *future {
	f := newFuture(c)
	c.open[id] = &openAwait{name: name, version: version, f: f}
	return f
}

func (c *orchestrationContext) ScheduleTask(name string, input any, opts ...api.TaskOption) api.Future {
	var o api.TaskOptions
	for _, opt := range opts {
		opt(&o)
	}
	return c.scheduleTask(name, input, o)
}

func (c *orchestrationContext) scheduleTask(name string, input any, o api.TaskOptions) *future {
	data, err := c.converter.Marshal(input)
	if err != nil {
		return failedFuture(c, fmt.Errorf("task %q: %w", name, err))
	}
	id := c.newActionID()
	c.pending[id] = &api.ScheduleTaskAction{
		ID:      id,
		Name:    name,
		Version: o.Version,
		Input:   data,
		Tags:    o.Tags,
	}
	return c.await(id, name, o.Version)
}

func (c *orchestrationContext) ScheduleTaskWithRetry(name string, policy api.RetryPolicy, input any, opts ...api.TaskOption) api.Future {
	var o api.TaskOptions
	for _, opt := range opts {
		opt(&o)
	}
	return c.scheduleWithRetry(name, policy, input, o)
}

func (c *orchestrationContext) CallSubOrchestrator(name string, input any, opts ...api.SubOrchestrationOption) api.Future {
	var o api.SubOrchestrationOptions
	for _, opt := range opts {
		opt(&o)
	}
	data, err := c.converter.Marshal(input)
	if err != nil {
		return failedFuture(c, fmt.Errorf("sub-orchestration %q: %w", name, err))
	}

	id := c.newActionID()
	instanceID := o.InstanceID
	if instanceID == "" {
		instanceID = fmt.Sprintf("%s:%d", c.started.ExecutionID, id)
	}
	c.pending[id] = &api.CreateSubOrchestrationAction{
		ID:         id,
		Name:       name,
		Version:    o.Version,
		InstanceID: instanceID,
		Input:      data,
		Tags:       o.Tags,
	}

	if isFireAndForget(o.Tags) {
		f := newFuture(c)
		f.resolve("", nil)
		return f
	}
	return c.await(id, name, o.Version)
}

func isFireAndForget(tags map[string]string) bool {
	v, ok := tags[api.FireAndForgetTag]
	return ok && v != "false"
}

func (c *orchestrationContext) CreateTimer(fireAt time.Time) api.TimerFuture {
	return c.createTimer(fireAt)
}

func (c *orchestrationContext) createTimer(fireAt time.Time) *timerFuture {
	id := c.newActionID()
	c.pending[id] = &api.CreateTimerAction{ID: id, FireAt: fireAt}
	return &timerFuture{future: c.await(id, "", ""), id: id}
}

// SendEvent records a fire-and-forget message to another instance. It
// panics when the target is empty or the data cannot be encoded, which
// fails the orchestration.
func (c *orchestrationContext) SendEvent(instanceID, eventName string, data any) {
	if instanceID == "" {
		panic(errNoTargetForEvent)
	}
	payload, err := c.converter.Marshal(data)
	if err != nil {
		panic(fmt.Errorf("send event %q: %w", eventName, err))
	}
	id := c.newActionID()
	c.pending[id] = &api.SendEventAction{
		ID:         id,
		InstanceID: instanceID,
		Name:       eventName,
		Data:       payload,
	}
}

func (c *orchestrationContext) WaitForExternalEvent(eventName string) api.Future {
	f := newFuture(c)
	if queued := c.received[eventName]; len(queued) > 0 {
		c.received[eventName] = queued[1:]
		f.resolve(queued[0], nil)
		return f
	}
	c.waiters[eventName] = append(c.waiters[eventName], f)
	return f
}

func (c *orchestrationContext) ContinueAsNew(input any) {
	c.ContinueAsNewVersion("", input)
}

// ContinueAsNewVersion panics when the input cannot be encoded.
func (c *orchestrationContext) ContinueAsNewVersion(version string, input any) {
	data, err := c.converter.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("continue as new: %w", err))
	}
	c.continueAsNew = &api.CompleteOrchestrationAction{
		Status:     api.RuntimeStatusContinuedAsNew,
		Result:     data,
		NewVersion: version,
	}
}

// SetCustomStatus panics when the status cannot be encoded.
func (c *orchestrationContext) SetCustomStatus(status any) {
	data, err := c.converter.Marshal(status)
	if err != nil {
		panic(fmt.Errorf("custom status: %w", err))
	}
	c.customStatus = data
}

func (c *orchestrationContext) WhenAny(futures ...api.Future) api.Future {
	return c.whenAny(futures)
}

func (c *orchestrationContext) WhenAll(futures ...api.Future) api.Future {
	return c.whenAll(futures)
}

// complete records the terminal action once per episode. A pending
// ContinueAsNew replaces a successful completion.
func (c *orchestrationContext) complete(status api.RuntimeStatus, result, details string, fd *api.FailureDetails) {
	if c.terminal != nil {
		return
	}
	var action *api.CompleteOrchestrationAction
	if status == api.RuntimeStatusCompleted && c.continueAsNew != nil {
		action = c.continueAsNew
	} else {
		action = &api.CompleteOrchestrationAction{
			Status:         status,
			Result:         result,
			Details:        details,
			FailureDetails: fd,
		}
	}
	action.ID = c.newActionID()
	c.pending[action.ID] = action
	c.terminal = action
}

// takeOpen removes and returns the open await of id. It reports false when
// none is open, which means the completion event is a duplicate.
func (c *orchestrationContext) takeOpen(id int) (*openAwait, bool) {
	w, ok := c.open[id]
	if ok {
		delete(c.open, id)
	}
	return w, ok
}

// raise delivers an external event to its oldest waiter, buffers it, or
// carries it over once ContinueAsNew was requested.
func (c *orchestrationContext) raise(e *api.EventRaised) {
	if c.continueAsNew != nil {
		c.continueAsNew.CarryoverEvents = append(c.continueAsNew.CarryoverEvents, e)
		return
	}
	if waiting := c.waiters[e.Name]; len(waiting) > 0 {
		c.waiters[e.Name] = waiting[1:]
		waiting[0].resolve(e.Input, nil)
		return
	}
	c.received[e.Name] = append(c.received[e.Name], e.Input)
}

// remainingActions returns the actions no history event confirmed yet, in
// request order.
func (c *orchestrationContext) remainingActions() []api.Action {
	ids := make([]int, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]api.Action, len(ids))
	for i, id := range ids {
		out[i] = c.pending[id]
	}
	return out
}
