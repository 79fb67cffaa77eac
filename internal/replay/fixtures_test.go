package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/durabletask/pkg/api"
)

var t0 = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func ev(id, sec int) api.EventBase { return api.EventBase{EventID: id, Timestamp: at(sec)} }

// history builds events with a fluent, readable shape for tests.
type history []api.HistoryEvent

func start(input string) history {
	return history{
		&api.OrchestratorStarted{EventBase: ev(-1, 0)},
		&api.ExecutionStarted{
			EventBase:   ev(-1, 0),
			Name:        "Checkout",
			Version:     "v1",
			Input:       input,
			InstanceID:  "order-1",
			ExecutionID: "exec-1",
		},
	}
}

func (h history) add(events ...api.HistoryEvent) history { return append(h, events...) }

func scheduled(id int, name, input string) *api.TaskScheduled {
	return &api.TaskScheduled{EventBase: ev(id, 0), Name: name, Input: input}
}

func completed(taskID int, result string) *api.TaskCompleted {
	return &api.TaskCompleted{EventBase: ev(-1, 1), TaskScheduledID: taskID, Result: result}
}

func failed(taskID int, reason string) *api.TaskFailed {
	return &api.TaskFailed{
		EventBase:       ev(-1, 1),
		TaskScheduledID: taskID,
		Reason:          reason,
		FailureDetails:  &api.FailureDetails{ErrorType: "Declined", ErrorMessage: reason},
	}
}

func timerCreated(id int, fireAt time.Time) *api.TimerCreated {
	return &api.TimerCreated{EventBase: ev(id, 0), FireAt: fireAt}
}

func timerFired(id int, fireAt time.Time) *api.TimerFired {
	return &api.TimerFired{EventBase: ev(-1, 0), TimerID: id, FireAt: fireAt}
}

func raised(name, input string) *api.EventRaised {
	return &api.EventRaised{EventBase: ev(-1, 2), Name: name, Input: input}
}

func episodeAt(sec int) *api.OrchestratorStarted {
	return &api.OrchestratorStarted{EventBase: ev(-1, sec)}
}

type eventRecorder struct {
	api.NoopObserver

	mu              sync.Mutex
	duplicates      []int
	nonDeterminisms []*api.NonDeterminismError
	completed       []api.RuntimeStatus
}

func (o *eventRecorder) OnDuplicateEvent(ctx context.Context, instanceID string, t api.EventType, id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.duplicates = append(o.duplicates, id)
}

func (o *eventRecorder) OnNonDeterminism(ctx context.Context, instanceID string, err *api.NonDeterminismError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nonDeterminisms = append(o.nonDeterminisms, err)
}

func (o *eventRecorder) OnEpisodeCompleted(ctx context.Context, instanceID, executionID string, actions int, status api.RuntimeStatus, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, status)
}

func runEpisode(t *testing.T, past, next history, orch api.Orchestrator, opts ...Option) *EpisodeResult {
	t.Helper()
	res, err := NewExecutor(opts...).RunEpisode(context.Background(), Episode{
		InstanceID: "order-1",
		PastEvents: past,
		NewEvents:  next,
	}, orch)
	if err != nil {
		t.Fatalf("RunEpisode failed: %v", err)
	}
	return res
}

func mustTerminal(t *testing.T, res *EpisodeResult, want api.RuntimeStatus) *api.CompleteOrchestrationAction {
	t.Helper()
	if res.Terminal == nil {
		t.Fatalf("expected terminal %s, orchestration still running with %d actions", want, len(res.Actions))
	}
	if res.Terminal.Status != want {
		t.Fatalf("expected terminal %s, got %s (result %q)", want, res.Terminal.Status, res.Terminal.Result)
	}
	return res.Terminal
}

// chargeTwice schedules two tasks in sequence and returns both results.
func chargeTwice(ctx api.OrchestrationContext) (any, error) {
	var amount int
	if err := ctx.GetInput(&amount); err != nil {
		return nil, err
	}
	var first, second string
	if err := ctx.ScheduleTask("Charge", amount).Await(&first); err != nil {
		return nil, err
	}
	if err := ctx.ScheduleTask("Ship", first).Await(&second); err != nil {
		return nil, err
	}
	return first + "/" + second, nil
}
