package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/durabletask/internal/config"
	"github.com/petrijr/durabletask/internal/persistence"
	"github.com/petrijr/durabletask/pkg/api"
)

var t0 = time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC)

// fakeClock advances one second per reading so every episode gets its own
// timestamp.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// sequentialIDs returns ids "id-1", "id-2", ...
func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func testConfig(p persistence.Persistence, obs api.Observer) Config {
	s := config.Default()
	s.TaskHubName, s.HistoryTableName, s.InstancesTableName = "enginetest", "", ""
	return Config{
		Persistence: p,
		Settings:    s,
		Observer:    obs,
		Clock:       (&fakeClock{now: t0}).Now,
		NewID:       sequentialIDs(),
	}
}

func newTestEngine(t *testing.T, p persistence.Persistence, obs api.Observer) api.Engine {
	t.Helper()
	eng, err := NewEngineWithConfig(context.Background(), testConfig(p, obs))
	if err != nil {
		t.Fatalf("NewEngineWithConfig failed: %v", err)
	}
	return eng
}

func register(t *testing.T, eng api.Engine, name string, o api.Orchestrator) {
	t.Helper()
	if err := eng.RegisterOrchestrator(name, "", o); err != nil {
		t.Fatalf("RegisterOrchestrator(%s) failed: %v", name, err)
	}
}

func start(t *testing.T, eng api.Engine, name, instanceID string, input any) *api.ExecutionStarted {
	t.Helper()
	started, err := eng.StartOrchestration(context.Background(), name, "", instanceID, input)
	if err != nil {
		t.Fatalf("StartOrchestration(%s) failed: %v", name, err)
	}
	return started
}

func runEpisode(t *testing.T, eng api.Engine, instanceID string, events ...api.HistoryEvent) *api.EpisodeOutcome {
	t.Helper()
	out, err := eng.RunEpisode(context.Background(), instanceID, events)
	if err != nil {
		t.Fatalf("RunEpisode(%s) failed: %v", instanceID, err)
	}
	return out
}

func mustStatus(t *testing.T, eng api.Engine, instanceID string, want api.RuntimeStatus) *api.InstanceStatus {
	t.Helper()
	st, err := eng.GetStatus(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("GetStatus(%s) failed: %v", instanceID, err)
	}
	if st.RuntimeStatus != want {
		t.Fatalf("expected %s to be %s, got %s", instanceID, want, st.RuntimeStatus)
	}
	return st
}

// onlyAction returns the single non-terminal action of out.
func onlyAction(t *testing.T, out *api.EpisodeOutcome) api.Action {
	t.Helper()
	if len(out.Actions) != 1 {
		t.Fatalf("expected exactly one action, got %d: %#v", len(out.Actions), out.Actions)
	}
	return out.Actions[0]
}

func taskCompleted(id int, result string) *api.TaskCompleted {
	return &api.TaskCompleted{EventBase: api.EventBase{EventID: -1, Timestamp: t0}, TaskScheduledID: id, Result: result}
}

func taskFailed(id int, reason string) *api.TaskFailed {
	return &api.TaskFailed{
		EventBase:       api.EventBase{EventID: -1, Timestamp: t0},
		TaskScheduledID: id,
		Reason:          reason,
		FailureDetails:  &api.FailureDetails{ErrorType: "CardDeclined", ErrorMessage: reason},
	}
}

func raised(name, input string) *api.EventRaised {
	return &api.EventRaised{EventBase: api.EventBase{EventID: -1, Timestamp: t0}, Name: name, Input: input}
}

// checkout charges the order, waits an hour and reports the receipt.
func checkout(ctx api.OrchestrationContext) (any, error) {
	var order string
	if err := ctx.GetInput(&order); err != nil {
		return nil, err
	}
	var receipt string
	if err := ctx.ScheduleTask("Charge", order).Await(&receipt); err != nil {
		return nil, err
	}
	if err := ctx.CreateTimer(ctx.CurrentTime().Add(time.Hour)).Await(nil); err != nil {
		return nil, err
	}
	return "shipped " + receipt, nil
}

func eventTypes(events []api.HistoryEvent) []api.EventType {
	out := make([]api.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type()
	}
	return out
}

// driveCheckout plays the dispatcher for one checkout instance: it delivers
// every event the orchestration waits for until it completes.
func driveCheckout(t *testing.T, eng api.Engine, instanceID string, order any) *api.EpisodeOutcome {
	t.Helper()
	if err := eng.RegisterOrchestrator("Checkout", "", checkout); err != nil {
		// Already registered by an earlier call on the same engine.
		if !strings.Contains(err.Error(), "already registered") {
			t.Fatalf("RegisterOrchestrator failed: %v", err)
		}
	}

	out := runEpisode(t, eng, instanceID, start(t, eng, "Checkout", instanceID, order))
	task := onlyAction(t, out).(*api.ScheduleTaskAction)

	out = runEpisode(t, eng, instanceID, taskCompleted(task.ID, `"r-1"`))
	timer := onlyAction(t, out).(*api.CreateTimerAction)

	out = runEpisode(t, eng, instanceID, &api.TimerFired{
		EventBase: api.EventBase{EventID: -1, Timestamp: timer.FireAt},
		TimerID:   timer.ID,
		FireAt:    timer.FireAt,
	})
	if out.Terminal == nil || out.Terminal.Status != api.RuntimeStatusCompleted {
		t.Fatalf("expected %s to complete, got %+v", instanceID, out.Terminal)
	}
	return out
}
