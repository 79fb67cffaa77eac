package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/durabletask/internal/config"
	"github.com/petrijr/durabletask/pkg/api"
)

var t0 = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func base(id, sec int) api.EventBase {
	return api.EventBase{EventID: id, Timestamp: at(sec)}
}

func started(instanceID, executionID, input string) *api.ExecutionStarted {
	return &api.ExecutionStarted{
		EventBase:   base(-1, 0),
		Name:        "OrderFlow",
		Version:     "v1",
		Input:       input,
		InstanceID:  instanceID,
		ExecutionID: executionID,
	}
}

// episode returns an OrchestratorStarted/Completed bracket around n
// scheduled tasks whose ids start at firstID.
func episode(firstID, n, sec int) []api.HistoryEvent {
	out := []api.HistoryEvent{&api.OrchestratorStarted{EventBase: base(-1, sec)}}
	for i := 0; i < n; i++ {
		out = append(out, &api.TaskScheduled{
			EventBase: base(firstID+i, sec),
			Name:      "Charge",
			Input:     fmt.Sprintf(`{"n":%d}`, firstID+i),
		})
	}
	return append(out, &api.OrchestratorCompleted{EventBase: base(-1, sec)})
}

type recordingObserver struct {
	api.NoopObserver

	mu          sync.Mutex
	batches     []int
	splitBrains []*api.SplitBrainError
	rewound     [][]string
	purged      []string
}

func (o *recordingObserver) OnHistoryAppended(ctx context.Context, instanceID, executionID string, n, b int, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, b)
}

func (o *recordingObserver) OnSplitBrain(ctx context.Context, err *api.SplitBrainError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.splitBrains = append(o.splitBrains, err)
}

func (o *recordingObserver) OnRewind(ctx context.Context, instanceID string, leaves []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rewound = append(o.rewound, leaves)
}

func (o *recordingObserver) OnPurge(ctx context.Context, instanceID string, r api.PurgeResult, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.purged = append(o.purged, instanceID)
}

func testSettings() config.Settings {
	s := config.Default()
	s.TaskHubName, s.HistoryTableName, s.InstancesTableName = "test", "", ""
	return s.WithDefaults()
}

func newTestHistoryStore(t *testing.T, p Persistence, settings config.Settings, opts ...HistoryStoreOption) *HistoryStore {
	t.Helper()

	opts = append([]HistoryStoreOption{WithClock(func() time.Time { return at(1000) })}, opts...)
	h, err := p.HistoryStore(context.Background(), settings, opts...)
	if err != nil {
		t.Fatalf("HistoryStore failed: %v", err)
	}
	return h
}

// appendOK appends events and fails the test on error.
func appendOK(t *testing.T, h *HistoryStore, req AppendRequest) string {
	t.Helper()
	etag, err := h.AppendEpisode(context.Background(), req)
	if err != nil {
		t.Fatalf("AppendEpisode(%s) failed: %v", req.InstanceID, err)
	}
	if etag == "" {
		t.Fatalf("expected a concurrency token")
	}
	return etag
}

// startInstance writes the status row and first episode of an instance and
// returns the token.
func startInstance(t *testing.T, h *HistoryStore, instanceID, executionID string) string {
	t.Helper()
	ev := started(instanceID, executionID, `"in"`)
	ok, err := h.SetNewExecution(context.Background(), ev, "", "")
	if err != nil || !ok {
		t.Fatalf("SetNewExecution(%s) = %v, %v", instanceID, ok, err)
	}
	events := append([]api.HistoryEvent{ev}, episode(0, 1, 1)...)
	return appendOK(t, h, AppendRequest{InstanceID: instanceID, ExecutionID: executionID, NewEvents: events})
}

func mustHistory(t *testing.T, h *HistoryStore, instanceID, expected string) *api.OrchestrationHistory {
	t.Helper()
	hist, err := h.GetHistory(context.Background(), instanceID, expected)
	if err != nil {
		t.Fatalf("GetHistory(%s) failed: %v", instanceID, err)
	}
	return hist
}

func eventTypes(events []api.HistoryEvent) []api.EventType {
	out := make([]api.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type()
	}
	return out
}
