package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/durabletask/internal/config"
	"github.com/petrijr/durabletask/internal/persistence"
	"github.com/petrijr/durabletask/internal/replay"
	"github.com/petrijr/durabletask/pkg/api"
)

// engineImpl runs episodes on the calling goroutine. It keeps no
// per-instance state between calls.
type engineImpl struct {
	registry *orchestratorRegistry
	store    *persistence.HistoryStore
	executor *replay.Executor
	clock    func() time.Time
	newID    func() string
}

var _ api.Engine = (*engineImpl)(nil)

// Config describes how to construct an engineImpl.
// Only used inside this package; external callers use the helper functions.
type Config struct {
	Persistence persistence.Persistence

	// Zero Settings fields take the config.Default() values.
	Settings config.Settings

	Observer  api.Observer
	Converter api.DataConverter

	// Clock stamps OrchestratorStarted events. Defaults to time.Now in UTC.
	Clock func() time.Time

	// NewID generates instance and execution ids. Defaults to random UUIDs.
	NewID func() string
}

// NewEngineWithConfig creates the history tables if needed and returns an
// Engine over them.
func NewEngineWithConfig(ctx context.Context, cfg Config) (api.Engine, error) {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	conv := cfg.Converter
	if conv == nil {
		conv = api.JSONConverter{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	settings := cfg.Settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	store, err := cfg.Persistence.HistoryStore(ctx, settings,
		persistence.WithObserver(obs),
		persistence.WithClock(clock),
	)
	if err != nil {
		return nil, err
	}

	return &engineImpl{
		registry: newOrchestratorRegistry(),
		store:    store,
		executor: replay.NewExecutor(replay.WithConverter(conv), replay.WithObserver(obs)),
		clock:    clock,
		newID:    newID,
	}, nil
}

// NewEngine returns an Engine with default settings over p.
func NewEngine(ctx context.Context, p persistence.Persistence) (api.Engine, error) {
	return NewEngineWithConfig(ctx, Config{Persistence: p})
}

// NewInMemoryEngine returns an Engine backed by in-memory stores.
func NewInMemoryEngine() api.Engine {
	e, err := NewEngine(context.Background(), persistence.NewMemoryPersistence())
	if err != nil {
		// Creating memory tables with default settings does not fail.
		panic(err)
	}
	return e
}

// NewSQLiteEngine keeps history and status rows in db and large payloads
// in objects.
func NewSQLiteEngine(ctx context.Context, db *sql.DB, objects persistence.ObjectStore) (api.Engine, error) {
	tables, err := persistence.NewSQLiteTableStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(ctx, persistence.Persistence{Tables: tables, Objects: objects})
}

func NewPostgresEngine(ctx context.Context, db *sql.DB, objects persistence.ObjectStore) (api.Engine, error) {
	tables, err := persistence.NewPostgresTableStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(ctx, persistence.Persistence{Tables: tables, Objects: objects})
}

func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, objects persistence.ObjectStore) (api.Engine, error) {
	tables, err := persistence.NewMongoTableStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return NewEngine(ctx, persistence.Persistence{Tables: tables, Objects: objects})
}

func (e *engineImpl) RegisterOrchestrator(name, version string, o api.Orchestrator) error {
	return e.registry.Register(name, version, o)
}

func (e *engineImpl) StartOrchestration(
	ctx context.Context,
	name, version, instanceID string,
	input any,
	opts ...api.StartOption,
) (*api.ExecutionStarted, error) {
	if _, err := e.registry.Get(name, version); err != nil {
		return nil, err
	}

	var o api.StartOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, err := e.executor.Converter().Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("orchestration input: %w", err)
	}
	if instanceID == "" {
		instanceID = e.newID()
	}

	started := &api.ExecutionStarted{
		EventBase:          api.EventBase{EventID: -1, Timestamp: e.clock()},
		Name:               name,
		Version:            version,
		Input:              data,
		InstanceID:         instanceID,
		ExecutionID:        e.newID(),
		Parent:             o.Parent,
		ScheduledStartTime: o.ScheduledStartTime,
		Tags:               o.Tags,
	}

	ok, err := e.store.SetNewExecution(ctx, started, "", "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrInstanceAlreadyExists, instanceID)
	}
	return started, nil
}

func (e *engineImpl) RunEpisode(ctx context.Context, instanceID string, newEvents []api.HistoryEvent) (*api.EpisodeOutcome, error) {
	hist, err := e.store.GetHistory(ctx, instanceID, "")
	if err != nil {
		return nil, err
	}
	if hist.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", api.ErrInstanceCompleted, instanceID)
	}

	started := hist.Started()
	if started == nil {
		for _, ev := range newEvents {
			if s, ok := ev.(*api.ExecutionStarted); ok {
				started = s
				break
			}
		}
	}
	if started == nil {
		return nil, fmt.Errorf("%w: %s has no started execution", api.ErrInstanceNotFound, instanceID)
	}

	orch, err := e.registry.Get(started.Name, started.Version)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	episode := make([]api.HistoryEvent, 0, len(newEvents)+1)
	episode = append(episode, &api.OrchestratorStarted{EventBase: api.EventBase{EventID: -1, Timestamp: now}})
	episode = append(episode, newEvents...)

	res, err := e.executor.RunEpisode(ctx, replay.Episode{
		InstanceID: instanceID,
		PastEvents: hist.Events,
		NewEvents:  episode,
	}, orch)
	if err != nil {
		return nil, err
	}

	appended := episode
	for _, a := range res.Actions {
		if ev := actionEvent(a, now); ev != nil {
			appended = append(appended, ev)
		}
	}
	appended = append(appended, &api.OrchestratorCompleted{EventBase: api.EventBase{EventID: -1, Timestamp: now}})

	etag, err := e.store.AppendEpisode(ctx, persistence.AppendRequest{
		InstanceID:     instanceID,
		ExecutionID:    started.ExecutionID,
		NewEvents:      appended,
		SequenceOffset: len(hist.Events),
		ETag:           hist.ETag,
		CustomStatus:   res.CustomStatus,
	})
	if err != nil {
		return nil, err
	}

	out := &api.EpisodeOutcome{
		InstanceID:  instanceID,
		ExecutionID: started.ExecutionID,
		Actions:     res.Actions,
		Terminal:    res.Terminal,
		Appended:    appended,
		ETag:        etag,
	}
	if res.Terminal != nil && res.Terminal.Status == api.RuntimeStatusContinuedAsNew {
		if err := e.continueAsNew(ctx, out, started, res.Terminal, now); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// continueAsNew records the start of the next generation. Its rows take
// over the instance's row keys from sequence 0.
func (e *engineImpl) continueAsNew(
	ctx context.Context,
	out *api.EpisodeOutcome,
	prev *api.ExecutionStarted,
	term *api.CompleteOrchestrationAction,
	now time.Time,
) error {
	version := term.NewVersion
	if version == "" {
		version = prev.Version
	}
	next := &api.ExecutionStarted{
		EventBase:   api.EventBase{EventID: -1, Timestamp: now},
		Name:        prev.Name,
		Version:     version,
		Input:       term.Result,
		InstanceID:  out.InstanceID,
		ExecutionID: e.newID(),
		Parent:      prev.Parent,
		Generation:  prev.Generation + 1,
		Tags:        prev.Tags,
	}

	events := make([]api.HistoryEvent, 0, len(term.CarryoverEvents)+1)
	events = append(events, next)
	events = append(events, term.CarryoverEvents...)

	etag, err := e.store.AppendEpisode(ctx, persistence.AppendRequest{
		InstanceID:  out.InstanceID,
		ExecutionID: next.ExecutionID,
		NewEvents:   events,
		ETag:        out.ETag,
	})
	if err != nil {
		return fmt.Errorf("start generation %d of %s: %w", next.Generation, out.InstanceID, err)
	}
	out.ETag = etag
	out.NextExecutionID = next.ExecutionID
	return nil
}

// actionEvent is the history event that records a. Terminations are
// already recorded by the ExecutionTerminated event that caused them.
func actionEvent(a api.Action, now time.Time) api.HistoryEvent {
	base := api.EventBase{EventID: a.ActionID(), Timestamp: now}
	switch x := a.(type) {
	case *api.ScheduleTaskAction:
		return &api.TaskScheduled{EventBase: base, Name: x.Name, Version: x.Version, Input: x.Input, Tags: x.Tags}
	case *api.CreateTimerAction:
		return &api.TimerCreated{EventBase: base, FireAt: x.FireAt}
	case *api.CreateSubOrchestrationAction:
		return &api.SubOrchestrationInstanceCreated{
			EventBase:  base,
			Name:       x.Name,
			Version:    x.Version,
			InstanceID: x.InstanceID,
			Input:      x.Input,
			Tags:       x.Tags,
		}
	case *api.SendEventAction:
		return &api.EventSent{EventBase: base, InstanceID: x.InstanceID, Name: x.Name, Input: x.Data}
	case *api.CompleteOrchestrationAction:
		switch x.Status {
		case api.RuntimeStatusTerminated:
			return nil
		case api.RuntimeStatusContinuedAsNew:
			return &api.ContinueAsNew{EventBase: base, Input: x.Result}
		}
		return &api.ExecutionCompleted{EventBase: base, Status: x.Status, Result: x.Result, FailureDetails: x.FailureDetails}
	}
	return nil
}

func (e *engineImpl) GetHistory(ctx context.Context, instanceID string) (*api.OrchestrationHistory, error) {
	return e.store.GetHistory(ctx, instanceID, "")
}

func (e *engineImpl) GetStatus(ctx context.Context, instanceID string) (*api.InstanceStatus, error) {
	return e.store.GetStatus(ctx, instanceID)
}

func (e *engineImpl) GetStatuses(ctx context.Context, instanceIDs []string) ([]*api.InstanceStatus, error) {
	return e.store.GetStatuses(ctx, instanceIDs)
}

func (e *engineImpl) QueryStatuses(ctx context.Context, q api.StatusQuery) (*api.StatusPage, error) {
	return e.store.QueryStatuses(ctx, q)
}

func (e *engineImpl) PurgeInstance(ctx context.Context, instanceID string) (api.PurgeResult, error) {
	return e.store.PurgeInstance(ctx, instanceID)
}

func (e *engineImpl) PurgeByDateRange(ctx context.Context, from, to time.Time, statuses []api.RuntimeStatus) (api.PurgeResult, error) {
	return e.store.PurgeByDateRange(ctx, from, to, statuses)
}

func (e *engineImpl) Rewind(ctx context.Context, instanceID string) ([]string, error) {
	return e.store.Rewind(ctx, instanceID)
}
