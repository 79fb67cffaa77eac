package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the replay engine and the history store
// for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay orchestration episodes.
type Observer interface {
	// OnEpisodeStarted is called before orchestrator code is replayed.
	OnEpisodeStarted(ctx context.Context, instanceID, executionID string, pastEvents, newEvents int)

	// OnEpisodeCompleted is called after an episode produced its actions.
	// status is empty when the orchestration is still running.
	OnEpisodeCompleted(ctx context.Context, instanceID, executionID string, actions int, status RuntimeStatus, d time.Duration)

	// OnNonDeterminism is called when replay aborts an episode.
	OnNonDeterminism(ctx context.Context, instanceID string, err *NonDeterminismError)

	// OnDuplicateEvent is called when a completion event refers to an await
	// that is not open. The event is ignored.
	OnDuplicateEvent(ctx context.Context, instanceID string, eventType EventType, taskScheduledID int)

	OnHistoryFetched(ctx context.Context, instanceID, executionID string, events int, d time.Duration)
	OnHistoryAppended(ctx context.Context, instanceID, executionID string, events, batches int, d time.Duration)

	// OnSplitBrain is called when an append lost its optimistic concurrency
	// check.
	OnSplitBrain(ctx context.Context, err *SplitBrainError)

	OnStatusUpdated(ctx context.Context, instanceID, executionID string, status RuntimeStatus)

	// OnPurge is called once per purge request. instanceID is empty for
	// purges by date range.
	OnPurge(ctx context.Context, instanceID string, result PurgeResult, d time.Duration)

	OnRewind(ctx context.Context, instanceID string, leaves []string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEpisodeStarted(ctx context.Context, instanceID, executionID string, past, next int) {
}
func (NoopObserver) OnEpisodeCompleted(ctx context.Context, instanceID, executionID string, actions int, status RuntimeStatus, d time.Duration) {
}
func (NoopObserver) OnNonDeterminism(ctx context.Context, instanceID string, err *NonDeterminismError) {
}
func (NoopObserver) OnDuplicateEvent(ctx context.Context, instanceID string, t EventType, id int) {}
func (NoopObserver) OnHistoryFetched(ctx context.Context, instanceID, executionID string, n int, d time.Duration) {
}
func (NoopObserver) OnHistoryAppended(ctx context.Context, instanceID, executionID string, n, b int, d time.Duration) {
}
func (NoopObserver) OnSplitBrain(ctx context.Context, err *SplitBrainError) {}
func (NoopObserver) OnStatusUpdated(ctx context.Context, instanceID, executionID string, s RuntimeStatus) {
}
func (NoopObserver) OnPurge(ctx context.Context, instanceID string, r PurgeResult, d time.Duration) {}
func (NoopObserver) OnRewind(ctx context.Context, instanceID string, leaves []string)               {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEpisodeStarted(ctx context.Context, instanceID, executionID string, past, next int) {
	for _, o := range c.observers {
		o.OnEpisodeStarted(ctx, instanceID, executionID, past, next)
	}
}

func (c *CompositeObserver) OnEpisodeCompleted(ctx context.Context, instanceID, executionID string, actions int, status RuntimeStatus, d time.Duration) {
	for _, o := range c.observers {
		o.OnEpisodeCompleted(ctx, instanceID, executionID, actions, status, d)
	}
}

func (c *CompositeObserver) OnNonDeterminism(ctx context.Context, instanceID string, err *NonDeterminismError) {
	for _, o := range c.observers {
		o.OnNonDeterminism(ctx, instanceID, err)
	}
}

func (c *CompositeObserver) OnDuplicateEvent(ctx context.Context, instanceID string, t EventType, id int) {
	for _, o := range c.observers {
		o.OnDuplicateEvent(ctx, instanceID, t, id)
	}
}

func (c *CompositeObserver) OnHistoryFetched(ctx context.Context, instanceID, executionID string, n int, d time.Duration) {
	for _, o := range c.observers {
		o.OnHistoryFetched(ctx, instanceID, executionID, n, d)
	}
}

func (c *CompositeObserver) OnHistoryAppended(ctx context.Context, instanceID, executionID string, n, b int, d time.Duration) {
	for _, o := range c.observers {
		o.OnHistoryAppended(ctx, instanceID, executionID, n, b, d)
	}
}

func (c *CompositeObserver) OnSplitBrain(ctx context.Context, err *SplitBrainError) {
	for _, o := range c.observers {
		o.OnSplitBrain(ctx, err)
	}
}

func (c *CompositeObserver) OnStatusUpdated(ctx context.Context, instanceID, executionID string, s RuntimeStatus) {
	for _, o := range c.observers {
		o.OnStatusUpdated(ctx, instanceID, executionID, s)
	}
}

func (c *CompositeObserver) OnPurge(ctx context.Context, instanceID string, r PurgeResult, d time.Duration) {
	for _, o := range c.observers {
		o.OnPurge(ctx, instanceID, r, d)
	}
}

func (c *CompositeObserver) OnRewind(ctx context.Context, instanceID string, leaves []string) {
	for _, o := range c.observers {
		o.OnRewind(ctx, instanceID, leaves)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs episode and storage
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEpisodeStarted(ctx context.Context, instanceID, executionID string, past, next int) {
	o.Logger.DebugContext(ctx, "episode_started",
		slog.String("instance_id", instanceID),
		slog.String("execution_id", executionID),
		slog.Int("past_events", past),
		slog.Int("new_events", next),
	)
}

func (o *LoggingObserver) OnEpisodeCompleted(ctx context.Context, instanceID, executionID string, actions int, status RuntimeStatus, d time.Duration) {
	level := slog.LevelDebug
	if status != "" {
		level = slog.LevelInfo
	}
	o.Logger.Log(ctx, level, "episode_completed",
		slog.String("instance_id", instanceID),
		slog.String("execution_id", executionID),
		slog.Int("actions", actions),
		slog.String("status", string(status)),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnNonDeterminism(ctx context.Context, instanceID string, err *NonDeterminismError) {
	o.Logger.ErrorContext(ctx, "non_determinism_detected",
		slog.String("instance_id", instanceID),
		slog.String("execution_id", err.ExecutionID),
		slog.Int("event_id", err.EventID),
		slog.String("event_type", string(err.EventType)),
		slog.String("name", err.Name),
		slog.String("reason", err.Reason),
	)
}

func (o *LoggingObserver) OnDuplicateEvent(ctx context.Context, instanceID string, t EventType, id int) {
	o.Logger.WarnContext(ctx, "duplicate_event",
		slog.String("instance_id", instanceID),
		slog.String("event_type", string(t)),
		slog.Int("task_scheduled_id", id),
	)
}

func (o *LoggingObserver) OnHistoryFetched(ctx context.Context, instanceID, executionID string, n int, d time.Duration) {
	o.Logger.DebugContext(ctx, "history_fetched",
		slog.String("instance_id", instanceID),
		slog.String("execution_id", executionID),
		slog.Int("events", n),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnHistoryAppended(ctx context.Context, instanceID, executionID string, n, b int, d time.Duration) {
	o.Logger.DebugContext(ctx, "history_appended",
		slog.String("instance_id", instanceID),
		slog.String("execution_id", executionID),
		slog.Int("events", n),
		slog.Int("batches", b),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnSplitBrain(ctx context.Context, err *SplitBrainError) {
	types := make([]string, len(err.EventTypes))
	for i, t := range err.EventTypes {
		types[i] = string(t)
	}
	o.Logger.ErrorContext(ctx, "split_brain_detected",
		slog.String("instance_id", err.InstanceID),
		slog.String("execution_id", err.ExecutionID),
		slog.Int("events", err.EventCount),
		slog.Any("event_types", types),
		slog.String("etag", err.ETag),
		slog.Int("committed_batches", err.CommittedBatches),
		slog.Any("error", err.Err),
	)
}

func (o *LoggingObserver) OnStatusUpdated(ctx context.Context, instanceID, executionID string, s RuntimeStatus) {
	o.Logger.DebugContext(ctx, "instance_status_updated",
		slog.String("instance_id", instanceID),
		slog.String("execution_id", executionID),
		slog.String("status", string(s)),
	)
}

func (o *LoggingObserver) OnPurge(ctx context.Context, instanceID string, r PurgeResult, d time.Duration) {
	o.Logger.InfoContext(ctx, "instance_history_purged",
		slog.String("instance_id", instanceID),
		slog.Int("storage_requests", r.StorageRequests),
		slog.Int("instances_deleted", r.InstancesDeleted),
		slog.Int("rows_deleted", r.RowsDeleted),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnRewind(ctx context.Context, instanceID string, leaves []string) {
	o.Logger.InfoContext(ctx, "instance_rewound",
		slog.String("instance_id", instanceID),
		slog.Any("leaves", leaves),
	)
}

// BasicMetrics collects simple counters and aggregate episode durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	episodesStarted      atomic.Int64
	episodesCompleted    atomic.Int64
	orchestrationsDone   atomic.Int64
	nonDeterminism       atomic.Int64
	duplicateEvents      atomic.Int64
	splitBrains          atomic.Int64
	eventsAppended       atomic.Int64
	instancesPurged      atomic.Int64
	totalEpisodeDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	EpisodesStarted    int64
	EpisodesCompleted  int64
	OrchestrationsDone int64
	NonDeterminism     int64
	DuplicateEvents    int64
	SplitBrains        int64
	EventsAppended     int64
	InstancesPurged    int64

	AvgEpisodeDuration time.Duration
}

func (m *BasicMetrics) OnEpisodeStarted(ctx context.Context, instanceID, executionID string, past, next int) {
	m.episodesStarted.Add(1)
}

func (m *BasicMetrics) OnEpisodeCompleted(ctx context.Context, instanceID, executionID string, actions int, status RuntimeStatus, d time.Duration) {
	m.episodesCompleted.Add(1)
	m.totalEpisodeDuration.Add(d.Nanoseconds())
	if status.IsTerminal() {
		m.orchestrationsDone.Add(1)
	}
}

func (m *BasicMetrics) OnNonDeterminism(ctx context.Context, instanceID string, err *NonDeterminismError) {
	m.nonDeterminism.Add(1)
}

func (m *BasicMetrics) OnDuplicateEvent(ctx context.Context, instanceID string, t EventType, id int) {
	m.duplicateEvents.Add(1)
}

func (m *BasicMetrics) OnHistoryAppended(ctx context.Context, instanceID, executionID string, n, b int, d time.Duration) {
	m.eventsAppended.Add(int64(n))
}

func (m *BasicMetrics) OnSplitBrain(ctx context.Context, err *SplitBrainError) {
	m.splitBrains.Add(1)
}

func (m *BasicMetrics) OnPurge(ctx context.Context, instanceID string, r PurgeResult, d time.Duration) {
	m.instancesPurged.Add(int64(r.InstancesDeleted))
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.episodesCompleted.Load()
	totalNs := m.totalEpisodeDuration.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	return BasicMetricsSnapshot{
		EpisodesStarted:    m.episodesStarted.Load(),
		EpisodesCompleted:  completed,
		OrchestrationsDone: m.orchestrationsDone.Load(),
		NonDeterminism:     m.nonDeterminism.Load(),
		DuplicateEvents:    m.duplicateEvents.Load(),
		SplitBrains:        m.splitBrains.Load(),
		EventsAppended:     m.eventsAppended.Load(),
		InstancesPurged:    m.instancesPurged.Load(),
		AvgEpisodeDuration: avg,
	}
}
