package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/durabletask/internal/config"
	"github.com/petrijr/durabletask/pkg/api"
)

// Sentinel row layout. There is one sentinel per instance; its etag is the
// concurrency token of every history append.
const (
	sentinelRowKey = "sentinel"

	propIsCheckpointComplete         = "IsCheckpointComplete"
	propCheckpointCompletedTimestamp = "CheckpointCompletedTimestamp"
	propCommittedExecutionID         = "CommittedExecutionId"
	propCommittedEventCount          = "CommittedEventCount"
)

const (
	// maxEventsPerBatch leaves room for the sentinel in a 100-op batch.
	maxEventsPerBatch = 99
	// maxBatchEstimatedBytes keeps a safety margin below MaxBatchBytes.
	maxBatchEstimatedBytes = 3 * 1024 * 1024
	// fixedRowBytes accounts for the static-length properties of a row.
	fixedRowBytes = 1024
)

const tracerName = "github.com/petrijr/durabletask/internal/persistence"

// HistoryStore persists orchestration histories and their status
// projection on a TableStore, externalizing large payloads to an
// ObjectStore.
type HistoryStore struct {
	tables   TableStore
	objects  ObjectStore
	settings config.Settings
	observer api.Observer
	tracer   trace.Tracer
	clock    func() time.Time
}

// HistoryStoreOption configures a HistoryStore.
type HistoryStoreOption func(*HistoryStore)

// WithObserver sets the observer notified of storage events.
func WithObserver(obs api.Observer) HistoryStoreOption {
	return func(h *HistoryStore) {
		if obs != nil {
			h.observer = obs
		}
	}
}

// WithClock replaces the wall clock used for store-assigned timestamps.
func WithClock(clock func() time.Time) HistoryStoreOption {
	return func(h *HistoryStore) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHistoryStore creates a HistoryStore. Zero settings fields take their
// defaults.
func NewHistoryStore(tables TableStore, objects ObjectStore, settings config.Settings, opts ...HistoryStoreOption) *HistoryStore {
	h := &HistoryStore{
		tables:   tables,
		objects:  objects,
		settings: settings.WithDefaults(),
		observer: api.NoopObserver{},
		tracer:   otel.Tracer(tracerName),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Settings returns the effective settings.
func (h *HistoryStore) Settings() config.Settings {
	return h.settings
}

func (h *HistoryStore) startSpan(ctx context.Context, name, instanceID string) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, "durabletask."+name,
		trace.WithAttributes(
			attribute.String("durabletask.task_hub", h.settings.TaskHubName),
			attribute.String("durabletask.instance_id", instanceID),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Create creates the history and instances tables.
func (h *HistoryStore) Create(ctx context.Context) error {
	if err := h.tables.CreateTable(ctx, h.settings.HistoryTableName); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	if err := h.tables.CreateTable(ctx, h.settings.InstancesTableName); err != nil {
		return fmt.Errorf("create instances table: %w", err)
	}
	return nil
}

// Delete drops both tables. Externalized payloads are left to the object
// store's own lifecycle.
func (h *HistoryStore) Delete(ctx context.Context) error {
	if err := h.tables.DeleteTable(ctx, h.settings.HistoryTableName); err != nil {
		return fmt.Errorf("delete history table: %w", err)
	}
	if err := h.tables.DeleteTable(ctx, h.settings.InstancesTableName); err != nil {
		return fmt.Errorf("delete instances table: %w", err)
	}
	return nil
}

// Exists reports whether both tables exist.
func (h *HistoryStore) Exists(ctx context.Context) (bool, error) {
	for _, t := range []string{h.settings.HistoryTableName, h.settings.InstancesTableName} {
		ok, err := h.tables.TableExists(ctx, t)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// GetHistory reads the committed history of the newest generation of an
// instance. When expectedExecutionID is set, only rows of that generation
// are returned.
//
// Rows beyond the event count recorded by the last completed checkpoint are
// dropped: they belong to an append that crashed or lost a race.
func (h *HistoryStore) GetHistory(ctx context.Context, instanceID, expectedExecutionID string) (_ *api.OrchestrationHistory, err error) {
	ctx, span := h.startSpan(ctx, "GetHistory", instanceID)
	defer func() { endSpan(span, err) }()

	start := time.Now()
	rows, err := QueryAll(ctx, h.tables, h.settings.HistoryTableName, TableQuery{PartitionKey: instanceID})
	if err != nil {
		return nil, fmt.Errorf("query history of %s: %w", instanceID, err)
	}

	var (
		sentinel    *Entity
		executionID = expectedExecutionID
		kept        []*Entity
		stopped     bool
	)
	for _, row := range rows {
		if row.RowKey == sentinelRowKey {
			sentinel = row
			continue
		}
		if _, ok := parseSequenceRowKey(row.RowKey); !ok || stopped {
			continue
		}
		rowExecution := row.GetString(propExecutionID)
		if executionID == "" {
			executionID = rowExecution
		}
		if rowExecution != executionID {
			// Rows of an older generation that the newest one did not
			// overwrite. With an expected id, keep scanning for matches.
			if expectedExecutionID == "" {
				stopped = true
			}
			continue
		}
		kept = append(kept, row)
	}

	hist := &api.OrchestrationHistory{IsCheckpointComplete: true}
	if sentinel != nil {
		hist.ETag = sentinel.ETag
		hist.IsCheckpointComplete = sentinel.GetBool(propIsCheckpointComplete)
		hist.CheckpointCompleted = sentinel.GetTime(propCheckpointCompletedTimestamp)
		if executionID == "" {
			executionID = sentinel.GetString(propExecutionID)
		}
		kept = truncateToCheckpoint(kept, sentinel, executionID)
	}
	hist.ExecutionID = executionID

	hist.Events = make([]api.HistoryEvent, 0, len(kept))
	for _, row := range kept {
		if err := h.decompressLargeProperties(ctx, row); err != nil {
			return nil, err
		}
		ev, err := entityToEvent(row)
		if err != nil {
			return nil, err
		}
		hist.Events = append(hist.Events, ev)
	}

	span.SetAttributes(attribute.Int("durabletask.event_count", len(hist.Events)))
	h.observer.OnHistoryFetched(ctx, instanceID, executionID, len(hist.Events), time.Since(start))
	return hist, nil
}

// truncateToCheckpoint drops rows the sentinel does not vouch for.
func truncateToCheckpoint(rows []*Entity, sentinel *Entity, executionID string) []*Entity {
	if !sentinel.Has(propCommittedExecutionID) {
		if sentinel.GetBool(propIsCheckpointComplete) {
			return rows
		}
		// The first checkpoint of the instance never completed.
		return nil
	}
	if sentinel.GetString(propCommittedExecutionID) != executionID {
		// The generation never completed its first checkpoint.
		return nil
	}
	limit := sentinel.GetInt(propCommittedEventCount)
	out := rows[:0:0]
	for _, row := range rows {
		if seq, _ := parseSequenceRowKey(row.RowKey); seq < limit {
			out = append(out, row)
		}
	}
	return out
}

// AppendRequest describes the events produced by one episode.
type AppendRequest struct {
	InstanceID  string
	ExecutionID string
	NewEvents   []api.HistoryEvent

	// SequenceOffset is the number of events already committed for the
	// generation; the first new event gets this sequence number.
	SequenceOffset int

	// ETag is the token returned by the last read or append; empty for an
	// instance that has never been written.
	ETag string

	// CustomStatus is projected into the status row when non-empty.
	CustomStatus string
}

// AppendEpisode writes the new events of an episode and returns the new
// concurrency token. Events are written in sub-batches, each committed
// together with the sentinel; only the last one marks the checkpoint as
// complete. Losing the etag race yields a *api.SplitBrainError.
func (h *HistoryStore) AppendEpisode(ctx context.Context, req AppendRequest) (_ string, err error) {
	ctx, span := h.startSpan(ctx, "AppendEpisode", req.InstanceID)
	defer func() { endSpan(span, err) }()

	if len(req.NewEvents) == 0 {
		return req.ETag, nil
	}

	start := time.Now()
	status := newStatusProjection(req.InstanceID, req.ExecutionID, req.NewEvents[len(req.NewEvents)-1].Time())
	if req.CustomStatus != "" {
		status.entity.Set(propCustomStatus, req.CustomStatus)
	}

	var (
		batch     []TableOperation
		types     []api.EventType
		estimated int
		committed int
		etag      = req.ETag
		total     = req.SequenceOffset + len(req.NewEvents)
	)
	flush := func(final bool) error {
		newETag, err := h.uploadHistoryBatch(ctx, req, batch, types, etag, final, total, committed)
		if err != nil {
			return err
		}
		etag = newETag
		committed++
		batch, types, estimated = nil, nil, 0
		return nil
	}

	for i, ev := range req.NewEvents {
		row, err := eventToEntity(req.InstanceID, req.ExecutionID, req.SequenceOffset+i, ev)
		if err != nil {
			return "", err
		}
		if err := h.compressLargeProperties(ctx, row, historyBlobNamer(row)); err != nil {
			return "", err
		}
		status.apply(ev, row, h.clock())

		// A replayed episode may rewrite rows a failed attempt left behind.
		batch = append(batch, InsertOrReplace(row))
		types = append(types, ev.Type())
		estimated += estimatedRowBytes(row)

		if len(batch) == maxEventsPerBatch || estimated > maxBatchEstimatedBytes {
			if err := flush(i == len(req.NewEvents)-1); err != nil {
				return "", err
			}
		}
	}
	if len(batch) > 0 {
		if err := flush(true); err != nil {
			return "", err
		}
	}

	if err := h.writeStatusProjection(ctx, status); err != nil {
		return "", err
	}

	span.SetAttributes(
		attribute.Int("durabletask.event_count", len(req.NewEvents)),
		attribute.Int("durabletask.batch_count", committed),
	)
	h.observer.OnHistoryAppended(ctx, req.InstanceID, req.ExecutionID, len(req.NewEvents), committed, time.Since(start))
	return etag, nil
}

func (h *HistoryStore) uploadHistoryBatch(
	ctx context.Context,
	req AppendRequest,
	batch []TableOperation,
	types []api.EventType,
	etag string,
	final bool,
	total int,
	committed int,
) (string, error) {
	sentinel := NewEntity(req.InstanceID, sentinelRowKey)
	sentinel.Set(propExecutionID, req.ExecutionID)
	sentinel.Set(propIsCheckpointComplete, final)
	if final {
		sentinel.Set(propCheckpointCompletedTimestamp, h.clock())
		sentinel.Set(propCommittedExecutionID, req.ExecutionID)
		sentinel.Set(propCommittedEventCount, total)
	}

	ops := make([]TableOperation, 0, len(batch)+1)
	ops = append(ops, batch...)
	if etag == "" {
		ops = append(ops, Insert(sentinel))
	} else {
		ops = append(ops, Merge(sentinel, etag))
	}

	res, err := h.tables.ExecuteBatch(ctx, h.settings.HistoryTableName, ops)
	if err != nil {
		if errors.Is(err, ErrPreconditionFailed) || errors.Is(err, ErrConflict) {
			sb := &api.SplitBrainError{
				InstanceID:       req.InstanceID,
				ExecutionID:      req.ExecutionID,
				ETag:             etag,
				EventCount:       len(types),
				EventTypes:       types,
				CommittedBatches: committed,
				Err:              err,
			}
			h.observer.OnSplitBrain(ctx, sb)
			return "", sb
		}
		return "", fmt.Errorf("append history of %s: %w", req.InstanceID, err)
	}
	return res.ETags[len(res.ETags)-1], nil
}

// estimatedRowBytes approximates a row's contribution to the batch size.
func estimatedRowBytes(e *Entity) int {
	n := fixedRowBytes
	for _, name := range variableSizeProperties {
		if s, ok := e.Properties[name].(string); ok && s != "" {
			n += UTF16Len(s)
		}
	}
	return n
}
