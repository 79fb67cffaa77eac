package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/durabletask/pkg/api"
)

// Status row property names. The status row of an instance has the
// instance id as partition key and an empty row key.
const (
	statusRowKey = ""

	propRuntimeStatus   = "RuntimeStatus"
	propCreatedTime     = "CreatedTime"
	propCompletedTime   = "CompletedTime"
	propLastUpdatedTime = "LastUpdatedTime"
	propOutput          = "Output"
	propCustomStatus    = "CustomStatus"
	propTaskHubName     = "TaskHubName"
)

// statusColumns are fetched by queries regardless of FetchInput and
// FetchOutput.
var statusColumns = []string{
	propExecutionID,
	propName,
	propVersion,
	propRuntimeStatus,
	propCreatedTime,
	propCompletedTime,
	propLastUpdatedTime,
	propScheduledStartTime,
	propCustomStatus,
	propGeneration,
}

// statusProjection accumulates the status row changes implied by a run of
// new history events.
type statusProjection struct {
	entity *Entity
	status api.RuntimeStatus
}

func newStatusProjection(instanceID, executionID string, lastUpdated time.Time) *statusProjection {
	e := NewEntity(instanceID, statusRowKey)
	e.Set(propExecutionID, executionID)
	e.Set(propLastUpdatedTime, lastUpdated)
	e.Set(propRuntimeStatus, string(api.RuntimeStatusRunning))
	return &statusProjection{entity: e, status: api.RuntimeStatusRunning}
}

// apply folds one event into the projection. Appends without a lifecycle
// event leave the instance Running. row is the event's history
// row after externalization, so a payload already moved to the object store
// is referenced rather than uploaded twice.
func (p *statusProjection) apply(ev api.HistoryEvent, row *Entity, now time.Time) {
	e := p.entity
	switch x := ev.(type) {
	case *api.ExecutionStarted:
		p.status = api.RuntimeStatusRunning
		e.Set(propName, x.Name)
		e.Set(propVersion, x.Version)
		e.Set(propCreatedTime, x.Timestamp)
		e.Set(propRuntimeStatus, string(p.status))
		e.Set(propGeneration, x.Generation)
		if x.ScheduledStartTime != nil {
			e.Set(propScheduledStartTime, *x.ScheduledStartTime)
		}
		p.copyPayload(row, propInput, propInput)
	case *api.ExecutionCompleted:
		p.status = x.Status
		e.Set(propRuntimeStatus, string(p.status))
		e.Set(propCompletedTime, now)
		if x.FailureDetails != nil {
			e.Set(propOutput, x.FailureDetails.String())
			e.Set(propOutput+blobNameSuffix, "")
		} else {
			p.copyPayload(row, propResult, propOutput)
		}
	case *api.ExecutionTerminated:
		p.status = api.RuntimeStatusTerminated
		e.Set(propRuntimeStatus, string(p.status))
		e.Set(propCompletedTime, now)
		p.copyPayload(row, propInput, propOutput)
	case *api.ExecutionRewound:
		p.status = api.RuntimeStatusRunning
		e.Set(propRuntimeStatus, string(p.status))
		e.Set(propCompletedTime, time.Time{})
		e.Set(propOutput, "")
		e.Set(propOutput+blobNameSuffix, "")
	case *api.ContinueAsNew:
		p.status = api.RuntimeStatusContinuedAsNew
		e.Set(propRuntimeStatus, string(p.status))
		p.copyPayload(row, propResult, propOutput)
	}
}

// copyPayload projects a history payload property into a status property.
// Both the inline value and the blob pointer are always written, so a
// merge clears whatever an earlier generation left behind.
func (p *statusProjection) copyPayload(row *Entity, from, to string) {
	p.entity.Set(to, row.GetString(from))
	p.entity.Set(to+blobNameSuffix, row.GetString(from+blobNameSuffix))
}

func (h *HistoryStore) writeStatusProjection(ctx context.Context, p *statusProjection) error {
	e := p.entity
	name := statusBlobNamer(e.PartitionKey, e.GetString(propExecutionID))
	if err := h.compressLargeProperties(ctx, e, name); err != nil {
		return err
	}
	if _, err := h.tables.ExecuteBatch(ctx, h.settings.InstancesTableName, []TableOperation{InsertOrMerge(e)}); err != nil {
		return fmt.Errorf("update status of %s: %w", e.PartitionKey, err)
	}
	h.observer.OnStatusUpdated(ctx, e.PartitionKey, e.GetString(propExecutionID), p.status)
	return nil
}

// SetNewExecution writes the status row of a new generation in Pending
// state. With an empty etag the row must not exist yet; otherwise it is
// replaced only if unchanged since it was read. It reports false when
// another writer got there first.
func (h *HistoryStore) SetNewExecution(ctx context.Context, started *api.ExecutionStarted, etag, inputOverride string) (_ bool, err error) {
	ctx, span := h.startSpan(ctx, "SetNewExecution", started.InstanceID)
	defer func() { endSpan(span, err) }()

	input := started.Input
	if inputOverride != "" {
		input = inputOverride
	}

	e := NewEntity(started.InstanceID, statusRowKey)
	e.Set(propExecutionID, started.ExecutionID)
	e.Set(propName, started.Name)
	e.Set(propVersion, started.Version)
	e.Set(propInput, input)
	e.Set(propCreatedTime, started.Timestamp)
	e.Set(propRuntimeStatus, string(api.RuntimeStatusPending))
	e.Set(propLastUpdatedTime, h.clock())
	e.Set(propTaskHubName, h.settings.TaskHubName)
	e.Set(propGeneration, started.Generation)
	if started.ScheduledStartTime != nil {
		e.Set(propScheduledStartTime, *started.ScheduledStartTime)
	}
	if err := h.compressLargeProperties(ctx, e, statusBlobNamer(started.InstanceID, started.ExecutionID)); err != nil {
		return false, err
	}

	op := Insert(e)
	if etag != "" {
		op = Replace(e, etag)
	}
	if _, err := h.tables.ExecuteBatch(ctx, h.settings.InstancesTableName, []TableOperation{op}); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrPreconditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("set new execution of %s: %w", started.InstanceID, err)
	}
	h.observer.OnStatusUpdated(ctx, started.InstanceID, started.ExecutionID, api.RuntimeStatusPending)
	return true, nil
}

// UpdateStatusForRewind puts an instance back into Pending state.
func (h *HistoryStore) UpdateStatusForRewind(ctx context.Context, instanceID string) (err error) {
	ctx, span := h.startSpan(ctx, "UpdateStatusForRewind", instanceID)
	defer func() { endSpan(span, err) }()

	e := NewEntity(instanceID, statusRowKey)
	e.Set(propRuntimeStatus, string(api.RuntimeStatusPending))
	e.Set(propLastUpdatedTime, h.clock())
	if _, err := h.tables.ExecuteBatch(ctx, h.settings.InstancesTableName, []TableOperation{Merge(e, ETagAny)}); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed) {
			return fmt.Errorf("%w: %s", api.ErrInstanceNotFound, instanceID)
		}
		return fmt.Errorf("update status of %s for rewind: %w", instanceID, err)
	}
	h.observer.OnStatusUpdated(ctx, instanceID, "", api.RuntimeStatusPending)
	return nil
}

// GetStatus reads the status row of an instance. It returns
// api.ErrInstanceNotFound when the instance has none.
func (h *HistoryStore) GetStatus(ctx context.Context, instanceID string) (_ *api.InstanceStatus, err error) {
	ctx, span := h.startSpan(ctx, "GetStatus", instanceID)
	defer func() { endSpan(span, err) }()

	e, err := h.statusRow(ctx, instanceID, nil)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, instanceID)
	}
	if h.settings.FetchLargeMessages() {
		if err := h.decompressLargeProperties(ctx, e); err != nil {
			return nil, err
		}
	}
	return entityToStatus(e), nil
}

func (h *HistoryStore) statusRow(ctx context.Context, instanceID string, sel []string) (*Entity, error) {
	page, err := h.tables.Query(ctx, h.settings.InstancesTableName, TableQuery{
		PartitionKey: instanceID,
		Filter:       Eq(RowKeyProperty, statusRowKey),
		Select:       sel,
	})
	if err != nil {
		return nil, fmt.Errorf("query status of %s: %w", instanceID, err)
	}
	if len(page.Entities) == 0 {
		return nil, nil
	}
	return page.Entities[0], nil
}

// GetStatuses reads the status of several instances concurrently. Unknown
// instances are omitted; the result keeps the order of ids.
func (h *HistoryStore) GetStatuses(ctx context.Context, ids []string) ([]*api.InstanceStatus, error) {
	found := make([]*api.InstanceStatus, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.settings.MaxStorageOperationConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			st, err := h.GetStatus(gctx, id)
			if errors.Is(err, api.ErrInstanceNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			found[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*api.InstanceStatus, 0, len(ids))
	for _, st := range found {
		if st != nil {
			out = append(out, st)
		}
	}
	return out, nil
}

// QueryStatuses returns one page of instances matching q, ordered by
// instance id.
func (h *HistoryStore) QueryStatuses(ctx context.Context, q api.StatusQuery) (_ *api.StatusPage, err error) {
	ctx, span := h.startSpan(ctx, "QueryStatuses", q.InstanceID)
	defer func() { endSpan(span, err) }()

	filters := []Filter{Eq(RowKeyProperty, statusRowKey)}
	if q.InstanceIDPrefix != "" {
		filters = append(filters, HasPrefix(PartitionKeyProperty, q.InstanceIDPrefix))
	}
	if !q.CreatedFrom.IsZero() {
		filters = append(filters, Ge(propCreatedTime, q.CreatedFrom))
	}
	if !q.CreatedTo.IsZero() {
		filters = append(filters, Le(propCreatedTime, q.CreatedTo))
	}
	if len(q.RuntimeStatus) > 0 {
		statuses := make([]string, len(q.RuntimeStatus))
		for i, s := range q.RuntimeStatus {
			statuses[i] = string(s)
		}
		filters = append(filters, In(propRuntimeStatus, statuses...))
	}

	sel := append([]string(nil), statusColumns...)
	if q.FetchInput {
		sel = append(sel, propInput, propInput+blobNameSuffix)
	}
	if q.FetchOutput {
		sel = append(sel, propOutput, propOutput+blobNameSuffix)
	}

	page, err := h.tables.Query(ctx, h.settings.InstancesTableName, TableQuery{
		PartitionKey:      q.InstanceID,
		Filter:            And(filters...),
		Select:            sel,
		PageSize:          q.PageSize,
		ContinuationToken: q.ContinuationToken,
	})
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}

	out := &api.StatusPage{
		Statuses:          make([]*api.InstanceStatus, 0, len(page.Entities)),
		ContinuationToken: page.ContinuationToken,
	}
	for _, e := range page.Entities {
		if h.settings.FetchLargeMessages() {
			if err := h.decompressLargeProperties(ctx, e); err != nil {
				return nil, err
			}
		}
		out.Statuses = append(out.Statuses, entityToStatus(e))
	}
	return out, nil
}

func entityToStatus(e *Entity) *api.InstanceStatus {
	return &api.InstanceStatus{
		InstanceID:         e.PartitionKey,
		ExecutionID:        e.GetString(propExecutionID),
		Name:               e.GetString(propName),
		Version:            e.GetString(propVersion),
		RuntimeStatus:      api.RuntimeStatus(e.GetString(propRuntimeStatus)),
		CreatedTime:        e.GetTime(propCreatedTime),
		CompletedTime:      e.GetTime(propCompletedTime),
		LastUpdatedTime:    e.GetTime(propLastUpdatedTime),
		ScheduledStartTime: e.GetTime(propScheduledStartTime),
		Input:              e.GetString(propInput),
		Output:             e.GetString(propOutput),
		CustomStatus:       e.GetString(propCustomStatus),
		Generation:         e.GetInt(propGeneration),
		ETag:               e.ETag,
	}
}
