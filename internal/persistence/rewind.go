package persistence

import (
	"context"
	"fmt"
	"slices"

	"github.com/petrijr/durabletask/pkg/api"
)

const rewoundPrefix = "Rewound: "

type rewindItem struct {
	instanceID string
	depth      int
}

// instanceRewind is the set of row rewrites that rewinds one instance.
type instanceRewind struct {
	instanceID string
	ops        []TableOperation
	children   []string
}

// Rewind clears the failures of the newest generation of a failed instance
// and of every failed sub-orchestration below it, then puts each rewound
// instance back into Pending state.
//
// Failure rows and the TaskScheduled rows of failed tasks become
// GenericEvent rows, so replay re-issues the task while row keys stay
// gap-free. The returned leaves are the rewound instances without failed
// children; they are the ones that need an ExecutionRewound event to resume.
//
// The whole tree is read before anything is written, so a tree deeper than
// MaxRewindDepth fails with ErrRewindDepthExceeded and changes nothing.
func (h *HistoryStore) Rewind(ctx context.Context, instanceID string) (_ []string, err error) {
	ctx, span := h.startSpan(ctx, "Rewind", instanceID)
	defer func() { endSpan(span, err) }()

	var (
		plans   []*instanceRewind
		leaves  []string
		visited = map[string]bool{}
		work    = []rewindItem{{instanceID: instanceID}}
	)
	for len(work) > 0 {
		item := work[0]
		work = work[1:]
		if visited[item.instanceID] {
			continue
		}
		visited[item.instanceID] = true

		plan, err := h.planRewind(ctx, item.instanceID)
		if err != nil {
			return nil, err
		}
		if len(plan.children) > 0 && item.depth+1 > h.settings.MaxRewindDepth {
			return nil, fmt.Errorf("%w: children of %s are %d levels deep", api.ErrRewindDepthExceeded, item.instanceID, item.depth+1)
		}
		plans = append(plans, plan)
		if len(plan.children) == 0 {
			leaves = append(leaves, item.instanceID)
		}
		for _, child := range plan.children {
			work = append(work, rewindItem{instanceID: child, depth: item.depth + 1})
		}
	}

	for _, plan := range plans {
		if err := h.applyRewind(ctx, plan); err != nil {
			return nil, err
		}
	}

	h.observer.OnRewind(ctx, instanceID, leaves)
	return leaves, nil
}

// planRewind reads the failure rows of one instance and prepares their
// rewrites, together with the ids of its failed sub-orchestrations.
func (h *HistoryStore) planRewind(ctx context.Context, instanceID string) (*instanceRewind, error) {
	table := h.settings.HistoryTableName

	started, err := QueryAll(ctx, h.tables, table, TableQuery{
		PartitionKey: instanceID,
		Filter:       Eq(propEventType, string(api.EventExecutionStarted)),
		Select:       []string{propExecutionID},
	})
	if err != nil {
		return nil, fmt.Errorf("query executions of %s: %w", instanceID, err)
	}
	if len(started) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, instanceID)
	}
	// Every generation starts at row 0, so the newest start has the
	// smallest row key.
	newest := slices.MinFunc(started, func(a, b *Entity) int {
		switch {
		case a.RowKey < b.RowKey:
			return -1
		case a.RowKey > b.RowKey:
			return 1
		}
		return 0
	})
	executionID := newest.GetString(propExecutionID)
	inExecution := Eq(propExecutionID, executionID)

	failures, err := QueryAll(ctx, h.tables, table, TableQuery{
		PartitionKey: instanceID,
		Filter: And(inExecution, Or(
			Eq(propOrchestrationStatus, string(api.RuntimeStatusFailed)),
			Eq(propEventType, string(api.EventTaskFailed)),
			Eq(propEventType, string(api.EventSubOrchestrationInstanceFailed)),
		)),
	})
	if err != nil {
		return nil, fmt.Errorf("query failures of %s: %w", instanceID, err)
	}

	plan := &instanceRewind{instanceID: instanceID}
	for _, row := range failures {
		eventType := api.EventType(row.GetString(propEventType))
		if row.RowKey == sentinelRowKey || eventType == api.EventGenericEvent {
			// Already rewound by an earlier call.
			continue
		}

		var trigger api.EventType
		switch eventType {
		case api.EventTaskFailed:
			trigger = api.EventTaskScheduled
		case api.EventSubOrchestrationInstanceFailed:
			trigger = api.EventSubOrchestrationInstanceCreated
		}
		if trigger != "" {
			scheduled, err := QueryAll(ctx, h.tables, table, TableQuery{
				PartitionKey: instanceID,
				Filter: And(inExecution,
					Eq(propEventID, row.GetInt(propTaskScheduledID)),
					Eq(propEventType, string(trigger)),
				),
			})
			if err != nil {
				return nil, fmt.Errorf("query %s of %s: %w", trigger, instanceID, err)
			}
			if len(scheduled) > 0 {
				s := scheduled[0]
				markRewound(s)
				if trigger == api.EventTaskScheduled {
					s.Set(propEventType, string(api.EventGenericEvent))
				} else if child := s.GetString(propInstanceID); child != "" {
					// The creation stays valid; only the child is rewound.
					plan.children = append(plan.children, child)
				}
				plan.ops = append(plan.ops, Replace(s, s.ETag))
			}
		}

		markRewound(row)
		row.Set(propEventType, string(api.EventGenericEvent))
		plan.ops = append(plan.ops, Replace(row, row.ETag))
	}
	return plan, nil
}

func (h *HistoryStore) applyRewind(ctx context.Context, plan *instanceRewind) error {
	for chunk := range slices.Chunk(plan.ops, MaxBatchOperations) {
		if _, err := h.tables.ExecuteBatch(ctx, h.settings.HistoryTableName, chunk); err != nil {
			return fmt.Errorf("rewind history of %s: %w", plan.instanceID, err)
		}
	}
	return h.UpdateStatusForRewind(ctx, plan.instanceID)
}

func markRewound(row *Entity) {
	row.Set(propReason, rewoundPrefix+row.GetString(propEventType))
	if row.Has(propReason + blobNameSuffix) {
		row.Set(propReason+blobNameSuffix, "")
	}
}
