package persistence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/durabletask/pkg/api"
)

// PurgeInstance deletes every trace of an instance: its history rows, its
// status row and its externalized payloads. Purging an unknown instance is
// not an error and deletes nothing.
func (h *HistoryStore) PurgeInstance(ctx context.Context, instanceID string) (_ api.PurgeResult, err error) {
	ctx, span := h.startSpan(ctx, "PurgeInstance", instanceID)
	defer func() { endSpan(span, err) }()

	start := time.Now()
	row, err := h.statusRow(ctx, instanceID, []string{})
	if err != nil {
		return api.PurgeResult{}, err
	}
	res := api.PurgeResult{StorageRequests: 1}
	if row == nil {
		return res, nil
	}

	deleted, err := h.deleteInstanceData(ctx, instanceID)
	res.Add(deleted)
	if err != nil {
		return res, err
	}
	h.observer.OnPurge(ctx, instanceID, res, time.Since(start))
	return res, nil
}

// PurgeByDateRange purges terminal instances created in [from, to]. A zero
// to means no upper bound. Non-terminal statuses in statuses are ignored;
// an empty list selects every terminal status.
func (h *HistoryStore) PurgeByDateRange(ctx context.Context, from, to time.Time, statuses []api.RuntimeStatus) (_ api.PurgeResult, err error) {
	ctx, span := h.startSpan(ctx, "PurgeByDateRange", "")
	defer func() { endSpan(span, err) }()

	var terminal []string
	for _, s := range api.TerminalStatuses {
		if len(statuses) == 0 || slices.Contains(statuses, s) {
			terminal = append(terminal, string(s))
		}
	}
	var res api.PurgeResult
	if len(terminal) == 0 {
		return res, nil
	}

	filters := []Filter{
		Eq(RowKeyProperty, statusRowKey),
		Ge(propCreatedTime, from),
		In(propRuntimeStatus, terminal...),
	}
	if !to.IsZero() {
		filters = append(filters, Le(propCreatedTime, to))
	}
	q := TableQuery{Filter: And(filters...), Select: []string{}, PageSize: h.settings.PurgePageSize}

	for {
		page, err := h.tables.Query(ctx, h.settings.InstancesTableName, q)
		if err != nil {
			return res, fmt.Errorf("query instances to purge: %w", err)
		}
		res.StorageRequests++

		var (
			mu sync.Mutex
			g  errgroup.Group
		)
		g.SetLimit(h.settings.MaxStorageOperationConcurrency)
		for _, e := range page.Entities {
			g.Go(func() error {
				start := time.Now()
				r, err := h.deleteInstanceData(ctx, e.PartitionKey)
				mu.Lock()
				res.Add(r)
				mu.Unlock()
				if err == nil {
					h.observer.OnPurge(ctx, e.PartitionKey, r, time.Since(start))
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}

		if page.ContinuationToken == "" {
			return res, nil
		}
		q.ContinuationToken = page.ContinuationToken
	}
}

// deleteInstanceData removes payloads and history rows in parallel, then
// the status row. The status row goes last so that an interrupted purge is
// still found, and finished, by the next one.
func (h *HistoryStore) deleteInstanceData(ctx context.Context, instanceID string) (api.PurgeResult, error) {
	var requests, rows atomic.Int64

	var g errgroup.Group
	g.Go(func() error {
		n, err := h.objects.DeletePrefix(ctx, instanceID+"/")
		requests.Add(int64(n))
		if err != nil {
			return fmt.Errorf("delete payloads of %s: %w", instanceID, err)
		}
		return nil
	})
	g.Go(func() error {
		n, reqs, err := h.deleteHistoryRows(ctx, instanceID)
		rows.Add(int64(n))
		requests.Add(int64(reqs))
		return err
	})
	err := g.Wait()

	res := func(instances int) api.PurgeResult {
		return api.PurgeResult{
			StorageRequests:  int(requests.Load()),
			InstancesDeleted: instances,
			RowsDeleted:      int(rows.Load()),
		}
	}
	if err != nil {
		return res(0), err
	}

	_, err = h.tables.ExecuteBatch(ctx, h.settings.InstancesTableName,
		[]TableOperation{Delete(instanceID, statusRowKey, ETagAny)})
	requests.Add(1)
	if err != nil {
		return res(0), fmt.Errorf("delete status of %s: %w", instanceID, err)
	}
	return res(1), nil
}

func (h *HistoryStore) deleteHistoryRows(ctx context.Context, instanceID string) (rows, requests int, err error) {
	q := TableQuery{PartitionKey: instanceID, Select: []string{}}
	for {
		page, err := h.tables.Query(ctx, h.settings.HistoryTableName, q)
		requests++
		if err != nil {
			return rows, requests, fmt.Errorf("query history of %s: %w", instanceID, err)
		}
		for chunk := range slices.Chunk(page.Entities, MaxBatchOperations) {
			ops := make([]TableOperation, len(chunk))
			for i, e := range chunk {
				ops[i] = Delete(e.PartitionKey, e.RowKey, ETagAny)
			}
			_, err := h.tables.ExecuteBatch(ctx, h.settings.HistoryTableName, ops)
			requests++
			if err != nil {
				return rows, requests, fmt.Errorf("delete history of %s: %w", instanceID, err)
			}
			rows += len(chunk)
		}
		if page.ContinuationToken == "" {
			return rows, requests, nil
		}
		q.ContinuationToken = page.ContinuationToken
	}
}
