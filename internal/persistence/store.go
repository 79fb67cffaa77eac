package persistence

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("entity not found")
	ErrConflict           = errors.New("entity already exists")
	ErrPreconditionFailed = errors.New("etag precondition failed")
	ErrBatchTooLarge      = errors.New("batch exceeds size limits")
	ErrInvalidBatch       = errors.New("invalid batch")
	ErrTableNotFound      = errors.New("table not found")
	ErrObjectNotFound     = errors.New("object not found")
)

const (
	// MaxBatchOperations is the largest number of operations in one batch.
	MaxBatchOperations = 100
	// MaxBatchBytes is the largest estimated payload of one batch.
	MaxBatchBytes = 4 * 1024 * 1024

	// ETagAny matches any existing row.
	ETagAny = "*"
)

// TableStore is a partitioned, row-ordered table store with optimistic
// concurrency. Rows are ordered by (PartitionKey, RowKey) using byte order.
type TableStore interface {
	CreateTable(ctx context.Context, table string) error
	DeleteTable(ctx context.Context, table string) error
	TableExists(ctx context.Context, table string) (bool, error)

	// ExecuteBatch applies ops atomically. All ops must target the same
	// partition. A failing op aborts the whole batch with a *BatchError.
	ExecuteBatch(ctx context.Context, table string, ops []TableOperation) (*BatchResult, error)

	Query(ctx context.Context, table string, q TableQuery) (*QueryPage, error)
}

// ObjectStore holds externalized payloads.
type ObjectStore interface {
	Upload(ctx context.Context, name string, data []byte) error
	Download(ctx context.Context, name string) ([]byte, error)
	// DeletePrefix removes every object whose name starts with prefix and
	// returns the number of storage operations it took.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// OperationType is the kind of a table write.
type OperationType int

const (
	OpInsert OperationType = iota
	OpReplace
	OpMerge
	OpInsertOrReplace
	OpInsertOrMerge
	OpDelete
)

func (t OperationType) String() string {
	switch t {
	case OpInsert:
		return "Insert"
	case OpReplace:
		return "Replace"
	case OpMerge:
		return "Merge"
	case OpInsertOrReplace:
		return "InsertOrReplace"
	case OpInsertOrMerge:
		return "InsertOrMerge"
	case OpDelete:
		return "Delete"
	}
	return fmt.Sprintf("OperationType(%d)", int(t))
}

// TableOperation is one write of a batch. For Replace, Merge and Delete a
// non-empty ETag other than ETagAny must match the stored row.
type TableOperation struct {
	Type   OperationType
	Entity *Entity
	ETag   string
}

func Insert(e *Entity) TableOperation { return TableOperation{Type: OpInsert, Entity: e} }
func InsertOrReplace(e *Entity) TableOperation {
	return TableOperation{Type: OpInsertOrReplace, Entity: e}
}
func InsertOrMerge(e *Entity) TableOperation { return TableOperation{Type: OpInsertOrMerge, Entity: e} }

func Replace(e *Entity, etag string) TableOperation {
	return TableOperation{Type: OpReplace, Entity: e, ETag: etag}
}

func Merge(e *Entity, etag string) TableOperation {
	return TableOperation{Type: OpMerge, Entity: e, ETag: etag}
}

func Delete(pk, rk, etag string) TableOperation {
	return TableOperation{Type: OpDelete, Entity: &Entity{PartitionKey: pk, RowKey: rk}, ETag: etag}
}

// BatchResult carries the new ETag of every written row, in op order.
// Deletes get an empty ETag.
type BatchResult struct {
	ETags []string
}

// BatchError identifies the operation that aborted a batch.
type BatchError struct {
	Index  int
	Op     OperationType
	RowKey string
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch operation %d (%s %q): %v", e.Index, e.Op, e.RowKey, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// TableQuery selects rows. An empty PartitionKey scans the whole table.
// Select limits the returned properties; nil returns all of them.
// PageSize <= 0 returns every matching row.
type TableQuery struct {
	PartitionKey      string
	Filter            Filter
	Select            []string
	PageSize          int
	ContinuationToken string
}

// QueryPage is one page of query results.
type QueryPage struct {
	Entities          []*Entity
	ContinuationToken string
}

// QueryAll follows continuation tokens until the query is exhausted.
func QueryAll(ctx context.Context, ts TableStore, table string, q TableQuery) ([]*Entity, error) {
	var out []*Entity
	for {
		page, err := ts.Query(ctx, table, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Entities...)
		if page.ContinuationToken == "" {
			return out, nil
		}
		q.ContinuationToken = page.ContinuationToken
	}
}

// validateBatch enforces the batch contract shared by every backend.
func validateBatch(ops []TableOperation) (string, error) {
	if len(ops) == 0 {
		return "", fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	if len(ops) > MaxBatchOperations {
		return "", fmt.Errorf("%w: %d operations", ErrBatchTooLarge, len(ops))
	}
	var pk string
	size := 0
	seen := make(map[string]struct{}, len(ops))
	for i, op := range ops {
		if op.Entity == nil {
			return "", fmt.Errorf("%w: operation %d has no entity", ErrInvalidBatch, i)
		}
		if i == 0 {
			pk = op.Entity.PartitionKey
		} else if op.Entity.PartitionKey != pk {
			return "", fmt.Errorf("%w: operation %d targets partition %q, batch is %q", ErrInvalidBatch, i, op.Entity.PartitionKey, pk)
		}
		if _, dup := seen[op.Entity.RowKey]; dup {
			return "", fmt.Errorf("%w: row %q appears twice", ErrInvalidBatch, op.Entity.RowKey)
		}
		seen[op.Entity.RowKey] = struct{}{}
		size += op.Entity.estimatedSize()
	}
	if size > MaxBatchBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrBatchTooLarge, size)
	}
	return pk, nil
}

// checkETag applies the precondition of op against the stored row's etag.
// exists reports whether the row is present.
func checkETag(op TableOperation, exists bool, current string) error {
	switch op.Type {
	case OpInsert:
		if exists {
			return ErrConflict
		}
	case OpReplace, OpMerge:
		if !exists {
			if op.ETag != "" && op.ETag != ETagAny {
				return ErrPreconditionFailed
			}
			return ErrNotFound
		}
		if op.ETag != "" && op.ETag != ETagAny && op.ETag != current {
			return ErrPreconditionFailed
		}
	case OpDelete:
		if exists && op.ETag != "" && op.ETag != ETagAny && op.ETag != current {
			return ErrPreconditionFailed
		}
	}
	return nil
}

// applyOperation computes the row produced by op. current is nil when the
// row does not exist; the result is nil for deletes.
func applyOperation(op TableOperation, current *Entity, etag string) (*Entity, error) {
	exists := current != nil
	cur := ""
	if exists {
		cur = current.ETag
	}
	if err := checkETag(op, exists, cur); err != nil {
		return nil, err
	}
	if op.Type == OpDelete {
		return nil, nil
	}
	props, err := normalizeProperties(op.Entity.Properties)
	if err != nil {
		return nil, err
	}
	if exists && (op.Type == OpMerge || op.Type == OpInsertOrMerge) {
		merged := maps.Clone(current.Properties)
		if merged == nil {
			merged = map[string]any{}
		}
		maps.Copy(merged, props)
		props = merged
	}
	return &Entity{
		PartitionKey: op.Entity.PartitionKey,
		RowKey:       op.Entity.RowKey,
		ETag:         etag,
		Properties:   props,
	}, nil
}

func newETag() string {
	return uuid.NewString()
}
