package persistence

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

type rowKey struct{ pk, rk string }

// MemoryTableStore is a simple, goroutine-safe TableStore backed by maps.
// It is not durable and is meant for tests and local development.
type MemoryTableStore struct {
	mu     sync.RWMutex
	tables map[string]map[rowKey]*Entity
}

// NewMemoryTableStore creates a new MemoryTableStore.
func NewMemoryTableStore() *MemoryTableStore {
	return &MemoryTableStore{tables: make(map[string]map[rowKey]*Entity)}
}

var _ TableStore = (*MemoryTableStore)(nil)

func (s *MemoryTableStore) CreateTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[table]; !ok {
		s.tables[table] = make(map[rowKey]*Entity)
	}
	return nil
}

func (s *MemoryTableStore) DeleteTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tables, table)
	return nil
}

func (s *MemoryTableStore) TableExists(ctx context.Context, table string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.tables[table]
	return ok, nil
}

func (s *MemoryTableStore) ExecuteBatch(ctx context.Context, table string, ops []TableOperation) (*BatchResult, error) {
	if _, err := validateBatch(ops); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	// Compute every result before touching the table so a failure leaves
	// it unchanged.
	next := make([]*Entity, len(ops))
	res := &BatchResult{ETags: make([]string, len(ops))}
	for i, op := range ops {
		k := rowKey{op.Entity.PartitionKey, op.Entity.RowKey}
		e, err := applyOperation(op, rows[k], newETag())
		if err != nil {
			return nil, &BatchError{Index: i, Op: op.Type, RowKey: op.Entity.RowKey, Err: err}
		}
		next[i] = e
		if e != nil {
			res.ETags[i] = e.ETag
		}
	}
	for i, op := range ops {
		k := rowKey{op.Entity.PartitionKey, op.Entity.RowKey}
		if next[i] == nil {
			delete(rows, k)
			continue
		}
		rows[k] = next[i]
	}
	return res, nil
}

func (s *MemoryTableStore) Query(ctx context.Context, table string, q TableQuery) (*QueryPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	rows, ok := s.tables[table]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	keys := make([]rowKey, 0, len(rows))
	for k := range rows {
		if q.PartitionKey != "" && k.pk != q.PartitionKey {
			continue
		}
		keys = append(keys, k)
	}
	snapshot := make(map[rowKey]*Entity, len(keys))
	for _, k := range keys {
		snapshot[k] = rows[k].Clone()
	}
	s.mu.RUnlock()

	slices.SortFunc(keys, func(a, b rowKey) int {
		if c := strings.Compare(a.pk, b.pk); c != 0 {
			return c
		}
		return strings.Compare(a.rk, b.rk)
	})

	var afterPK, afterRK string
	hasToken := q.ContinuationToken != ""
	if hasToken {
		var err error
		afterPK, afterRK, err = decodeToken(q.ContinuationToken)
		if err != nil {
			return nil, err
		}
	}

	page := &QueryPage{}
	for _, k := range keys {
		if hasToken && (k.pk < afterPK || (k.pk == afterPK && k.rk <= afterRK)) {
			continue
		}
		e := snapshot[k]
		ok, err := matches(q.Filter, e)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if q.PageSize > 0 && len(page.Entities) == q.PageSize {
			last := page.Entities[len(page.Entities)-1]
			page.ContinuationToken = encodeToken(last.PartitionKey, last.RowKey)
			break
		}
		page.Entities = append(page.Entities, e.project(q.Select))
	}
	return page, nil
}

// MemoryObjectStore is an ObjectStore backed by a map.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

var _ ObjectStore = (*MemoryObjectStore)(nil)

func (s *MemoryObjectStore) Upload(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[name] = slices.Clone(data)
	return nil
}

func (s *MemoryObjectStore) Download(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	return slices.Clone(data), nil
}

func (s *MemoryObjectStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := 1 // listing
	for name := range s.objects {
		if strings.HasPrefix(name, prefix) {
			delete(s.objects, name)
			ops++
		}
	}
	return ops, nil
}

// Len returns the number of stored objects.
func (s *MemoryObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
