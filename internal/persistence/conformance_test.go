package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// runTableStoreConformance exercises the TableStore contract. newStore must
// return an empty store.
func runTableStoreConformance(t *testing.T, newStore func(t *testing.T) TableStore) {
	t.Run("tables", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		ok, err := s.TableExists(ctx, "Widgets")
		if err != nil || ok {
			t.Fatalf("expected missing table, got ok=%v err=%v", ok, err)
		}
		if err := s.CreateTable(ctx, "Widgets"); err != nil {
			t.Fatalf("CreateTable failed: %v", err)
		}
		if err := s.CreateTable(ctx, "Widgets"); err != nil {
			t.Fatalf("second CreateTable should be a no-op, got %v", err)
		}
		if ok, err := s.TableExists(ctx, "Widgets"); err != nil || !ok {
			t.Fatalf("expected table to exist, got ok=%v err=%v", ok, err)
		}
		if _, err := s.ExecuteBatch(ctx, "Widgets", []TableOperation{Insert(row("p", "r", "A", "1"))}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := s.DeleteTable(ctx, "Widgets"); err != nil {
			t.Fatalf("DeleteTable failed: %v", err)
		}
		if ok, _ := s.TableExists(ctx, "Widgets"); ok {
			t.Fatalf("expected table to be gone")
		}
		_, err = s.Query(ctx, "Widgets", TableQuery{})
		if !errors.Is(err, ErrTableNotFound) {
			t.Fatalf("expected ErrTableNotFound, got %v", err)
		}
		_, err = s.ExecuteBatch(ctx, "Widgets", []TableOperation{Insert(row("p", "r", "A", "1"))})
		if !errors.Is(err, ErrTableNotFound) {
			t.Fatalf("expected ErrTableNotFound on write, got %v", err)
		}
	})

	t.Run("insert conflicts", func(t *testing.T) {
		ctx := context.Background()
		s := newTable(t, newStore)

		res, err := s.ExecuteBatch(ctx, "T", []TableOperation{Insert(row("p", "r", "A", "1"))})
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if len(res.ETags) != 1 || res.ETags[0] == "" {
			t.Fatalf("expected one etag, got %+v", res.ETags)
		}
		_, err = s.ExecuteBatch(ctx, "T", []TableOperation{Insert(row("p", "r", "A", "2"))})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("etag preconditions", func(t *testing.T) {
		ctx := context.Background()
		s := newTable(t, newStore)

		res, err := s.ExecuteBatch(ctx, "T", []TableOperation{Insert(row("p", "r", "A", "1"))})
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		first := res.ETags[0]

		res, err = s.ExecuteBatch(ctx, "T", []TableOperation{Replace(row("p", "r", "A", "2"), first)})
		if err != nil {
			t.Fatalf("replace with current etag failed: %v", err)
		}
		second := res.ETags[0]
		if second == first {
			t.Fatalf("expected etag to change on write")
		}

		_, err = s.ExecuteBatch(ctx, "T", []TableOperation{Replace(row("p", "r", "A", "3"), first)})
		if !errors.Is(err, ErrPreconditionFailed) {
			t.Fatalf("expected ErrPreconditionFailed for stale etag, got %v", err)
		}
		_, err = s.ExecuteBatch(ctx, "T", []TableOperation{Merge(row("p", "r", "B", "x"), first)})
		if !errors.Is(err, ErrPreconditionFailed) {
			t.Fatalf("expected ErrPreconditionFailed for stale merge, got %v", err)
		}
		_, err = s.ExecuteBatch(ctx, "T", []TableOperation{Delete("p", "r", first)})
		if !errors.Is(err, ErrPreconditionFailed) {
			t.Fatalf("expected ErrPreconditionFailed for stale delete, got %v", err)
		}
		_, err = s.ExecuteBatch(ctx, "T", []TableOperation{Replace(row("p", "missing", "A", "1"), second)})
		if !errors.Is(err, ErrPreconditionFailed) {
			t.Fatalf("expected ErrPreconditionFailed for missing row with etag, got %v", err)
		}
		_, err = s.ExecuteBatch(ctx, "T", []TableOperation{Merge(row("p", "missing", "A", "1"), ETagAny)})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for wildcard merge of missing row, got %v", err)
		}

		got := mustGet(t, s, "p", "r")
		if got.GetString("A") != "2" || got.ETag != second {
			t.Fatalf("unexpected row after failed writes: %+v", got)
		}
	})

	t.Run("merge keeps other properties", func(t *testing.T) {
		ctx := context.Background()
		s := newTable(t, newStore)

		e := row("p", "r", "A", "1")
		e.Set("B", "b")
		if _, err := s.ExecuteBatch(ctx, "T", []TableOperation{InsertOrMerge(e)}); err != nil {
			t.Fatalf("InsertOrMerge failed: %v", err)
		}
		if _, err := s.ExecuteBatch(ctx, "T", []TableOperation{InsertOrMerge(row("p", "r", "A", "2"))}); err != nil {
			t.Fatalf("second InsertOrMerge failed: %v", err)
		}
		got := mustGet(t, s, "p", "r")
		if got.GetString("A") != "2" || got.GetString("B") != "b" {
			t.Fatalf("unexpected merged row: %+v", got.Properties)
		}

		if _, err := s.ExecuteBatch(ctx, "T", []TableOperation{InsertOrReplace(row("p", "r", "A", "3"))}); err != nil {
			t.Fatalf("InsertOrReplace failed: %v", err)
		}
		got = mustGet(t, s, "p", "r")
		if got.Has("B") {
			t.Fatalf("expected replace to drop B, got %+v", got.Properties)
		}
	})

	t.Run("property types round-trip", func(t *testing.T) {
		ctx := context.Background()
		s := newTable(t, newStore)

		ts := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
		e := NewEntity("p", "r")
		e.Set("S", "héllo")
		e.Set("I", 42)
		e.Set("F", 1.5)
		e.Set("B", true)
		e.Set("T", ts)
		if _, err := s.ExecuteBatch(ctx, "T", []TableOperation{Insert(e)}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		got := mustGet(t, s, "p", "r")
		if got.GetString("S") != "héllo" || got.GetInt("I") != 42 || !got.GetBool("B") {
			t.Fatalf("unexpected properties: %+v", got.Properties)
		}
		if f, ok := got.Properties["F"].(float64); !ok || f != 1.5 {
			t.Fatalf("expected float 1.5, got %#v", got.Properties["F"])
		}
		if !got.GetTime("T").Equal(ts) {
			t.Fatalf("expected time %v, got %v", ts, got.GetTime("T"))
		}
	})

	t.Run("batch is atomic", func(t *testing.T) {
		ctx := context.Background()
		s := newTable(t, newStore)

		if _, err := s.ExecuteBatch(ctx, "T", []TableOperation{Insert(row("p", "b", "A", "1"))}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		_, err := s.ExecuteBatch(ctx, "T", []TableOperation{
			Insert(row("p", "a", "A", "1")),
			Insert(row("p", "b", "A", "2")), // conflicts
		})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		var be *BatchError
		if errors.As(err, &be) && be.Index != 1 {
			t.Fatalf("expected failing index 1, got %d", be.Index)
		}
		rows, err := QueryAll(ctx, s, "T", TableQuery{PartitionKey: "p"})
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(rows) != 1 || rows[0].RowKey != "b" {
			t.Fatalf("expected failed batch to leave one row, got %d", len(rows))
		}
	})

	t.Run("batch validation", func(t *testing.T) {
		ctx := context.Background()
		s := newTable(t, newStore)

		_, err := s.ExecuteBatch(ctx, "T", []TableOperation{
			Insert(row("p1", "a", "A", "1")),
			Insert(row("p2", "a", "A", "1")),
		})
		if !errors.Is(err, ErrInvalidBatch) {
			t.Fatalf("expected ErrInvalidBatch for mixed partitions, got %v", err)
		}
		_, err = s.ExecuteBatch(ctx, "T", []TableOperation{
			Insert(row("p", "a", "A", "1")),
			InsertOrMerge(row("p", "a", "A", "1")),
		})
		if !errors.Is(err, ErrInvalidBatch) {
			t.Fatalf("expected ErrInvalidBatch for duplicate rows, got %v", err)
		}
		ops := make([]TableOperation, MaxBatchOperations+1)
		for i := range ops {
			ops[i] = Insert(row("p", fmt.Sprintf("%03d", i), "A", "1"))
		}
		_, err = s.ExecuteBatch(ctx, "T", ops)
		if !errors.Is(err, ErrBatchTooLarge) {
			t.Fatalf("expected ErrBatchTooLarge, got %v", err)
		}
		big := strings.Repeat("x", MaxBatchBytes/4)
		ops = ops[:3]
		for i := range ops {
			ops[i] = Insert(row("p", fmt.Sprintf("%03d", i), "A", big))
		}
		_, err = s.ExecuteBatch(ctx, "T", ops)
		if !errors.Is(err, ErrBatchTooLarge) {
			t.Fatalf("expected ErrBatchTooLarge for oversized batch, got %v", err)
		}
	})

	t.Run("delete of absent row succeeds", func(t *testing.T) {
		ctx := context.Background()
		s := newTable(t, newStore)

		if _, err := s.ExecuteBatch(ctx, "T", []TableOperation{Delete("p", "nope", ETagAny)}); err != nil {
			t.Fatalf("expected delete of absent row to succeed, got %v", err)
		}
	})

	t.Run("query order filter select and paging", func(t *testing.T) {
		ctx := context.Background()
		s := newTable(t, newStore)

		for _, pk := range []string{"b", "a", "c"} {
			ops := make([]TableOperation, 0, 5)
			for i := 4; i >= 0; i-- {
				e := NewEntity(pk, fmt.Sprintf("%02d", i))
				e.Set("N", i)
				e.Set("Kind", map[bool]string{true: "even", false: "odd"}[i%2 == 0])
				e.Set("Payload", "data-"+pk)
				ops = append(ops, Insert(e))
			}
			if _, err := s.ExecuteBatch(ctx, "T", ops); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		}

		all, err := QueryAll(ctx, s, "T", TableQuery{})
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(all) != 15 {
			t.Fatalf("expected 15 rows, got %d", len(all))
		}
		for i := 1; i < len(all); i++ {
			prev, cur := all[i-1], all[i]
			if prev.PartitionKey > cur.PartitionKey ||
				(prev.PartitionKey == cur.PartitionKey && prev.RowKey >= cur.RowKey) {
				t.Fatalf("rows out of order at %d: %s/%s then %s/%s", i, prev.PartitionKey, prev.RowKey, cur.PartitionKey, cur.RowKey)
			}
		}

		page, err := s.Query(ctx, "T", TableQuery{
			PartitionKey: "b",
			Filter:       And(Eq("Kind", "even"), Ge("N", 2)),
			Select:       []string{"N"},
		})
		if err != nil {
			t.Fatalf("filtered query failed: %v", err)
		}
		if len(page.Entities) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(page.Entities))
		}
		for _, e := range page.Entities {
			if e.Has("Payload") || e.Has("Kind") {
				t.Fatalf("expected projection to drop unselected properties, got %+v", e.Properties)
			}
			if e.GetInt("N") < 2 || e.ETag == "" {
				t.Fatalf("unexpected projected row: %+v", e)
			}
		}

		page, err = s.Query(ctx, "T", TableQuery{Filter: Or(Eq(PartitionKeyProperty, "a"), Eq(RowKeyProperty, "04")), Select: []string{}})
		if err != nil {
			t.Fatalf("key query failed: %v", err)
		}
		if len(page.Entities) != 7 {
			t.Fatalf("expected 7 rows, got %d", len(page.Entities))
		}

		page, err = s.Query(ctx, "T", TableQuery{Filter: In("N", 1, 3)})
		if err != nil {
			t.Fatalf("in query failed: %v", err)
		}
		if len(page.Entities) != 6 {
			t.Fatalf("expected 6 rows, got %d", len(page.Entities))
		}

		page, err = s.Query(ctx, "T", TableQuery{Filter: Ne("Missing", "x")})
		if err != nil {
			t.Fatalf("ne query failed: %v", err)
		}
		if len(page.Entities) != 0 {
			t.Fatalf("expected missing properties never to match, got %d", len(page.Entities))
		}

		var (
			seen  int
			token string
			pages int
		)
		for {
			page, err := s.Query(ctx, "T", TableQuery{PageSize: 4, ContinuationToken: token})
			if err != nil {
				t.Fatalf("paged query failed: %v", err)
			}
			pages++
			seen += len(page.Entities)
			if page.ContinuationToken == "" {
				break
			}
			if len(page.Entities) != 4 {
				t.Fatalf("expected full page before the last, got %d", len(page.Entities))
			}
			token = page.ContinuationToken
		}
		if seen != 15 || pages != 4 {
			t.Fatalf("expected 15 rows in 4 pages, got %d in %d", seen, pages)
		}
	})

	t.Run("prefix filter", func(t *testing.T) {
		ctx := context.Background()
		s := newTable(t, newStore)

		for _, pk := range []string{"order-1", "order-2", "orders", "other"} {
			if _, err := s.ExecuteBatch(ctx, "T", []TableOperation{Insert(row(pk, "", "A", pk))}); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		}
		rows, err := QueryAll(ctx, s, "T", TableQuery{Filter: HasPrefix(PartitionKeyProperty, "order-")})
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(rows) != 2 || rows[0].PartitionKey != "order-1" || rows[1].PartitionKey != "order-2" {
			t.Fatalf("unexpected prefix matches: %d", len(rows))
		}
	})
}

// runObjectStoreConformance exercises the ObjectStore contract.
func runObjectStoreConformance(t *testing.T, newStore func(t *testing.T) ObjectStore) {
	t.Run("upload download delete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		if _, err := s.Download(ctx, "a/1"); !errors.Is(err, ErrObjectNotFound) {
			t.Fatalf("expected ErrObjectNotFound, got %v", err)
		}
		for _, name := range []string{"a/1", "a/2", "ab/1", "b/1"} {
			if err := s.Upload(ctx, name, []byte("v:"+name)); err != nil {
				t.Fatalf("Upload(%s) failed: %v", name, err)
			}
		}
		if err := s.Upload(ctx, "a/1", []byte("v2")); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}
		data, err := s.Download(ctx, "a/1")
		if err != nil || string(data) != "v2" {
			t.Fatalf("expected v2, got %q err=%v", data, err)
		}

		n, err := s.DeletePrefix(ctx, "a/")
		if err != nil {
			t.Fatalf("DeletePrefix failed: %v", err)
		}
		if n < 2 {
			t.Fatalf("expected at least 2 operations, got %d", n)
		}
		for _, gone := range []string{"a/1", "a/2"} {
			if _, err := s.Download(ctx, gone); !errors.Is(err, ErrObjectNotFound) {
				t.Fatalf("expected %s to be deleted, got %v", gone, err)
			}
		}
		for _, kept := range []string{"ab/1", "b/1"} {
			if _, err := s.Download(ctx, kept); err != nil {
				t.Fatalf("expected %s to survive, got %v", kept, err)
			}
		}
		if _, err := s.DeletePrefix(ctx, "a/"); err != nil {
			t.Fatalf("deleting an empty prefix should succeed, got %v", err)
		}
	})
}

func newTable(t *testing.T, newStore func(t *testing.T) TableStore) TableStore {
	t.Helper()
	s := newStore(t)
	if err := s.CreateTable(context.Background(), "T"); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	return s
}

func row(pk, rk, prop, value string) *Entity {
	e := NewEntity(pk, rk)
	e.Set(prop, value)
	return e
}

func mustGet(t *testing.T, s TableStore, pk, rk string) *Entity {
	t.Helper()
	page, err := s.Query(context.Background(), "T", TableQuery{PartitionKey: pk, Filter: Eq(RowKeyProperty, rk)})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(page.Entities) != 1 {
		t.Fatalf("expected row %s/%s, got %d rows", pk, rk, len(page.Entities))
	}
	return page.Entities[0]
}
