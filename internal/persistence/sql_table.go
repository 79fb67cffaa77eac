package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// sqlDialect captures what differs between the SQL table stores.
type sqlDialect struct {
	schema []string

	// placeholders rewrites '?' markers for drivers using numbered ones.
	placeholders func(query string) string

	// property returns the expression reading a property for comparison
	// with a value of v's type.
	property func(name string, v any) string

	// projection builds a JSON document of the selected properties.
	projection func(sel []string) string

	// lockRow is appended to the row read inside a batch.
	lockRow string

	// boolArg converts a bool filter constant.
	boolArg func(b bool) any

	// mapError translates driver errors (unique violations) to store errors.
	mapError func(err error) error
}

// sqlTableStore implements TableStore on one physical table holding the
// rows of every logical table, keyed by (table_name, partition_key, row_key).
type sqlTableStore struct {
	db *sql.DB
	d  sqlDialect
}

func (s *sqlTableStore) initSchema() error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlTableStore) q(query string) string {
	if s.d.placeholders == nil {
		return query
	}
	return s.d.placeholders(query)
}

func (s *sqlTableStore) CreateTable(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO dt_tables (name) VALUES (?) ON CONFLICT (name) DO NOTHING`), table)
	return err
}

func (s *sqlTableStore) DeleteTable(ctx context.Context, table string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM dt_entities WHERE table_name = ?`), table); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM dt_tables WHERE name = ?`), table); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlTableStore) TableExists(ctx context.Context, table string) (bool, error) {
	return s.tableExists(ctx, s.db, table)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlTableStore) tableExists(ctx context.Context, db queryer, table string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, s.q(`SELECT 1 FROM dt_tables WHERE name = ?`), table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlTableStore) ExecuteBatch(ctx context.Context, table string, ops []TableOperation) (*BatchResult, error) {
	if _, err := validateBatch(ops); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.tableExists(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	res := &BatchResult{ETags: make([]string, len(ops))}
	for i, op := range ops {
		fail := func(err error) error {
			return &BatchError{Index: i, Op: op.Type, RowKey: op.Entity.RowKey, Err: err}
		}

		current, err := s.readRow(ctx, tx, table, op.Entity.PartitionKey, op.Entity.RowKey)
		if err != nil {
			return nil, fail(err)
		}
		next, err := applyOperation(op, current, newETag())
		if err != nil {
			return nil, fail(err)
		}

		if next == nil {
			if current != nil {
				if _, err := tx.ExecContext(ctx, s.q(`
					DELETE FROM dt_entities
					WHERE table_name = ? AND partition_key = ? AND row_key = ?`),
					table, op.Entity.PartitionKey, op.Entity.RowKey,
				); err != nil {
					return nil, fail(err)
				}
			}
			continue
		}

		props, err := EncodeProperties(next.Properties)
		if err != nil {
			return nil, fail(err)
		}
		// A missing row is not locked, so a plain Insert must let the
		// primary key arbitrate between racing writers.
		upsert := `
			ON CONFLICT (table_name, partition_key, row_key)
			DO UPDATE SET etag = excluded.etag, props = excluded.props`
		if op.Type == OpInsert {
			upsert = ""
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO dt_entities (table_name, partition_key, row_key, etag, props)
			VALUES (?, ?, ?, ?, ?)`+upsert),
			table, next.PartitionKey, next.RowKey, next.ETag, string(props),
		); err != nil {
			return nil, fail(s.mapError(err))
		}
		res.ETags[i] = next.ETag
	}

	if err := tx.Commit(); err != nil {
		return nil, s.mapError(err)
	}
	return res, nil
}

func (s *sqlTableStore) mapError(err error) error {
	if s.d.mapError == nil {
		return err
	}
	return s.d.mapError(err)
}

func (s *sqlTableStore) readRow(ctx context.Context, tx *sql.Tx, table, pk, rk string) (*Entity, error) {
	var (
		etag  string
		props string
	)
	err := tx.QueryRowContext(ctx, s.q(`
		SELECT etag, props FROM dt_entities
		WHERE table_name = ? AND partition_key = ? AND row_key = ?`+s.d.lockRow),
		table, pk, rk,
	).Scan(&etag, &props)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m, err := DecodeProperties([]byte(props))
	if err != nil {
		return nil, err
	}
	return &Entity{PartitionKey: pk, RowKey: rk, ETag: etag, Properties: m}, nil
}

func (s *sqlTableStore) Query(ctx context.Context, table string, q TableQuery) (*QueryPage, error) {
	ok, err := s.tableExists(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	propsExpr := "props"
	if q.Select != nil {
		for _, name := range q.Select {
			if err := validPropertyName(name); err != nil {
				return nil, err
			}
		}
		propsExpr = s.d.projection(q.Select)
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT partition_key, row_key, etag, ` + propsExpr + ` FROM dt_entities WHERE table_name = ?`)
	args = append(args, table)

	if q.PartitionKey != "" {
		sb.WriteString(` AND partition_key = ?`)
		args = append(args, q.PartitionKey)
	}
	if q.ContinuationToken != "" {
		pk, rk, err := decodeToken(q.ContinuationToken)
		if err != nil {
			return nil, err
		}
		sb.WriteString(` AND (partition_key > ? OR (partition_key = ? AND row_key > ?))`)
		args = append(args, pk, pk, rk)
	}
	if q.Filter != nil {
		where, err := s.where(q.Filter, &args)
		if err != nil {
			return nil, err
		}
		sb.WriteString(` AND ` + where)
	}
	sb.WriteString(` ORDER BY partition_key, row_key`)
	if q.PageSize > 0 {
		sb.WriteString(` LIMIT ` + strconv.Itoa(q.PageSize+1))
	}

	rows, err := s.db.QueryContext(ctx, s.q(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &QueryPage{}
	for rows.Next() {
		var (
			e     Entity
			props string
		)
		if err := rows.Scan(&e.PartitionKey, &e.RowKey, &e.ETag, &props); err != nil {
			return nil, err
		}
		if e.Properties, err = DecodeProperties([]byte(props)); err != nil {
			return nil, err
		}
		page.Entities = append(page.Entities, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.PageSize > 0 && len(page.Entities) > q.PageSize {
		page.Entities = page.Entities[:q.PageSize]
		last := page.Entities[q.PageSize-1]
		page.ContinuationToken = encodeToken(last.PartitionKey, last.RowKey)
	}
	return page, nil
}

// where renders f as a SQL boolean expression, appending its arguments.
func (s *sqlTableStore) where(f Filter, args *[]any) (string, error) {
	switch x := f.(type) {
	case Comparison:
		v, err := normalizeValue(x.Value)
		if err != nil {
			return "", err
		}
		if v == nil {
			return "", fmt.Errorf("nil comparison value for %s", x.Property)
		}
		var col string
		switch x.Property {
		case PartitionKeyProperty:
			col = "partition_key"
		case RowKeyProperty:
			col = "row_key"
		default:
			if err := validPropertyName(x.Property); err != nil {
				return "", err
			}
			col = s.d.property(x.Property, v)
		}
		if b, ok := v.(bool); ok {
			v = s.d.boolArg(b)
		}
		*args = append(*args, v)
		return col + " " + string(x.Op) + " ?", nil
	case AndFilter, OrFilter:
		var (
			subs []Filter
			sep  string
		)
		if a, ok := x.(AndFilter); ok {
			subs, sep = a.Filters, " AND "
		} else {
			subs, sep = x.(OrFilter).Filters, " OR "
		}
		parts := make([]string, 0, len(subs))
		for _, sub := range subs {
			p, err := s.where(sub, args)
			if err != nil {
				return "", err
			}
			parts = append(parts, p)
		}
		return "(" + strings.Join(parts, sep) + ")", nil
	}
	return "", fmt.Errorf("unsupported filter %T", f)
}
