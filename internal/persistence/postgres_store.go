package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresTableStore is a TableStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
//
// Rows touched by a batch are locked with SELECT ... FOR UPDATE, so two
// writers racing on the same sentinel serialize and the loser fails its
// etag check. Concurrent first inserts surface as unique violations, which
// are reported as ErrConflict.
type PostgresTableStore struct {
	sqlTableStore
}

// Ensure PostgresTableStore implements TableStore.
var _ TableStore = (*PostgresTableStore)(nil)

// NewPostgresTableStore initializes the required schema in the given
// database and returns a new PostgresTableStore.
func NewPostgresTableStore(db *sql.DB) (*PostgresTableStore, error) {
	s := &PostgresTableStore{sqlTableStore{db: db, d: postgresDialect}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

var postgresDialect = sqlDialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS dt_tables (
			name TEXT COLLATE "C" PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS dt_entities (
			table_name TEXT COLLATE "C" NOT NULL,
			partition_key TEXT COLLATE "C" NOT NULL,
			row_key TEXT COLLATE "C" NOT NULL,
			etag TEXT NOT NULL,
			props JSONB NOT NULL,
			PRIMARY KEY (table_name, partition_key, row_key)
		);`,
	},
	placeholders: rebindDollar,
	property: func(name string, v any) string {
		expr := `(props->>'` + name + `')`
		switch v.(type) {
		case int64:
			return expr + `::bigint`
		case float64:
			return expr + `::double precision`
		case bool:
			return expr + `::boolean`
		}
		return expr + ` COLLATE "C"`
	},
	projection: func(sel []string) string {
		if len(sel) == 0 {
			return `'{}'::jsonb`
		}
		parts := make([]string, len(sel))
		for i, name := range sel {
			parts[i] = `'` + name + `', props->'` + name + `'`
		}
		return `jsonb_build_object(` + strings.Join(parts, ", ") + `)`
	},
	lockRow: ` FOR UPDATE`,
	boolArg: func(b bool) any { return b },
	mapError: func(err error) error {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505": // unique_violation
				return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
			case "40001": // serialization_failure
				return fmt.Errorf("%w: %s", ErrPreconditionFailed, pgErr.Message)
			}
		}
		return err
	},
}

// rebindDollar rewrites '?' placeholders to $1, $2, ... outside of quoted
// literals.
func rebindDollar(query string) string {
	var (
		sb     strings.Builder
		n      int
		quoted bool
	)
	sb.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
			sb.WriteByte(c)
		case c == '?' && !quoted:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
