package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteTableStore is a TableStore backed by SQLite.
//
// Importing this package registers the modernc.org/sqlite driver, so
// callers open the database with sql.Open("sqlite", path).
//
// SQLite allows one writer at a time, so the store limits db to a single
// connection and concurrent batches queue in database/sql instead of
// failing with SQLITE_BUSY. Other processes sharing the file still need a
// busy timeout in the DSN.
type SQLiteTableStore struct {
	sqlTableStore
}

// Ensure SQLiteTableStore implements TableStore.
var _ TableStore = (*SQLiteTableStore)(nil)

// NewSQLiteTableStore initializes the required schema in the given
// database and returns a new SQLiteTableStore.
func NewSQLiteTableStore(db *sql.DB) (*SQLiteTableStore, error) {
	db.SetMaxOpenConns(1)
	s := &SQLiteTableStore{sqlTableStore{db: db, d: sqliteDialect}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

var sqliteDialect = sqlDialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS dt_tables (
			name TEXT PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS dt_entities (
			table_name TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			row_key TEXT NOT NULL,
			etag TEXT NOT NULL,
			props TEXT NOT NULL,
			PRIMARY KEY (table_name, partition_key, row_key)
		);`,
	},
	property: func(name string, _ any) string {
		return `json_extract(props, '$.` + name + `')`
	},
	projection: func(sel []string) string {
		if len(sel) == 0 {
			return `'{}'`
		}
		parts := make([]string, len(sel))
		for i, name := range sel {
			parts[i] = `'` + name + `', props -> '$.` + name + `'`
		}
		return `json_object(` + strings.Join(parts, ", ") + `)`
	},
	boolArg: func(b bool) any {
		if b {
			return 1
		}
		return 0
	},
	mapError: func(err error) error {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return fmt.Errorf("%w: %s", ErrConflict, se.Error())
		}
		return err
	},
}
