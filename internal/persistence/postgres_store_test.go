package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/durabletask/internal/testutil"
)

type PostgresTableStoreTestSuite struct {
	suite.Suite
	endpoint string
	admin    *sql.DB
}

func TestPostgresTableStoreTestSuite(t *testing.T) {
	testsuite := new(PostgresTableStoreTestSuite)
	testsuite.endpoint = testutil.GetPostgresEndpoint(t)

	db, err := sql.Open("pgx", testsuite.endpoint)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	testsuite.admin = db
	suite.Run(t, testsuite)
}

// newStore returns a store in a schema of its own, dropped when t ends.
func (p *PostgresTableStoreTestSuite) newStore(t *testing.T) TableStore {
	t.Helper()
	ctx := context.Background()

	schema := "dt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := p.admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema failed: %v", err)
	}

	db, err := sql.Open("pgx", fmt.Sprintf("%s&search_path=%s", p.endpoint, schema))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		_, _ = p.admin.ExecContext(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	store, err := NewPostgresTableStore(db)
	if err != nil {
		t.Fatalf("NewPostgresTableStore failed: %v", err)
	}
	return store
}

func (p *PostgresTableStoreTestSuite) TestConformance() {
	runTableStoreConformance(p.T(), p.newStore)
}

func (p *PostgresTableStoreTestSuite) TestHistoryStore() {
	runHistoryStoreScenarios(p.T(), func(t *testing.T) Persistence {
		return Persistence{Tables: p.newStore(t), Objects: NewMemoryObjectStore()}
	})
}

func (p *PostgresTableStoreTestSuite) TestConcurrentInsertsConflict() {
	ctx := context.Background()
	store := p.newStore(p.T())
	p.Require().NoError(store.CreateTable(ctx, "T"))

	errs := make(chan error, 8)
	for i := 0; i < cap(errs); i++ {
		go func() {
			_, err := store.ExecuteBatch(ctx, "T", []TableOperation{{Type: OpInsert, Entity: row("p", "sentinel", "N", "x")}})
			errs <- err
		}()
	}

	wins := 0
	for i := 0; i < cap(errs); i++ {
		err := <-errs
		if err == nil {
			wins++
			continue
		}
		p.ErrorIs(err, ErrConflict)
	}
	p.Equal(1, wins)
}

func TestRebindDollar(t *testing.T) {
	cases := []struct{ in, want string }{
		{"SELECT 1", "SELECT 1"},
		{"a = ? AND b = ?", "a = $1 AND b = $2"},
		{"x = '?' AND y = ?", "x = '?' AND y = $1"},
		{"props->>'A' = ? OR props->>'B' = ?", "props->>'A' = $1 OR props->>'B' = $2"},
	}
	for _, c := range cases {
		if got := rebindDollar(c.in); got != c.want {
			t.Fatalf("rebindDollar(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
