package durabletask

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/petrijr/durabletask/internal/config"
	"github.com/petrijr/durabletask/internal/persistence"
)

// OpenPersistence connects the stores b describes. The returned
// Persistence owns the connections; call its Shutdown when done.
func OpenPersistence(ctx context.Context, b Backend) (Persistence, error) {
	if err := b.Validate(); err != nil {
		return Persistence{}, err
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	tables, err := openTables(ctx, b, &closers)
	if err != nil {
		_ = closeAll()
		return Persistence{}, err
	}
	objects, err := openObjects(ctx, b, &closers)
	if err != nil {
		_ = closeAll()
		return Persistence{}, err
	}
	return Persistence{Tables: tables, Objects: objects, Close: closeAll}, nil
}

func openTables(ctx context.Context, b Backend, closers *[]func() error) (persistence.TableStore, error) {
	switch b.Kind {
	case config.BackendSQLite, config.BackendPostgres:
		driver, dsn := "sqlite", sqliteDSN(b.DSN)
		if b.Kind == config.BackendPostgres {
			driver, dsn = "pgx", b.DSN
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", b.Kind, err)
		}
		*closers = append(*closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping %s: %w", b.Kind, err)
		}
		if b.Kind == config.BackendSQLite {
			return persistence.NewSQLiteTableStore(db)
		}
		return persistence.NewPostgresTableStore(db)

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(b.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		*closers = append(*closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
		return persistence.NewMongoTableStore(ctx, client, b.MongoDatabase)
	}
	return persistence.NewMemoryTableStore(), nil
}

// sqliteDSN adds a busy timeout unless the DSN sets one, so other
// processes writing the same file make this one wait instead of fail.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

func openObjects(ctx context.Context, b Backend, closers *[]func() error) (persistence.ObjectStore, error) {
	switch b.Objects {
	case config.ObjectsBolt:
		s, err := persistence.OpenBoltObjectStore(b.BoltPath)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, s.Close)
		return s, nil

	case config.ObjectsRedis:
		client := redis.NewClient(&redis.Options{Addr: b.RedisAddr})
		*closers = append(*closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return persistence.NewRedisObjectStore(client, b.RedisPrefix), nil
	}
	return persistence.NewMemoryObjectStore(), nil
}

// Open builds an Engine from the environment: DURABLETASK_* variables
// select the backend and the settings. Options are applied on top.
//
// Typical usage:
//
//	eng, closeFn, err := durabletask.Open(ctx, durabletask.WithObserver(obs))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer closeFn()
func Open(ctx context.Context, opts ...Option) (Engine, func() error, error) {
	b, err := config.LoadBackend()
	if err != nil {
		return nil, nil, err
	}
	settings, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	p, err := OpenPersistence(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	eng, err := NewEngine(ctx, p, append([]Option{WithSettings(settings)}, opts...)...)
	if err != nil {
		_ = p.Shutdown()
		return nil, nil, err
	}
	return eng, p.Shutdown, nil
}
