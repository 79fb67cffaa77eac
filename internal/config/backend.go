package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/caarlos0/env/v11"
)

// Table store kinds.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Object store kinds.
const (
	ObjectsMemory = "memory"
	ObjectsBolt   = "bolt"
	ObjectsRedis  = "redis"
)

// Backend selects and locates the table store and the object store.
type Backend struct {
	Kind string `env:"DURABLETASK_BACKEND" envDefault:"memory"`

	// DSN is a file name for sqlite, a connection URL for postgres and a
	// URI for mongo.
	DSN           string `env:"DURABLETASK_DSN"`
	MongoDatabase string `env:"DURABLETASK_MONGO_DATABASE" envDefault:"durabletask"`

	Objects     string `env:"DURABLETASK_OBJECTS" envDefault:"memory"`
	BoltPath    string `env:"DURABLETASK_BOLT_PATH" envDefault:"durabletask-blobs.db"`
	RedisAddr   string `env:"DURABLETASK_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix string `env:"DURABLETASK_REDIS_PREFIX" envDefault:"durabletask:"`
}

// LoadBackend reads Backend from the environment.
func LoadBackend() (Backend, error) {
	var b Backend
	if err := env.Parse(&b); err != nil {
		return Backend{}, fmt.Errorf("parse env: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Backend{}, err
	}
	return b, nil
}

func (b Backend) Validate() error {
	var errs []error
	if !slices.Contains([]string{BackendMemory, BackendSQLite, BackendPostgres, BackendMongo}, b.Kind) {
		errs = append(errs, fmt.Errorf("unknown backend %q", b.Kind))
	}
	if b.Kind != BackendMemory && b.DSN == "" {
		errs = append(errs, fmt.Errorf("backend %s needs a DSN", b.Kind))
	}
	if !slices.Contains([]string{ObjectsMemory, ObjectsBolt, ObjectsRedis}, b.Objects) {
		errs = append(errs, fmt.Errorf("unknown object store %q", b.Objects))
	}
	if b.Objects == ObjectsBolt && b.BoltPath == "" {
		errs = append(errs, errors.New("bolt object store needs a path"))
	}
	if b.Objects == ObjectsRedis && b.RedisAddr == "" {
		errs = append(errs, errors.New("redis object store needs an address"))
	}
	return errors.Join(errs...)
}
