package persistence

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const objectsBucket = "objects"

// BoltObjectStore is a file-backed ObjectStore on BoltDB. It suits a single
// process running the embedded SQLite table store.
type BoltObjectStore struct {
	db *bbolt.DB
}

var _ ObjectStore = (*BoltObjectStore)(nil)

// OpenBoltObjectStore opens (or creates) the object database at path.
func OpenBoltObjectStore(path string) (*BoltObjectStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("object store path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(objectsBucket)); err != nil {
			return fmt.Errorf("create objects bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltObjectStore{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (s *BoltObjectStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltObjectStore) Upload(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(objectsBucket)).Put([]byte(name), data)
	})
}

func (s *BoltObjectStore) Download(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(objectsBucket)).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, name)
		}
		// Values are only valid for the life of the transaction.
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (s *BoltObjectStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ops := 1
	err := s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(objectsBucket)).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Seek(p) {
			if err := c.Delete(); err != nil {
				return err
			}
			ops++
		}
		return nil
	})
	return ops, err
}
