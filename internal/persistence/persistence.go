package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/durabletask/internal/config"
)

// Persistence bundles the two storage contracts so the engine can depend
// on a single abstraction.
type Persistence struct {
	Tables  TableStore
	Objects ObjectStore

	// Close releases the underlying connections, if any.
	Close func() error
}

// NewMemoryPersistence returns in-memory stores, mainly for tests.
func NewMemoryPersistence() Persistence {
	return Persistence{
		Tables:  NewMemoryTableStore(),
		Objects: NewMemoryObjectStore(),
	}
}

// HistoryStore builds a HistoryStore over the bundled stores and creates
// its tables.
func (p Persistence) HistoryStore(ctx context.Context, settings config.Settings, opts ...HistoryStoreOption) (*HistoryStore, error) {
	if p.Tables == nil || p.Objects == nil {
		return nil, errors.New("persistence: table store and object store are required")
	}
	h := NewHistoryStore(p.Tables, p.Objects, settings, opts...)
	if err := h.Create(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Shutdown calls Close when set.
func (p Persistence) Shutdown() error {
	if p.Close == nil {
		return nil
	}
	return p.Close()
}
