// Package storage contains the storage-agnostic sink contract used for both
// scanned destination rows and reject rows, plus a registry of concrete
// backends. Backend packages register themselves at init time; importing
// csvscan/internal/storage/all enables every built-in kind.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Repository is the minimal sink every backend implements.
type Repository interface {
	// CopyFrom bulk-inserts rows aligned to the columns order into table.
	CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// Exec runs an arbitrary statement, typically DDL.
	Exec(ctx context.Context, sql string) error

	Close()
}

// Config selects and configures a backend.
type Config struct {
	Kind string // "sqlite", "postgres", "mssql"
	DSN  string
}

// Factory constructs a Repository for one storage kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs (or replaces) the factory for kind. Called from backend
// packages' init functions.
func Register(kind string, fn Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = fn
}

// New opens a Repository for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	regMu.RLock()
	fn, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unsupported kind %q (registered: %v)", cfg.Kind, ListKinds())
	}
	repo, err := fn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Kind, err)
	}
	return repo, nil
}

// ListKinds returns the registered backend kinds, sorted.
func ListKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
