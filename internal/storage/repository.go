package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrMissingDatabase is returned by New when no database name is set.
	// No backend ever falls back to a default database.
	ErrMissingDatabase = errors.New("storage: database name is not set")

	// ErrUnsupportedKind is returned by New for an empty or unregistered kind.
	ErrUnsupportedKind = errors.New("storage: unsupported kind")
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must match a registered backend kind.
//   - Database must be non-empty (for sqlite it is the file path).
//   - DSN is passed through to the backend; validation is backend-specific.
type Config struct {
	Kind     string
	DSN      string
	Database string
}

// Repository is the loader's view of a relational store.
type Repository interface {
	// ReplaceTable drops spec.Name if it exists, creates it from spec and
	// bulk-inserts rows, all in one transaction. An empty rows slice still
	// recreates the table. On error the transaction is rolled back and the
	// previous table is left in place.
	//
	// It returns the number of rows written.
	ReplaceTable(ctx context.Context, spec TableSpec, rows [][]any) (int64, error)

	// Close releases backend resources. Call once.
	Close()
}

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in the backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens a Repository using the backend registered for cfg.Kind.
//
// Errors:
//   - ErrUnsupportedKind if cfg.Kind is empty or not registered.
//   - ErrMissingDatabase if cfg.Database is empty.
//   - Whatever the backend factory returns (connection failures).
func New(ctx context.Context, cfg Config) (Repository, error) {
	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnsupportedKind, cfg.Kind, strings.Join(Kinds(), ", "))
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, fmt.Errorf("%w (kind=%s)", ErrMissingDatabase, cfg.Kind)
	}
	return f(ctx, cfg)
}
