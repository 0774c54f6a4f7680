package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a record store backend.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// RecordRepository persists card records, one row per card URL.
//
// Each backend implements the same contract in its own dialect:
//   - EnsureTable creates the table when missing (url primary key, name,
//     one text column per field, row_hash, updated_at).
//   - UpsertRecords inserts new URLs, rewrites rows whose row_hash changed and
//     leaves identical rows untouched, all in one transaction.
type RecordRepository interface {
	// Close releases backend resources. Call once.
	Close()

	EnsureTable(ctx context.Context, table string, fields []string) error
	UpsertRecords(ctx context.Context, table string, fields []string, rows []CardRow) (UpsertResult, error)
}

type factory func(ctx context.Context, cfg Config) (RecordRepository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under kind. Call it from an init() function
// in the backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
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

// New constructs a RecordRepository using the registered backend factory.
func New(ctx context.Context, cfg Config) (RecordRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds.
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
