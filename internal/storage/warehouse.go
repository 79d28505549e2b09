package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"singerwh/internal/schema"
)

// Config is the minimal configuration needed to open a warehouse backend.
//
// When to use:
//   - Use Config when constructing a Warehouse via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Stage is only meaningful to backends that load from a named stage.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind  string
	DSN   string
	Stage string
}

// Warehouse is the session layer the loader drives.
//
// Each backend implements these semantics in its own dialect (Postgres COPY +
// ON CONFLICT, SQL Server bulk copy + MERGE, Snowflake COPY INTO + MERGE,
// SQLite temp table + upsert). Every method takes the caller's context and must
// stop promptly when it is canceled.
type Warehouse interface {
	// Describe reads the current structure of one table. A missing table is not
	// an error: it yields a Table with Exists=false.
	Describe(ctx context.Context, ref TableRef) (*Table, error)

	// DescribeSchema reads every table of a schema, for cache preloading.
	DescribeSchema(ctx context.Context, schemaName string) ([]*Table, error)

	// Apply executes one structural change. CreateTable also creates the schema
	// when it does not exist.
	Apply(ctx context.Context, op Op) error

	// Load moves one staged artifact into the target table transactionally.
	Load(ctx context.Context, req LoadRequest) (LoadResult, error)

	// NormalizeIdent folds a logical identifier to the backend's convention.
	NormalizeIdent(name string) string

	// Canonical reports the type Describe returns for a column created with t.
	Canonical(t schema.Type) schema.Type

	// CanWiden reports whether a column of type from can be altered in place to to.
	CanWiden(from, to schema.Type) bool

	// IsTransient classifies an error returned by this backend as retryable.
	IsTransient(err error) bool

	Close() error
}

// TableRef names a target table.
type TableRef struct {
	Schema string
	Name   string
}

func (r TableRef) String() string {
	if r.Schema == "" {
		return r.Name
	}
	return r.Schema + "." + r.Name
}

// Column is a physical column of a target table.
type Column struct {
	Name string
	Type schema.Type
	// Native is the backend type name as reported or rendered. Informational.
	Native string
}

// Table is the last known structure of a target table.
type Table struct {
	Ref     TableRef
	Exists  bool
	Columns []Column
}

// Column returns the column with the given physical name.
func (t *Table) Column(name string) (Column, bool) {
	if t == nil {
		return Column{}, false
	}
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Clone returns a deep copy, so cache readers never share a slice with writers.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := *t
	out.Columns = append([]Column(nil), t.Columns...)
	return &out
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a warehouse backend under a kind (e.g. "postgres", "snowflake").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
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

// New constructs a Warehouse using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Warehouse, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing warehouse kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported warehouse kind=%s", cfg.Kind)
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
