package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Querier is the statement surface shared by *sqlx.DB (autocommit) and
// *sqlx.Tx (unit of work). Backends never care which one they are handed.
type Querier = sqlx.ExtContext

// ConnParams is the minimal configuration needed to build a backend DSN.
//
// Edge cases:
//   - Database overrides the target database for a single session (for
//     example "master" while creating the warehouse database).
//   - Dir is only used by file-backed backends (sqlite).
type ConnParams struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	Dir            string
	ConnectTimeout time.Duration
}

// Warehouse is a backend-agnostic interface for provisioning and loading the
// star schema.
//
// IMPORTANT: every method takes the Querier it must run on. The caller owns
// session and transaction scope; backends only speak their SQL dialect
// (SQL Server conditional DDL, Postgres ON CONFLICT, SQLite OR IGNORE, etc).
type Warehouse interface {
	// Kind is the registry key ("mssql", "postgres", "sqlite").
	Kind() string

	// DriverName is the database/sql driver the backend registers.
	DriverName() string

	// DSN renders connection parameters for DriverName.
	DSN(p ConnParams) string

	// AdminDatabase names the database a session must use to create target.
	AdminDatabase(target string) string

	// Provisioning. All three must be idempotent.
	EnsureDatabase(ctx context.Context, q Querier, name string) error
	EnsureSchemas(ctx context.Context, q Querier, schemas []string) error
	EnsureTables(ctx context.Context, q Querier, tables []TableSpec) error

	// ResolveDimension inserts the member when its natural key is unseen and
	// returns the surrogate key of the single row holding that natural key.
	// Existing rows are never updated.
	ResolveDimension(ctx context.Context, q Querier, row DimensionRow) (int64, error)

	// InsertFact appends a fact row unless a row with the same dedupe columns
	// already exists. It returns the surrogate key of the stored row and
	// whether this call inserted it.
	InsertFact(ctx context.Context, q Querier, row FactRow) (int64, bool, error)

	// SelectStaging reads one keyset page of a staging table into dest, which
	// must be a pointer to a slice of db-tagged structs.
	SelectStaging(ctx context.Context, q Querier, page StagingPage, dest any) error

	// ServerVersion returns the engine's version banner.
	ServerVersion(ctx context.Context, q Querier) (string, error)
}

// ---- factories ----

type factory func() Warehouse

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a warehouse backend under a kind (e.g. "mssql", "sqlite").
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

// New returns the backend registered under kind.
//
// Errors:
//   - Returns an error if kind is empty or unsupported.
func New(kind string) (Warehouse, error) {
	if kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", kind, Kinds())
	}
	return f(), nil
}

// Kinds lists registered backend kinds in sorted order.
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
