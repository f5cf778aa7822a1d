package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dwetl/internal/dbconn"
	"dwetl/internal/etlerr"
	"dwetl/internal/retry"
	"dwetl/internal/storage"
	"dwetl/internal/storage/sqlite"
	"dwetl/internal/warehouse"
)

func newProvider(t *testing.T, wh storage.Warehouse) *dbconn.Provider {
	t.Helper()
	return &dbconn.Provider{
		Warehouse: wh,
		Params:    storage.ConnParams{Dir: t.TempDir(), ConnectTimeout: 5 * time.Second},
		Policy:    retry.Policy{MaxAttempts: 1},
	}
}

type schemaObject struct {
	Type string `db:"type"`
	Name string `db:"name"`
	SQL  string `db:"sql"`
}

func snapshot(t *testing.T, p *dbconn.Provider, db string) []schemaObject {
	t.Helper()
	ctx := context.Background()
	var out []schemaObject
	err := dbconn.With(ctx, p, db, dbconn.Autocommit, func(s *dbconn.Session) error {
		return sqlx.SelectContext(ctx, s.Querier(), &out,
			`SELECT type, name, COALESCE(sql, '') AS sql FROM sqlite_master WHERE name NOT LIKE 'sqlite_%' ORDER BY type, name`)
	})
	require.NoError(t, err)
	return out
}

func TestProvision_Idempotent(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t, sqlite.New())
	prov := New(p, zap.NewNop())

	require.NoError(t, prov.EnsureDatabase(ctx, "dw"))
	require.NoError(t, prov.EnsureWarehouseObjects(ctx, "dw"))
	first := snapshot(t, p, "dw")

	require.NoError(t, prov.EnsureDatabase(ctx, "dw"))
	require.NoError(t, prov.EnsureWarehouseObjects(ctx, "dw"))
	second := snapshot(t, p, "dw")

	assert.Equal(t, first, second)

	tables := 0
	for _, o := range first {
		if o.Type == "table" {
			tables++
		}
	}
	assert.Equal(t, len(warehouse.Tables()), tables)
}

type brokenTables struct {
	*sqlite.Warehouse
	fail string
}

func (b brokenTables) EnsureTables(ctx context.Context, q storage.Querier, tables []storage.TableSpec) error {
	for _, t := range tables {
		if t.Name == b.fail {
			return errors.New("permission denied")
		}
	}
	return b.Warehouse.EnsureTables(ctx, q, tables)
}

func TestEnsureWarehouseObjects_FailureIsProvisioningErrorAndRollsBack(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t, brokenTables{Warehouse: sqlite.New(), fail: warehouse.FactProduction.Table})

	err := New(p, nil).EnsureWarehouseObjects(ctx, "dw")
	var provErr *etlerr.SchemaProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "tables", provErr.Stage)
	assert.Equal(t, warehouse.FactProduction.Table, provErr.Object)
	assert.True(t, etlerr.Fatal(err))

	// The whole DDL batch was one transaction.
	assert.Empty(t, snapshot(t, p, "dw"))
}

func TestEnsureDatabase_ConnectionErrorPassesThrough(t *testing.T) {
	p := newProvider(t, sqlite.New())
	p.Open = func(context.Context, string, string) (*sqlx.DB, error) {
		return nil, errors.New("login failed")
	}

	err := New(p, nil).EnsureDatabase(context.Background(), "dw")
	var connErr *etlerr.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "connection", etlerr.Kind(err))
}
