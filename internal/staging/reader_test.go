package staging

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwetl/internal/dbconn"
	"dwetl/internal/retry"
	"dwetl/internal/storage"
	"dwetl/internal/storage/sqlite"
	"dwetl/internal/warehouse"
)

// dbTags returns the db tags of t, flattening embedded structs the way sqlx
// does.
func dbTags(t reflect.Type) []string {
	var out []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous {
			out = append(out, dbTags(f.Type)...)
			continue
		}
		if tag := f.Tag.Get("db"); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestSources_ColumnsMatchRowTypesAndCatalog(t *testing.T) {
	cases := []struct {
		table   string
		columns []string
		row     any
	}{
		{EquipmentUsage.Table, EquipmentUsage.Columns, EquipmentUsageRow{}},
		{Production.Table, Production.Columns, ProductionRow{}},
		{FinancialTransaction.Table, FinancialTransaction.Columns, FinancialTransactionRow{}},
	}
	for _, c := range cases {
		t.Run(c.table, func(t *testing.T) {
			assert.Equal(t, sorted(dbTags(reflect.TypeOf(c.row))), sorted(c.columns))

			spec, ok := warehouse.Table(c.table)
			require.True(t, ok)
			for _, col := range c.columns {
				if col == warehouse.ColStagingRowID {
					continue
				}
				_, ok := spec.Column(col)
				assert.True(t, ok, "%s has no column %s", c.table, col)
			}
		})
	}
}

func TestEach_ArrivalOrderAcrossPages(t *testing.T) {
	ctx := context.Background()
	wh := sqlite.New()
	p := &dbconn.Provider{
		Warehouse: wh,
		Params:    storage.ConnParams{Dir: t.TempDir(), ConnectTimeout: 5 * time.Second},
		Policy:    retry.Policy{MaxAttempts: 1},
	}
	s, err := p.Connect(ctx, "dw", dbconn.Autocommit)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, wh.EnsureTables(ctx, s.Querier(), warehouse.StagingTables()))

	for i := 1; i <= 5; i++ {
		_, err := s.Querier().ExecContext(ctx,
			`INSERT INTO "staging__EquipmentUsage" (equipment_usage_id, date, site_name, operating_hours) VALUES (?, ?, ?, ?)`,
			100+i, "2024-03-15", "Site Alpha", "7.25")
		require.NoError(t, err)
	}

	var got []EquipmentUsageRow
	require.NoError(t, EquipmentUsage.Each(ctx, wh, s.Querier(), 2, func(r EquipmentUsageRow) error {
		got = append(got, r)
		return nil
	}))

	require.Len(t, got, 5)
	for i, r := range got {
		assert.Equal(t, int64(i+1), r.RowID)
		assert.Equal(t, int64(101+i), r.EquipmentUsageID.Int64)
	}
	first := got[0]
	assert.True(t, first.Date.Valid)
	assert.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 15}, first.Date.Date)
	assert.Equal(t, "Site Alpha", first.SiteName.String)
	assert.True(t, first.OperatingHours.Decimal.Equal(decimal.RequireFromString("7.25")))
	assert.False(t, first.Region.Valid)
	assert.False(t, first.MaintenanceCost.Valid)
}

func TestEach_RejectsBadBatch(t *testing.T) {
	err := EquipmentUsage.Each(context.Background(), sqlite.New(), nil, 0, func(EquipmentUsageRow) error { return nil })
	assert.Error(t, err)
}
