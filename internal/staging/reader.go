package staging

import (
	"context"
	"fmt"

	"dwetl/internal/storage"
	"dwetl/internal/warehouse"
)

// Source names a staging table and the columns its row type scans.
type Source[T Row] struct {
	Table   string
	Columns []string
}

var (
	calendarColumns = []string{"time_id", "date", "day", "month", "year"}
	siteColumns     = []string{"site_name", "region", "latitude", "longitude"}
)

func columns(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Sources.
var (
	EquipmentUsage = Source[EquipmentUsageRow]{
		Table: warehouse.FactEquipmentUsage.Staging,
		Columns: columns(
			[]string{warehouse.ColStagingRowID, "equipment_usage_id"},
			calendarColumns,
			siteColumns,
			[]string{
				"equipment_name", "equipment_type", "manufacture", "model", "capacity", "purchase_date",
				"operating_hours", "downtime_hours", "fuel_consumption", "maintenance_cost",
			},
		),
	}
	Production = Source[ProductionRow]{
		Table: warehouse.FactProduction.Staging,
		Columns: columns(
			[]string{warehouse.ColStagingRowID, "production_id"},
			calendarColumns,
			[]string{"site_id"},
			siteColumns,
			[]string{
				"material_id", "material_name", "material_type", "unit_of_measure", "quantity",
				"employee_id", "employee_name", "position", "department", "status", "hire_date",
				"shift_id", "shift_name", "start_time", "end_time",
				"produced_volume", "unit_cost",
			},
		),
	}
	FinancialTransaction = Source[FinancialTransactionRow]{
		Table: warehouse.FactFinancialTransaction.Staging,
		Columns: columns(
			[]string{warehouse.ColStagingRowID, "id"},
			calendarColumns,
			[]string{"site_id"},
			siteColumns,
			[]string{
				"project_id", "project_name", "project_manager", "status", "start_date", "end_date",
				"account_id", "account_name", "account_type", "budget_category",
				"variance", "budgeted_cost", "actual_cost", "cost",
			},
		),
	}
)

// Page reads up to limit rows with staging_row_id > after, in arrival order.
func (s Source[T]) Page(ctx context.Context, wh storage.Warehouse, q storage.Querier, after int64, limit int) ([]T, error) {
	var rows []T
	err := wh.SelectStaging(ctx, q, storage.StagingPage{
		Table:       s.Table,
		Columns:     s.Columns,
		OrderColumn: warehouse.ColStagingRowID,
		After:       after,
		Limit:       limit,
	}, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Each reads the whole table page by page and calls fn once per row, in
// staging_row_id order. It stops at the first error fn returns.
func (s Source[T]) Each(ctx context.Context, wh storage.Warehouse, q storage.Querier, batch int, fn func(T) error) error {
	if batch < 1 {
		return fmt.Errorf("staging: batch size must be >= 1 (got %d)", batch)
	}
	var after int64
	for {
		rows, err := s.Page(ctx, wh, q, after, batch)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := fn(r); err != nil {
				return err
			}
			after = r.StagingRowID()
		}
		if len(rows) < batch {
			return nil
		}
	}
}
