// Package staging reads the flat staging tables in arrival order.
package staging

import (
	"database/sql"

	"github.com/shopspring/decimal"

	"dwetl/internal/storage"
)

// Row is implemented by every staging row type.
type Row interface {
	StagingRowID() int64
}

// Calendar columns shared by every extract.
type Calendar struct {
	TimeID sql.NullInt64    `db:"time_id"`
	Date   storage.NullDate `db:"date"`
	Day    sql.NullInt64    `db:"day"`
	Month  sql.NullInt64    `db:"month"`
	Year   sql.NullInt64    `db:"year"`
}

// Site columns shared by every extract.
type Site struct {
	SiteName  sql.NullString      `db:"site_name"`
	Region    sql.NullString      `db:"region"`
	Latitude  decimal.NullDecimal `db:"latitude"`
	Longitude decimal.NullDecimal `db:"longitude"`
}

// EquipmentUsageRow is one staging.EquipmentUsage record.
type EquipmentUsageRow struct {
	RowID            int64         `db:"staging_row_id"`
	EquipmentUsageID sql.NullInt64 `db:"equipment_usage_id"`
	Calendar
	Site
	EquipmentName   sql.NullString      `db:"equipment_name"`
	EquipmentType   sql.NullString      `db:"equipment_type"`
	Manufacture     sql.NullString      `db:"manufacture"`
	Model           sql.NullString      `db:"model"`
	Capacity        decimal.NullDecimal `db:"capacity"`
	PurchaseDate    storage.NullDate    `db:"purchase_date"`
	OperatingHours  decimal.NullDecimal `db:"operating_hours"`
	DowntimeHours   decimal.NullDecimal `db:"downtime_hours"`
	FuelConsumption decimal.NullDecimal `db:"fuel_consumption"`
	MaintenanceCost decimal.NullDecimal `db:"maintenance_cost"`
}

func (r EquipmentUsageRow) StagingRowID() int64 { return r.RowID }

// ProductionRow is one staging.Production record.
type ProductionRow struct {
	RowID        int64         `db:"staging_row_id"`
	ProductionID sql.NullInt64 `db:"production_id"`
	Calendar
	SiteID sql.NullInt64 `db:"site_id"`
	Site
	MaterialID     sql.NullInt64         `db:"material_id"`
	MaterialName   sql.NullString        `db:"material_name"`
	MaterialType   sql.NullString        `db:"material_type"`
	UnitOfMeasure  sql.NullString        `db:"unit_of_measure"`
	Quantity       decimal.NullDecimal   `db:"quantity"`
	EmployeeID     sql.NullInt64         `db:"employee_id"`
	EmployeeName   sql.NullString        `db:"employee_name"`
	Position       sql.NullString        `db:"position"`
	Department     sql.NullString        `db:"department"`
	Status         sql.NullString        `db:"status"`
	HireDate       storage.NullDate      `db:"hire_date"`
	ShiftID        sql.NullInt64         `db:"shift_id"`
	ShiftName      sql.NullString        `db:"shift_name"`
	StartTime      storage.NullTimeOfDay `db:"start_time"`
	EndTime        storage.NullTimeOfDay `db:"end_time"`
	ProducedVolume decimal.NullDecimal   `db:"produced_volume"`
	UnitCost       decimal.NullDecimal   `db:"unit_cost"`
}

func (r ProductionRow) StagingRowID() int64 { return r.RowID }

// FinancialTransactionRow is one staging.FinancialTransaction record. ID is
// the natural transaction id.
type FinancialTransactionRow struct {
	RowID int64         `db:"staging_row_id"`
	ID    sql.NullInt64 `db:"id"`
	Calendar
	SiteID sql.NullInt64 `db:"site_id"`
	Site
	ProjectID      sql.NullInt64       `db:"project_id"`
	ProjectName    sql.NullString      `db:"project_name"`
	ProjectManager sql.NullString      `db:"project_manager"`
	Status         sql.NullString      `db:"status"`
	StartDate      storage.NullDate    `db:"start_date"`
	EndDate        storage.NullDate    `db:"end_date"`
	AccountID      sql.NullInt64       `db:"account_id"`
	AccountName    sql.NullString      `db:"account_name"`
	AccountType    sql.NullString      `db:"account_type"`
	BudgetCategory sql.NullString      `db:"budget_category"`
	Variance       sql.NullString      `db:"variance"`
	BudgetedCost   decimal.NullDecimal `db:"budgeted_cost"`
	ActualCost     decimal.NullDecimal `db:"actual_cost"`
	Cost           decimal.NullDecimal `db:"cost"`
}

func (r FinancialTransactionRow) StagingRowID() int64 { return r.RowID }
