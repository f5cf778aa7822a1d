package fact

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	"dwetl/internal/dimension"
	"dwetl/internal/staging"
	"dwetl/internal/storage"
	"dwetl/internal/warehouse"
)

// Area is one subject area: where its staging rows come from and how a row
// maps onto dimensions and measures.
type Area struct {
	Name string
	Fact warehouse.Fact

	each func(ctx context.Context, wh storage.Warehouse, q storage.Querier, batch int, fn func(staging.Row) error) error
	plan func(staging.Row) (plan, error)
}

// Each reads the area's staging rows in arrival order.
func (a Area) Each(ctx context.Context, wh storage.Warehouse, q storage.Querier, batch int, fn func(staging.Row) error) error {
	return a.each(ctx, wh, q, batch, fn)
}

func newArea[T staging.Row](f warehouse.Fact, src staging.Source[T], build func(T) (plan, error)) Area {
	return Area{
		Name: f.Name,
		Fact: f,
		each: func(ctx context.Context, wh storage.Warehouse, q storage.Querier, batch int, fn func(staging.Row) error) error {
			return src.Each(ctx, wh, q, batch, func(r T) error { return fn(r) })
		},
		plan: func(r staging.Row) (plan, error) {
			t, ok := r.(T)
			if !ok {
				return plan{}, fmt.Errorf("%s: unexpected row type %T", f.Name, r)
			}
			return build(t)
		},
	}
}

// plan is a staging row translated into warehouse terms.
type plan struct {
	naturalID int64
	dims      []dimRef
	measures  []measure
	attrs     []dimension.Attribute
}

type dimRef struct {
	dim    warehouse.Dimension
	member dimension.Member
}

type measure struct {
	column string
	value  decimal.NullDecimal
}

// Areas returns the subject areas in load order.
func Areas() []Area {
	return []Area{EquipmentUsage, Production, FinancialTransaction}
}

// Subject areas.
var (
	EquipmentUsage = newArea(warehouse.FactEquipmentUsage, staging.EquipmentUsage, func(r staging.EquipmentUsageRow) (plan, error) {
		id, err := naturalID(warehouse.FactEquipmentUsage, r.EquipmentUsageID)
		if err != nil {
			return plan{}, err
		}
		tm, err := timeMember(r.Calendar)
		if err != nil {
			return plan{}, err
		}
		return plan{
			naturalID: id,
			dims: []dimRef{
				{warehouse.DimTime, tm},
				{warehouse.DimSite, siteMember(r.Site, sql.NullInt64{})},
				{warehouse.DimEquipment, dimension.Member{
					NaturalKey: str(r.EquipmentName),
					Attributes: []dimension.Attribute{
						{Column: "equipment_type", Value: str(r.EquipmentType)},
						{Column: "manufacture", Value: str(r.Manufacture)},
						{Column: "model", Value: str(r.Model)},
						{Column: "capacity", Value: dec(r.Capacity)},
						{Column: "purchase_date", Value: r.PurchaseDate.Value()},
					},
				}},
			},
			measures: []measure{
				{"operating_hours", r.OperatingHours},
				{"downtime_hours", r.DowntimeHours},
				{"fuel_consumption", r.FuelConsumption},
				{"maintenance_cost", r.MaintenanceCost},
			},
		}, nil
	})

	Production = newArea(warehouse.FactProduction, staging.Production, func(r staging.ProductionRow) (plan, error) {
		id, err := naturalID(warehouse.FactProduction, r.ProductionID)
		if err != nil {
			return plan{}, err
		}
		tm, err := timeMember(r.Calendar)
		if err != nil {
			return plan{}, err
		}
		return plan{
			naturalID: id,
			dims: []dimRef{
				{warehouse.DimTime, tm},
				{warehouse.DimSite, siteMember(r.Site, r.SiteID)},
				{warehouse.DimMaterial, dimension.Member{
					NaturalKey: i64(r.MaterialID),
					Attributes: []dimension.Attribute{
						{Column: "material_name", Value: str(r.MaterialName)},
						{Column: "material_type", Value: str(r.MaterialType)},
						{Column: "unit_of_measure", Value: str(r.UnitOfMeasure)},
					},
				}},
				{warehouse.DimEmployee, dimension.Member{
					NaturalKey: i64(r.EmployeeID),
					Attributes: []dimension.Attribute{
						{Column: "employee_name", Value: str(r.EmployeeName)},
						{Column: "position", Value: str(r.Position)},
						{Column: "department", Value: str(r.Department)},
						{Column: "status", Value: str(r.Status)},
						{Column: "hire_date", Value: r.HireDate.Value()},
					},
				}},
				{warehouse.DimShift, dimension.Member{
					NaturalKey: i64(r.ShiftID),
					Attributes: []dimension.Attribute{
						{Column: "shift_name", Value: str(r.ShiftName)},
						{Column: "start_time", Value: r.StartTime.Value()},
						{Column: "end_time", Value: r.EndTime.Value()},
					},
				}},
			},
			measures: []measure{
				{"produced_volume", r.ProducedVolume},
				{"unit_cost", r.UnitCost},
				{"material_quantity", r.Quantity},
			},
		}, nil
	})

	FinancialTransaction = newArea(warehouse.FactFinancialTransaction, staging.FinancialTransaction, func(r staging.FinancialTransactionRow) (plan, error) {
		id, err := naturalID(warehouse.FactFinancialTransaction, r.ID)
		if err != nil {
			return plan{}, err
		}
		tm, err := timeMember(r.Calendar)
		if err != nil {
			return plan{}, err
		}
		return plan{
			naturalID: id,
			dims: []dimRef{
				{warehouse.DimTime, tm},
				{warehouse.DimSite, siteMember(r.Site, r.SiteID)},
				{warehouse.DimProject, dimension.Member{
					NaturalKey: i64(r.ProjectID),
					Attributes: []dimension.Attribute{
						{Column: "project_name", Value: str(r.ProjectName)},
						{Column: "project_manager", Value: str(r.ProjectManager)},
						{Column: "status", Value: str(r.Status)},
						{Column: "start_date", Value: r.StartDate.Value()},
						{Column: "end_date", Value: r.EndDate.Value()},
					},
				}},
				{warehouse.DimAccount, dimension.Member{
					NaturalKey: i64(r.AccountID),
					Attributes: []dimension.Attribute{
						{Column: "account_name", Value: str(r.AccountName)},
						{Column: "account_type", Value: str(r.AccountType)},
						{Column: "budget_category", Value: str(r.BudgetCategory)},
					},
				}},
			},
			measures: []measure{
				{"budgeted_cost", r.BudgetedCost},
				{"actual_cost", r.ActualCost},
				{"account_cost", r.Cost},
			},
			attrs: []dimension.Attribute{{Column: "variance_status", Value: str(r.Variance)}},
		}, nil
	})
)

func naturalID(f warehouse.Fact, v sql.NullInt64) (int64, error) {
	if !v.Valid {
		return 0, fmt.Errorf("%s is NULL", f.NaturalID)
	}
	return v.Int64, nil
}

// timeMember builds the time member from the staging date, falling back to
// the year/month/day columns when date is NULL.
func timeMember(c staging.Calendar) (dimension.Member, error) {
	d := c.Date.Date
	if !c.Date.Valid {
		if !c.Year.Valid || !c.Month.Valid || !c.Day.Valid {
			return dimension.Member{}, fmt.Errorf("date is NULL and year/month/day incomplete")
		}
		d = civil.Date{Year: int(c.Year.Int64), Month: time.Month(c.Month.Int64), Day: int(c.Day.Int64)}
		if !d.IsValid() {
			return dimension.Member{}, fmt.Errorf("invalid date %04d-%02d-%02d", c.Year.Int64, c.Month.Int64, c.Day.Int64)
		}
	}
	var timeID int64
	if c.TimeID.Valid {
		timeID = c.TimeID.Int64
	}
	return dimension.TimeMember(d, timeID), nil
}

func siteMember(s staging.Site, siteID sql.NullInt64) dimension.Member {
	return dimension.Member{
		NaturalKey: str(s.SiteName),
		Attributes: []dimension.Attribute{
			{Column: "site_id", Value: i64(siteID)},
			{Column: "region", Value: str(s.Region)},
			{Column: "latitude", Value: dec(s.Latitude)},
			{Column: "longitude", Value: dec(s.Longitude)},
		},
	}
}

func str(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}

func i64(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func dec(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal
}
