// Package warehouse declares the PTXYZ star schema: the dimension, fact and
// staging tables the provisioner creates and the loader writes.
//
// Column types use SQL Server spelling; each storage backend translates them.
package warehouse

import "dwetl/internal/storage"

// Namespaces.
const (
	SchemaDim     = "dim"
	SchemaFact    = "fact"
	SchemaStaging = "staging"
)

// Audit and ordering columns shared across tables.
const (
	ColCreatedAt    = "created_at"
	ColCreatedBy    = "created_by"
	ColStagingRowID = "staging_row_id"
)

// Dimension names one conformed dimension table.
type Dimension struct {
	Name         string
	Table        string
	SurrogateKey string
	NaturalKey   string
}

// Dimensions.
var (
	DimTime      = Dimension{Name: "Time", Table: "dim.DimTime", SurrogateKey: "time_key", NaturalKey: "date"}
	DimSite      = Dimension{Name: "Site", Table: "dim.DimSite", SurrogateKey: "site_key", NaturalKey: "site_name"}
	DimEquipment = Dimension{Name: "Equipment", Table: "dim.DimEquipment", SurrogateKey: "equipment_key", NaturalKey: "equipment_name"}
	DimMaterial  = Dimension{Name: "Material", Table: "dim.DimMaterial", SurrogateKey: "material_key", NaturalKey: "material_id"}
	DimEmployee  = Dimension{Name: "Employee", Table: "dim.DimEmployee", SurrogateKey: "employee_key", NaturalKey: "employee_id"}
	DimShift     = Dimension{Name: "Shift", Table: "dim.DimShift", SurrogateKey: "shift_key", NaturalKey: "shift_id"}
	DimProject   = Dimension{Name: "Project", Table: "dim.DimProject", SurrogateKey: "project_key", NaturalKey: "project_id"}
	DimAccount   = Dimension{Name: "Account", Table: "dim.DimAccount", SurrogateKey: "account_key", NaturalKey: "account_id"}
)

// Fact names one fact table and its natural transaction id.
type Fact struct {
	Name         string
	Table        string
	SurrogateKey string
	NaturalID    string
	Staging      string
}

// Facts, in load order.
var (
	FactEquipmentUsage = Fact{
		Name:         "EquipmentUsage",
		Table:        "fact.FactEquipmentUsage",
		SurrogateKey: "usage_key",
		NaturalID:    "equipment_usage_id",
		Staging:      "staging.EquipmentUsage",
	}
	FactProduction = Fact{
		Name:         "Production",
		Table:        "fact.FactProduction",
		SurrogateKey: "production_key",
		NaturalID:    "production_id",
		Staging:      "staging.Production",
	}
	FactFinancialTransaction = Fact{
		Name:         "FinancialTransaction",
		Table:        "fact.FactFinancialTransaction",
		SurrogateKey: "transaction_key",
		NaturalID:    "transaction_id",
		Staging:      "staging.FinancialTransaction",
	}
)

// Schemas returns the three namespaces.
func Schemas() []string { return []string{SchemaDim, SchemaFact, SchemaStaging} }

// Dimensions returns every dimension.
func Dimensions() []Dimension {
	return []Dimension{DimTime, DimSite, DimEquipment, DimMaterial, DimEmployee, DimShift, DimProject, DimAccount}
}

// Facts returns every fact in load order.
func Facts() []Fact {
	return []Fact{FactEquipmentUsage, FactProduction, FactFinancialTransaction}
}

// Tables returns every table spec, dimensions before the facts that
// reference them.
func Tables() []storage.TableSpec {
	out := DimensionTables()
	out = append(out, FactTables()...)
	return append(out, StagingTables()...)
}

// Table returns the spec named name.
func Table(name string) (storage.TableSpec, bool) {
	for _, t := range Tables() {
		if t.Name == name {
			return t, true
		}
	}
	return storage.TableSpec{}, false
}

func col(name, typ string) storage.ColumnSpec {
	return storage.ColumnSpec{Name: name, Type: typ}
}

func req(name, typ string) storage.ColumnSpec {
	return storage.ColumnSpec{Name: name, Type: typ, Nullable: storage.Bool(false)}
}

func ref(d Dimension) storage.ColumnSpec {
	return storage.ColumnSpec{
		Name:       d.SurrogateKey,
		Type:       "INT",
		Nullable:   storage.Bool(false),
		References: &storage.ReferenceSpec{Table: d.Table, Column: d.SurrogateKey},
	}
}

func audit() []storage.ColumnSpec {
	return []storage.ColumnSpec{req(ColCreatedAt, "DATETIME2"), req(ColCreatedBy, "VARCHAR(50)")}
}

func dimTable(d Dimension, cols ...storage.ColumnSpec) storage.TableSpec {
	return storage.TableSpec{
		Name:        d.Table,
		PrimaryKey:  &storage.PrimaryKeySpec{Name: d.SurrogateKey, Type: "identity"},
		Columns:     append(cols, audit()...),
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{d.NaturalKey}}},
	}
}

func factTable(f Fact, cols ...storage.ColumnSpec) storage.TableSpec {
	return storage.TableSpec{
		Name:        f.Table,
		PrimaryKey:  &storage.PrimaryKeySpec{Name: f.SurrogateKey, Type: "identity"},
		Columns:     append(append([]storage.ColumnSpec{req(f.NaturalID, "INT")}, cols...), audit()...),
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{f.NaturalID}}},
	}
}

// stagingTable prepends the arrival-order row id. It is an identity column
// but not a key: staging tables carry no constraints.
func stagingTable(name string, cols ...storage.ColumnSpec) storage.TableSpec {
	rowID := storage.ColumnSpec{Name: ColStagingRowID, Type: "BIGINT", Identity: true}
	return storage.TableSpec{
		Name:    name,
		Columns: append([]storage.ColumnSpec{rowID}, cols...),
	}
}

// DimensionTables returns the dim.* specs.
func DimensionTables() []storage.TableSpec {
	return []storage.TableSpec{
		dimTable(DimTime,
			req("time_id", "INT"),
			req("date", "DATE"),
			req("day_of_month", "INT"),
			req("day_name", "VARCHAR(20)"),
			req("month", "INT"),
			req("month_name", "VARCHAR(20)"),
			req("quarter", "INT"),
			req("year", "INT"),
			req("is_weekend", "BIT"),
		),
		dimTable(DimSite,
			col("site_id", "INT"),
			req("site_name", "VARCHAR(100)"),
			req("region", "VARCHAR(50)"),
			col("latitude", "DECIMAL(10,8)"),
			col("longitude", "DECIMAL(11,8)"),
		),
		dimTable(DimEquipment,
			req("equipment_name", "VARCHAR(100)"),
			req("equipment_type", "VARCHAR(50)"),
			col("manufacture", "VARCHAR(50)"),
			col("model", "VARCHAR(50)"),
			col("capacity", "DECIMAL(10,2)"),
			col("purchase_date", "DATE"),
		),
		dimTable(DimMaterial,
			req("material_id", "INT"),
			req("material_name", "VARCHAR(100)"),
			req("material_type", "VARCHAR(50)"),
			req("unit_of_measure", "VARCHAR(20)"),
		),
		dimTable(DimEmployee,
			req("employee_id", "INT"),
			req("employee_name", "VARCHAR(100)"),
			col("position", "VARCHAR(50)"),
			col("department", "VARCHAR(50)"),
			col("status", "VARCHAR(20)"),
			col("hire_date", "DATE"),
		),
		dimTable(DimShift,
			req("shift_id", "INT"),
			req("shift_name", "VARCHAR(50)"),
			req("start_time", "TIME"),
			req("end_time", "TIME"),
		),
		dimTable(DimProject,
			req("project_id", "INT"),
			req("project_name", "VARCHAR(100)"),
			col("project_manager", "VARCHAR(100)"),
			col("status", "VARCHAR(20)"),
			col("start_date", "DATE"),
			col("end_date", "DATE"),
		),
		dimTable(DimAccount,
			req("account_id", "INT"),
			req("account_name", "VARCHAR(100)"),
			col("account_type", "VARCHAR(50)"),
			col("budget_category", "VARCHAR(50)"),
		),
	}
}

// FactTables returns the fact.* specs.
func FactTables() []storage.TableSpec {
	return []storage.TableSpec{
		factTable(FactEquipmentUsage,
			ref(DimTime),
			ref(DimSite),
			ref(DimEquipment),
			col("operating_hours", "DECIMAL(8,2)"),
			col("downtime_hours", "DECIMAL(8,2)"),
			col("fuel_consumption", "DECIMAL(10,2)"),
			col("maintenance_cost", "DECIMAL(12,2)"),
		),
		factTable(FactProduction,
			ref(DimTime),
			ref(DimSite),
			ref(DimMaterial),
			ref(DimEmployee),
			ref(DimShift),
			col("produced_volume", "DECIMAL(12,2)"),
			col("unit_cost", "DECIMAL(10,2)"),
			col("material_quantity", "DECIMAL(12,2)"),
		),
		factTable(FactFinancialTransaction,
			ref(DimTime),
			ref(DimSite),
			ref(DimProject),
			ref(DimAccount),
			col("budgeted_cost", "DECIMAL(12,2)"),
			col("actual_cost", "DECIMAL(12,2)"),
			col("variance_status", "VARCHAR(20)"),
			col("account_cost", "DECIMAL(12,2)"),
		),
	}
}

// StagingTables returns the staging.* specs: flat extract shapes with no
// constraints. Only the arrival-order row id is generated.
func StagingTables() []storage.TableSpec {
	return []storage.TableSpec{
		stagingTable(FactEquipmentUsage.Staging,
			col("equipment_usage_id", "INT"),
			col("time_id", "INT"),
			col("date", "DATE"),
			col("day", "INT"),
			col("day_name", "VARCHAR(20)"),
			col("month", "INT"),
			col("year", "INT"),
			col("site_name", "VARCHAR(100)"),
			col("region", "VARCHAR(50)"),
			col("latitude", "DECIMAL(10,8)"),
			col("longitude", "DECIMAL(11,8)"),
			col("equipment_name", "VARCHAR(100)"),
			col("equipment_type", "VARCHAR(50)"),
			col("manufacture", "VARCHAR(50)"),
			col("model", "VARCHAR(50)"),
			col("capacity", "DECIMAL(10,2)"),
			col("purchase_date", "DATE"),
			col("operating_hours", "DECIMAL(8,2)"),
			col("downtime_hours", "DECIMAL(8,2)"),
			col("fuel_consumption", "DECIMAL(10,2)"),
			col("maintenance_cost", "DECIMAL(12,2)"),
			col("created_at", "DATETIME2"),
			col("created_by", "VARCHAR(50)"),
		),
		stagingTable(FactProduction.Staging,
			col("production_id", "INT"),
			col("time_id", "INT"),
			col("site_id", "INT"),
			col("material_id", "INT"),
			col("employee_id", "INT"),
			col("shift_id", "INT"),
			col("produced_volume", "DECIMAL(12,2)"),
			col("unit_cost", "DECIMAL(10,2)"),
			col("date", "DATE"),
			col("day", "INT"),
			col("month", "INT"),
			col("year", "INT"),
			col("day_name", "VARCHAR(20)"),
			col("site_name", "VARCHAR(100)"),
			col("region", "VARCHAR(50)"),
			col("latitude", "DECIMAL(10,8)"),
			col("longitude", "DECIMAL(11,8)"),
			col("material_name", "VARCHAR(100)"),
			col("material_type", "VARCHAR(50)"),
			col("unit_of_measure", "VARCHAR(20)"),
			col("quantity", "DECIMAL(12,2)"),
			col("employee_name", "VARCHAR(100)"),
			col("position", "VARCHAR(50)"),
			col("department", "VARCHAR(50)"),
			col("status", "VARCHAR(20)"),
			col("hire_date", "DATE"),
			col("shift_name", "VARCHAR(50)"),
			col("start_time", "TIME"),
			col("end_time", "TIME"),
		),
		stagingTable(FactFinancialTransaction.Staging,
			col("id", "INT"),
			col("time_id", "INT"),
			col("site_id", "INT"),
			col("project_id", "INT"),
			col("account_id", "INT"),
			col("variance", "VARCHAR(20)"),
			col("budgeted_cost", "DECIMAL(12,2)"),
			col("actual_cost", "DECIMAL(12,2)"),
			col("created_at", "DATETIME2"),
			col("created_by", "VARCHAR(50)"),
			col("date", "DATE"),
			col("day", "INT"),
			col("day_name", "VARCHAR(20)"),
			col("month", "INT"),
			col("year", "INT"),
			col("site_name", "VARCHAR(100)"),
			col("region", "VARCHAR(50)"),
			col("latitude", "DECIMAL(10,8)"),
			col("longitude", "DECIMAL(11,8)"),
			col("project_name", "VARCHAR(100)"),
			col("project_manager", "VARCHAR(100)"),
			col("status", "VARCHAR(20)"),
			col("start_date", "DATE"),
			col("end_date", "DATE"),
			col("account_name", "VARCHAR(100)"),
			col("account_type", "VARCHAR(50)"),
			col("budget_category", "VARCHAR(50)"),
			col("cost", "DECIMAL(12,2)"),
		),
	}
}
