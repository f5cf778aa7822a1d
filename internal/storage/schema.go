// Table and row declarations shared by the warehouse catalog and every
// backend. They live here so both sides can import them without cycles.
package storage

import "strings"

type TableSpec struct {
	Name        string           `json:"name"`
	PrimaryKey  *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // "identity" | "bigidentity"
}

type ColumnSpec struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"` // SQL Server spelling; backends translate
	References *ReferenceSpec `json:"references,omitempty"`
	Nullable   *bool          `json:"nullable,omitempty"`
	// Identity columns are generated by the database in insert order. They
	// are not keys and are added to existing tables that lack them.
	Identity bool `json:"identity,omitempty"`
}

type ReferenceSpec struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// Schema returns the namespace part of a qualified table name ("dim" for
// "dim.DimSite"), or "" when the name is unqualified.
func (t TableSpec) Schema() string {
	s, _ := SplitQualifiedName(t.Name)
	return s
}

// IdentityColumns returns the columns marked Identity.
func (t TableSpec) IdentityColumns() []ColumnSpec {
	var out []ColumnSpec
	for _, c := range t.Columns {
		if c.Identity {
			out = append(out, c)
		}
	}
	return out
}

// Column returns the named column spec.
func (t TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// DimensionRow is one dimension member ready to be resolved.
//
// Columns must contain NaturalKey; Values is parallel to Columns.
type DimensionRow struct {
	Table        string
	SurrogateKey string
	NaturalKey   string
	Columns      []string
	Values       []any
}

// NaturalValue returns the value bound to the natural key column.
func (r DimensionRow) NaturalValue() (any, bool) {
	i, ok := IndexOfColumn(r.Columns, r.NaturalKey)
	if !ok {
		return nil, false
	}
	return r.Values[i], true
}

// FactRow is one fact row ready to be appended.
//
// DedupeColumns must be a subset of Columns; an empty set disables dedupe.
type FactRow struct {
	Table         string
	SurrogateKey  string
	DedupeColumns []string
	Columns       []string
	Values        []any
}

// StagingPage describes one keyset page: rows with OrderColumn > After,
// ordered ascending, at most Limit rows.
type StagingPage struct {
	Table       string
	Columns     []string
	OrderColumn string
	After       int64
	Limit       int
}

// Bool returns a pointer to b, for ColumnSpec.Nullable literals.
func Bool(b bool) *bool { return &b }

// SplitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "dim.DimSite" => ("dim", "DimSite")
//   - "DimSite"     => ("", "DimSite")
func SplitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// IndexOfColumn returns the index of a column and whether it exists.
func IndexOfColumn(columns []string, name string) (int, bool) {
	for i, c := range columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// IndicesFor returns the indices for required columns, or false when any
// of them is missing from columns.
func IndicesFor(required []string, columns []string) ([]int, bool) {
	out := make([]int, len(required))
	for i, c := range required {
		idx, ok := IndexOfColumn(columns, c)
		if !ok {
			return nil, false
		}
		out[i] = idx
	}
	return out, true
}
