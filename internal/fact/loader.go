// Package fact turns staging rows into fact rows: it resolves every
// referenced dimension, normalizes measures to their column types and
// appends the fact, deduplicated on its natural transaction id.
//
// No business rules are applied to measures. Negative hours or costs load
// as they arrive.
package fact

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dwetl/internal/dimension"
	"dwetl/internal/etlerr"
	"dwetl/internal/staging"
	"dwetl/internal/storage"
	"dwetl/internal/warehouse"
)

// Result describes one loaded row.
type Result struct {
	Key int64
	// Inserted is false when a fact with the same natural id already existed.
	Inserted bool
}

// Loader appends fact rows through a storage backend.
type Loader struct {
	wh    storage.Warehouse
	actor string
	now   func() time.Time
	specs map[string]storage.TableSpec
}

// NewLoader returns a Loader that stamps created_by with actor.
func NewLoader(wh storage.Warehouse, actor string) *Loader {
	specs := make(map[string]storage.TableSpec)
	for _, t := range warehouse.Tables() {
		specs[t.Name] = t
	}
	return &Loader{wh: wh, actor: actor, now: time.Now, specs: specs}
}

// Load resolves row's dimensions through scope and inserts its fact on q.
//
// Every failure is an *etlerr.RowLoadError naming the staging row and the
// stage that failed: "extract", a dimension name, "measures" or "fact". No
// fact is written when any dimension fails.
func (l *Loader) Load(ctx context.Context, q storage.Querier, scope *dimension.Scope, a Area, row staging.Row) (Result, error) {
	fail := func(stage string, err error) (Result, error) {
		return Result{}, &etlerr.RowLoadError{Area: a.Name, RowID: row.StagingRowID(), Stage: stage, Err: err}
	}

	p, err := a.plan(row)
	if err != nil {
		return fail("extract", err)
	}

	f := a.Fact
	columns := []string{f.NaturalID}
	values := []any{p.naturalID}

	for _, d := range p.dims {
		m, err := l.fitMember(d.dim, d.member)
		if err != nil {
			return fail(d.dim.Name, err)
		}
		key, err := scope.Resolve(ctx, q, d.dim, m)
		if err != nil {
			return fail(d.dim.Name, err)
		}
		columns = append(columns, d.dim.SurrogateKey)
		values = append(values, key)
	}

	for _, m := range p.measures {
		var v any
		if m.value.Valid {
			d, err := l.fitDecimal(f.Table, m.column, m.value.Decimal)
			if err != nil {
				return fail("measures", err)
			}
			v = d
		}
		columns = append(columns, m.column)
		values = append(values, v)
	}
	for _, at := range p.attrs {
		columns = append(columns, at.Column)
		values = append(values, at.Value)
	}
	columns = append(columns, warehouse.ColCreatedAt, warehouse.ColCreatedBy)
	values = append(values, l.now().UTC(), l.actor)

	key, inserted, err := l.wh.InsertFact(ctx, q, storage.FactRow{
		Table:         f.Table,
		SurrogateKey:  f.SurrogateKey,
		DedupeColumns: []string{f.NaturalID},
		Columns:       columns,
		Values:        values,
	})
	if err != nil {
		return fail("fact", err)
	}
	return Result{Key: key, Inserted: inserted}, nil
}

// fitMember normalizes decimal attributes of m to d's column types.
func (l *Loader) fitMember(d warehouse.Dimension, m dimension.Member) (dimension.Member, error) {
	out := dimension.Member{NaturalKey: m.NaturalKey, Attributes: make([]dimension.Attribute, len(m.Attributes))}
	for i, a := range m.Attributes {
		if v, ok := a.Value.(decimal.Decimal); ok {
			fitted, err := l.fitDecimal(d.Table, a.Column, v)
			if err != nil {
				return dimension.Member{}, err
			}
			a.Value = fitted
		}
		out.Attributes[i] = a
	}
	return out, nil
}

func (l *Loader) fitDecimal(table, column string, v decimal.Decimal) (decimal.Decimal, error) {
	spec, ok := l.specs[table]
	if !ok {
		return v, nil
	}
	col, ok := spec.Column(column)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%s has no column %s", table, column)
	}
	p, s, ok := storage.DecimalType(col.Type)
	if !ok {
		return v, nil
	}
	out, err := storage.FitDecimal(v, p, s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", column, err)
	}
	return out, nil
}
