// Package dimension maps natural keys to warehouse surrogate keys, inserting
// unseen members with first-write-wins semantics.
package dimension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dwetl/internal/storage"
	"dwetl/internal/warehouse"
)

// ErrNoNaturalKey is returned for a member whose natural key is NULL or blank.
var ErrNoNaturalKey = errors.New("natural key is empty")

// Attribute is one descriptive column of a dimension member.
type Attribute struct {
	Column string
	Value  any
}

// Member is a dimension row as derived from a staging row.
type Member struct {
	NaturalKey any
	Attributes []Attribute
}

// Resolver resolves members through a storage backend.
//
// It keeps a per-run cache of natural key to surrogate key. Only keys
// resolved through a committed Scope enter the cache, so a rolled-back
// transaction never leaves a stale key behind.
type Resolver struct {
	wh    storage.Warehouse
	actor string
	now   func() time.Time

	mu        sync.RWMutex
	committed map[string]int64
}

// NewResolver returns a Resolver that stamps created_by with actor.
func NewResolver(wh storage.Warehouse, actor string) *Resolver {
	return &Resolver{
		wh:        wh,
		actor:     actor,
		now:       time.Now,
		committed: make(map[string]int64),
	}
}

// Resolve returns the surrogate key for m, inserting it when its natural key
// is unseen. The result is not cached; use a Scope inside a unit of work.
func (r *Resolver) Resolve(ctx context.Context, q storage.Querier, d warehouse.Dimension, m Member) (int64, error) {
	nk, cacheKey, err := normalize(d, m)
	if err != nil {
		return 0, err
	}
	if key, ok := r.lookup(cacheKey); ok {
		return key, nil
	}
	return r.resolve(ctx, q, d, nk, m.Attributes)
}

// Cached reports how many keys the committed cache holds.
func (r *Resolver) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.committed)
}

func (r *Resolver) lookup(cacheKey string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.committed[cacheKey]
	return key, ok
}

func (r *Resolver) resolve(ctx context.Context, q storage.Querier, d warehouse.Dimension, nk any, attrs []Attribute) (int64, error) {
	row := storage.DimensionRow{
		Table:        d.Table,
		SurrogateKey: d.SurrogateKey,
		NaturalKey:   d.NaturalKey,
		Columns:      make([]string, 0, len(attrs)+3),
		Values:       make([]any, 0, len(attrs)+3),
	}
	row.Columns = append(row.Columns, d.NaturalKey)
	row.Values = append(row.Values, nk)
	for _, a := range attrs {
		if a.Column == d.NaturalKey {
			continue
		}
		row.Columns = append(row.Columns, a.Column)
		row.Values = append(row.Values, a.Value)
	}
	row.Columns = append(row.Columns, warehouse.ColCreatedAt, warehouse.ColCreatedBy)
	row.Values = append(row.Values, r.now().UTC(), r.actor)

	key, err := r.wh.ResolveDimension(ctx, q, row)
	if err != nil {
		return 0, fmt.Errorf("resolve %s %v: %w", d.Name, nk, err)
	}
	return key, nil
}

func normalize(d warehouse.Dimension, m Member) (any, string, error) {
	nk := storage.NormalizeKeyValue(m.NaturalKey)
	s := storage.NormalizeKey(nk)
	if nk == nil || s == "" {
		return nil, "", fmt.Errorf("%s.%s: %w", d.Name, d.NaturalKey, ErrNoNaturalKey)
	}
	return nk, d.Table + "\x00" + s, nil
}

// Scope collects keys resolved inside one unit of work. Commit publishes
// them to the Resolver's cache; dropping the Scope forgets them.
type Scope struct {
	r       *Resolver
	pending map[string]int64
}

// Begin opens a Scope.
func (r *Resolver) Begin() *Scope {
	return &Scope{r: r, pending: make(map[string]int64)}
}

// Resolve is Resolver.Resolve with keys remembered for the rest of the
// scope and, after Commit, for the rest of the run.
func (s *Scope) Resolve(ctx context.Context, q storage.Querier, d warehouse.Dimension, m Member) (int64, error) {
	nk, cacheKey, err := normalize(d, m)
	if err != nil {
		return 0, err
	}
	if key, ok := s.pending[cacheKey]; ok {
		return key, nil
	}
	if key, ok := s.r.lookup(cacheKey); ok {
		return key, nil
	}
	key, err := s.r.resolve(ctx, q, d, nk, m.Attributes)
	if err != nil {
		return 0, err
	}
	s.pending[cacheKey] = key
	return key, nil
}

// Commit publishes the scope's keys. Call it only after the surrounding
// transaction committed.
func (s *Scope) Commit() {
	if len(s.pending) == 0 {
		return
	}
	s.r.mu.Lock()
	for k, v := range s.pending {
		s.r.committed[k] = v
	}
	s.r.mu.Unlock()
	s.pending = make(map[string]int64)
}

// Discard forgets the scope's keys.
func (s *Scope) Discard() {
	s.pending = make(map[string]int64)
}
