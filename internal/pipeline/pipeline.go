// Package pipeline sequences one warehouse load: provision the database and
// its objects, open the load session, then load every subject area in turn.
//
// A run is a single sequential batch on one session. Rows are processed in
// staging arrival order. Connection establishment is the only step that is
// retried; row failures are handled by the failure policy and never retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dwetl/internal/dbconn"
	"dwetl/internal/dimension"
	"dwetl/internal/etlerr"
	"dwetl/internal/fact"
	"dwetl/internal/metrics"
	"dwetl/internal/provision"
	"dwetl/internal/staging"
	"dwetl/internal/storage"
)

// Failure policies.
const (
	// BestEffort loads every row in its own unit of work. A failed row is
	// rolled back, logged and counted, and the area continues.
	BestEffort = "best_effort"
	// AllOrNothing loads a whole area in one unit of work. The first failed
	// row rolls the area back and fails the run.
	AllOrNothing = "all_or_nothing"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
)

// Area statuses.
const (
	AreaLoaded  = "loaded"
	AreaPartial = "partial"
	AreaFailed  = "failed"
	AreaSkipped = "skipped"
)

// AreaReport counts one subject area's rows.
type AreaReport struct {
	Area      string
	Status    string
	Read      int64
	Inserted  int64
	Duplicate int64
	Failed    int64
	Err       error
}

// Report is the outcome of a run.
type Report struct {
	RunID    string
	State    State
	Status   Status
	Areas    []AreaReport
	Err      error
	Started  time.Time
	Finished time.Time
}

// FailedRows sums failed rows over all areas.
func (r *Report) FailedRows() int64 {
	var n int64
	for _, a := range r.Areas {
		n += a.Failed
	}
	return n
}

// Options configures a Pipeline.
type Options struct {
	Database      string
	FailurePolicy string // BestEffort when empty
	BatchSize     int
	Actor         string
	Job           string
	Areas         []fact.Area // fact.Areas() when nil
}

// Pipeline runs loads against one warehouse.
type Pipeline struct {
	opts      Options
	provider  *dbconn.Provider
	provision *provision.Provisioner
	loader    *fact.Loader
	dims      *dimension.Resolver
	log       *zap.Logger

	newRunID func() string
	now      func() time.Time
}

// New returns a Pipeline that connects through p.
func New(p *dbconn.Provider, opts Options, log *zap.Logger) (*Pipeline, error) {
	if p == nil || p.Warehouse == nil {
		return nil, errors.New("pipeline: provider with a warehouse backend is required")
	}
	switch opts.FailurePolicy {
	case "":
		opts.FailurePolicy = BestEffort
	case BestEffort, AllOrNothing:
	default:
		return nil, fmt.Errorf("pipeline: unknown failure policy %q", opts.FailurePolicy)
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("pipeline: batch size must be >= 1 (got %d)", opts.BatchSize)
	}
	if opts.Areas == nil {
		opts.Areas = fact.Areas()
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "pipeline"))

	return &Pipeline{
		opts:      opts,
		provider:  p,
		provision: provision.New(p, log),
		loader:    fact.NewLoader(p.Warehouse, opts.Actor),
		dims:      dimension.NewResolver(p.Warehouse, opts.Actor),
		log:       log,
		newRunID:  func() string { return uuid.NewString() },
		now:       time.Now,
	}, nil
}

// Run executes one load from INIT to DONE or FAILED. The returned error is
// Report.Err: nil for success and partial success.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	rep := &Report{RunID: p.newRunID(), State: StateInit, Started: p.now()}
	m := &machine{state: StateInit}
	log := p.log.With(zap.String("run_id", rep.RunID))
	db := p.opts.Database

	log.Info("run started",
		zap.String("database", db),
		zap.String("storage", p.provider.Warehouse.Kind()),
		zap.String("policy", p.opts.FailurePolicy))

	err := p.run(ctx, m, rep, log)
	p.finish(m, rep, log, err)
	return rep, rep.Err
}

func (p *Pipeline) run(ctx context.Context, m *machine, rep *Report, log *zap.Logger) error {
	db := p.opts.Database

	if err := p.step("ensure_database", func() error { return p.provision.EnsureDatabase(ctx, db) }); err != nil {
		return err
	}
	if err := p.advance(m, rep, StateDBEnsured); err != nil {
		return err
	}

	if err := p.step("ensure_objects", func() error { return p.provision.EnsureWarehouseObjects(ctx, db) }); err != nil {
		return err
	}
	if err := p.advance(m, rep, StateSchemaEnsured); err != nil {
		return err
	}

	var sess *dbconn.Session
	err := p.step("connect", func() error {
		var err error
		sess, err = p.provider.Connect(ctx, db, dbconn.Transactional)
		return err
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("close load session", zap.Error(cerr))
		}
	}()
	if err := p.advance(m, rep, StateConnected); err != nil {
		return err
	}

	for i, a := range p.opts.Areas {
		if err := p.advance(m, rep, StateLoading); err != nil {
			return err
		}

		alog := log.With(zap.String("area", a.Name))
		start := time.Now()
		ar, err := p.loadArea(ctx, sess, a, alog)
		metrics.RecordStep(p.opts.Job, "load_"+a.Name, err, time.Since(start))
		p.recordArea(ar)
		rep.Areas = append(rep.Areas, ar)

		if err != nil {
			for _, rest := range p.opts.Areas[i+1:] {
				rep.Areas = append(rep.Areas, AreaReport{Area: rest.Name, Status: AreaSkipped})
			}
			return err
		}
		alog.Info("area loaded",
			zap.String("status", ar.Status),
			zap.Int64("read", ar.Read),
			zap.Int64("inserted", ar.Inserted),
			zap.Int64("duplicate", ar.Duplicate),
			zap.Int64("failed", ar.Failed),
			zap.Duration("elapsed", time.Since(start)))

		if err := p.advance(m, rep, StateLoaded); err != nil {
			return err
		}
	}
	return p.advance(m, rep, StateDone)
}

func (p *Pipeline) step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordStep(p.opts.Job, name, err, time.Since(start))
	return err
}

func (p *Pipeline) advance(m *machine, rep *Report, next State) error {
	if err := m.advance(next); err != nil {
		return err
	}
	rep.State = next
	return nil
}

// finish moves a failed run to FAILED and derives the terminal status.
func (p *Pipeline) finish(m *machine, rep *Report, log *zap.Logger, err error) {
	rep.Finished = p.now()
	if err != nil {
		if m.state.CanTransition(StateFailed) {
			m.state = StateFailed
		}
		rep.State = m.state
		rep.Err = err
	}

	switch {
	case rep.Err != nil || rep.State == StateFailed:
		rep.Status = StatusFailed
	case rep.FailedRows() > 0:
		rep.Status = StatusPartialSuccess
	default:
		rep.Status = StatusSuccess
	}

	fields := []zap.Field{
		zap.String("state", string(rep.State)),
		zap.String("status", string(rep.Status)),
		zap.Int64("failed_rows", rep.FailedRows()),
		zap.Duration("elapsed", rep.Finished.Sub(rep.Started)),
	}
	if rep.Err != nil {
		log.Error("run failed", append(fields, zap.String("error_kind", etlerr.Kind(rep.Err)), zap.Error(rep.Err))...)
		return
	}
	log.Info("run finished", fields...)
}

func (p *Pipeline) loadArea(ctx context.Context, sess *dbconn.Session, a fact.Area, log *zap.Logger) (AreaReport, error) {
	if p.opts.FailurePolicy == AllOrNothing {
		return p.loadAreaAtomic(ctx, sess, a, log)
	}
	return p.loadAreaBestEffort(ctx, sess, a, log)
}

// loadAreaBestEffort gives every row its own unit of work and dimension
// cache scope. Only row-level failures are absorbed.
func (p *Pipeline) loadAreaBestEffort(ctx context.Context, sess *dbconn.Session, a fact.Area, log *zap.Logger) (AreaReport, error) {
	ar := AreaReport{Area: a.Name}

	err := a.Each(ctx, p.provider.Warehouse, sess.Querier(), p.opts.BatchSize, func(row staging.Row) error {
		ar.Read++
		scope := p.dims.Begin()

		var res fact.Result
		err := sess.UnitOfWork(ctx, func(q storage.Querier) error {
			var err error
			res, err = p.loader.Load(ctx, q, scope, a, row)
			return err
		})
		if err != nil {
			scope.Discard()
			if ctx.Err() != nil || etlerr.Fatal(err) {
				return err
			}
			ar.Failed++
			logRowFailure(log, err)
			return nil
		}
		scope.Commit()
		ar.count(res)
		return nil
	})
	if err != nil {
		ar.Status = AreaFailed
		ar.Err = err
		return ar, err
	}

	ar.Status = AreaLoaded
	if ar.Failed > 0 {
		ar.Status = AreaPartial
	}
	return ar, nil
}

// loadAreaAtomic reads and loads the whole area inside one unit of work.
// Any failure rolls every row of the area back.
func (p *Pipeline) loadAreaAtomic(ctx context.Context, sess *dbconn.Session, a fact.Area, log *zap.Logger) (AreaReport, error) {
	ar := AreaReport{Area: a.Name}
	scope := p.dims.Begin()

	err := sess.UnitOfWork(ctx, func(q storage.Querier) error {
		return a.Each(ctx, p.provider.Warehouse, q, p.opts.BatchSize, func(row staging.Row) error {
			ar.Read++
			res, err := p.loader.Load(ctx, q, scope, a, row)
			if err != nil {
				return err
			}
			ar.count(res)
			return nil
		})
	})
	if err != nil {
		scope.Discard()
		ar.Inserted, ar.Duplicate, ar.Failed = 0, 0, 1
		ar.Status = AreaFailed
		ar.Err = err
		if !etlerr.Fatal(err) {
			logRowFailure(log, err)
		}
		log.Warn("area rolled back", zap.Int64("read", ar.Read), zap.Error(err))
		return ar, err
	}
	scope.Commit()
	ar.Status = AreaLoaded
	return ar, nil
}

func (ar *AreaReport) count(res fact.Result) {
	if res.Inserted {
		ar.Inserted++
	} else {
		ar.Duplicate++
	}
}

func (p *Pipeline) recordArea(ar AreaReport) {
	job := p.opts.Job
	metrics.RecordRow(job, ar.Area, "read", ar.Read)
	metrics.RecordRow(job, ar.Area, "inserted", ar.Inserted)
	metrics.RecordRow(job, ar.Area, "duplicate", ar.Duplicate)
	metrics.RecordRow(job, ar.Area, "failed", ar.Failed)
	// Each issues one query per full page plus the final short one.
	metrics.RecordBatches(job, ar.Area, ar.Read/int64(p.opts.BatchSize)+1)
}

func logRowFailure(log *zap.Logger, err error) {
	var rowErr *etlerr.RowLoadError
	if !errors.As(err, &rowErr) {
		log.Warn("row failed", zap.Error(err))
		return
	}
	log.Warn("row failed",
		zap.Int64("staging_row_id", rowErr.RowID),
		zap.String("stage", rowErr.Stage),
		zap.Error(rowErr.Err))
}
